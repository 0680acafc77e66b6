package app

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("invalid config")

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Log formats.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	// AutoMigrate applies the idempotent table DDL at startup.
	AutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// DocstoreBackend is memory, bolt or postgres.
	DocstoreBackend string
	BoltPath        string

	// CredentialBackend is memory or postgres. Postgres needs FRUGAL_CREDENTIAL_KEY.
	CredentialBackend string
	// DevCredentials seeds "user_id=api_key" pairs into the credential store.
	DevCredentials []string

	// Completion service.
	CompletionBaseURL      string
	DefaultAssistantID     string
	NamerModel             string
	CompletionHTTPTimeout  time.Duration
	CompletionDialTimeout  time.Duration
	CompletionTLSHandshake time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
//
// Backends default to postgres when FRUGAL_DATABASE_URL is set and to
// memory otherwise. A malformed value returns ErrConfig.
func LoadConfig() (Config, error) {
	return loadConfig(newEnvReader())
}

func loadConfig(env *envReader) (Config, error) {
	cfg := Config{
		HTTPAddr:  env.String("FRUGAL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("FRUGAL_LOG_LEVEL", "info"),
		LogFormat: env.OneOf("FRUGAL_LOG_FORMAT", LogFormatJSON, LogFormatJSON, LogFormatPretty),

		ReadHeaderTimeout: env.Duration("FRUGAL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("FRUGAL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("FRUGAL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("FRUGAL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   env.Duration("FRUGAL_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    env.Int("FRUGAL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: env.String("FRUGAL_DATABASE_URL", ""),
		DBMaxConns:  env.Int32("FRUGAL_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int32("FRUGAL_DB_MIN_CONNS", 0),
		DBSchema:    env.String("FRUGAL_DB_SCHEMA", "frugalgpt"),
		AutoMigrate: env.Bool("FRUGAL_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: env.Bool("FRUGAL_READINESS_REQUIRE_DB", false),

		BoltPath:       env.String("FRUGAL_BOLT_PATH", "data/frugalgpt.db"),
		DevCredentials: env.CSV("FRUGAL_DEV_CREDENTIALS", nil),

		CompletionBaseURL:      env.String("FRUGAL_COMPLETION_BASE_URL", ""),
		DefaultAssistantID:     env.String("FRUGAL_DEFAULT_ASSISTANT_ID", ""),
		NamerModel:             env.String("FRUGAL_NAMER_MODEL", ""),
		CompletionHTTPTimeout:  env.Duration("FRUGAL_COMPLETION_REQUEST_TIMEOUT", 30*time.Second),
		CompletionDialTimeout:  env.Duration("FRUGAL_COMPLETION_DIAL_TIMEOUT", 10*time.Second),
		CompletionTLSHandshake: env.Duration("FRUGAL_COMPLETION_TLS_TIMEOUT", 10*time.Second),

		CORSAllowedOrigins:   env.CSV("FRUGAL_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: env.Bool("FRUGAL_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    env.Int("FRUGAL_CORS_MAX_AGE_SECONDS", 600),
	}

	def := BackendMemory
	if cfg.DatabaseURL != "" {
		def = BackendPostgres
	}
	cfg.DocstoreBackend = env.OneOf("FRUGAL_DOCSTORE_BACKEND", def, BackendMemory, BackendBolt, BackendPostgres)
	cfg.CredentialBackend = env.OneOf("FRUGAL_CREDENTIAL_BACKEND", def, BackendMemory, BackendPostgres)

	if err := env.err(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	needsDB := c.DocstoreBackend == BackendPostgres || c.CredentialBackend == BackendPostgres
	if needsDB && c.DatabaseURL == "" {
		return fmt.Errorf("%w: postgres backend requires FRUGAL_DATABASE_URL", ErrConfig)
	}
	if c.DocstoreBackend == BackendBolt && c.BoltPath == "" {
		return fmt.Errorf("%w: bolt backend requires FRUGAL_BOLT_PATH", ErrConfig)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return fmt.Errorf("%w: FRUGAL_DB_MIN_CONNS exceeds FRUGAL_DB_MAX_CONNS", ErrConfig)
	}
	return nil
}

// dbEnabled reports whether any component needs the Postgres pool.
func (c Config) dbEnabled() bool {
	return c.DatabaseURL != ""
}
