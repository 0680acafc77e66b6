package realtime

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// Secure by default: Origin is required and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ErrConfig is returned for invalid gateway configuration.
var ErrConfig = errors.New("realtime: invalid config")

// Config tunes the websocket gateway.
type Config struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool

	// RequireAuth rejects handshakes without a valid bearer token.
	RequireAuth bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadConfigFromEnv reads FRUGAL_WS_* variables on top of DefaultConfig.
//
// Optional:
//   - FRUGAL_WS_DEV_INSECURE, FRUGAL_WS_REQUIRE_AUTH, FRUGAL_WS_ORIGIN_REQUIRED (bool)
//   - FRUGAL_WS_ALLOWED_ORIGINS (comma separated)
//   - FRUGAL_WS_WRITE_TIMEOUT, FRUGAL_WS_READ_IDLE_TIMEOUT (duration)
//   - FRUGAL_WS_HEARTBEAT_INTERVAL, FRUGAL_WS_HEARTBEAT_TIMEOUT (duration)
//   - FRUGAL_WS_SEND_QUEUE, FRUGAL_WS_RATE_EVENTS (int), FRUGAL_WS_RATE_WINDOW (duration)
//
// Returns ErrConfig when a value is present but malformed.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.DevInsecure, err = envBool("FRUGAL_WS_DEV_INSECURE", cfg.DevInsecure); err != nil {
		return Config{}, err
	}
	if cfg.RequireAuth, err = envBool("FRUGAL_WS_REQUIRE_AUTH", cfg.RequireAuth); err != nil {
		return Config{}, err
	}
	if cfg.OriginRequired, err = envBool("FRUGAL_WS_ORIGIN_REQUIRED", cfg.OriginRequired); err != nil {
		return Config{}, err
	}
	if v, ok := os.LookupEnv("FRUGAL_WS_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitCSV(v)
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"FRUGAL_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"FRUGAL_WS_READ_IDLE_TIMEOUT", &cfg.ReadIdleTimeout},
		{"FRUGAL_WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatEvery},
		{"FRUGAL_WS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"FRUGAL_WS_RATE_WINDOW", &cfg.RateWindow},
	} {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.SendQueueSize, err = envInt("FRUGAL_WS_SEND_QUEUE", cfg.SendQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.RateEvents, err = envInt("FRUGAL_WS_RATE_EVENTS", cfg.RateEvents); err != nil {
		return Config{}, err
	}

	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, ErrConfig
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, ErrConfig
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, ErrConfig
	}
	return d, nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
