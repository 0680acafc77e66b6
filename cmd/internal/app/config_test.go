package app

import (
	"errors"
	"testing"
	"time"
)

func envFrom(m map[string]string) *envReader {
	return &envReader{lookup: func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(envFrom(nil))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.DocstoreBackend != BackendMemory || cfg.CredentialBackend != BackendMemory {
		t.Fatalf("backends=%q/%q want memory", cfg.DocstoreBackend, cfg.CredentialBackend)
	}
	if cfg.DBSchema != "frugalgpt" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
}

func TestLoadConfig_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(envFrom(map[string]string{
		"FRUGAL_DATABASE_URL":       "postgres://localhost/frugal",
		"FRUGAL_CREDENTIAL_BACKEND": "memory",
		"FRUGAL_DEV_CREDENTIALS":    "alice=sk-1, bob=sk-2:asst_b",
		"FRUGAL_SHUTDOWN_TIMEOUT":   "3s",
	}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DocstoreBackend != BackendPostgres {
		t.Fatalf("DocstoreBackend=%q want postgres", cfg.DocstoreBackend)
	}
	if cfg.CredentialBackend != BackendMemory {
		t.Fatalf("CredentialBackend=%q want memory", cfg.CredentialBackend)
	}
	if len(cfg.DevCredentials) != 2 || cfg.DevCredentials[1] != "bob=sk-2:asst_b" {
		t.Fatalf("DevCredentials=%v", cfg.DevCredentials)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad duration", env: map[string]string{"FRUGAL_HTTP_READ_TIMEOUT": "soon"}},
		{name: "bad bool", env: map[string]string{"FRUGAL_DB_AUTO_MIGRATE": "perhaps"}},
		{name: "bad int", env: map[string]string{"FRUGAL_DB_MAX_CONNS": "many"}},
		{name: "unknown backend", env: map[string]string{"FRUGAL_DOCSTORE_BACKEND": "redis"}},
		{name: "unknown log format", env: map[string]string{"FRUGAL_LOG_FORMAT": "xml"}},
		{name: "postgres without url", env: map[string]string{"FRUGAL_DOCSTORE_BACKEND": "postgres"}},
		{name: "min over max", env: map[string]string{
			"FRUGAL_DATABASE_URL": "postgres://localhost/frugal",
			"FRUGAL_DB_MAX_CONNS": "2",
			"FRUGAL_DB_MIN_CONNS": "5",
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadConfig(envFrom(tc.env))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err=%v want ErrConfig", err)
			}
		})
	}
}
