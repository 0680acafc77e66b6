package engine

import (
	"errors"
	"os"
	"strings"
	"time"
)

// ErrConfig is returned when the engine configuration is invalid.
var ErrConfig = errors.New("engine: invalid configuration")

// Config holds the engine's timing knobs.
type Config struct {
	// StreamIdleTimeout bounds the wait for each stream event. A turn that
	// stays silent longer is aborted.
	StreamIdleTimeout time.Duration

	// StartTimeout bounds the call that starts a turn (up to the first byte
	// of the stream).
	StartTimeout time.Duration

	// CommitTimeout bounds each durable write, including its retry.
	CommitTimeout time.Duration

	// NameTimeout bounds the naming call for new conversations.
	NameTimeout time.Duration

	// CredentialTimeout bounds a credential lookup by the gate.
	CredentialTimeout time.Duration

	// DefaultAssistantID is the assistant the completion service falls back
	// to. The gate accepts credentials without their own assistant only when
	// it is set. Not read from the environment by LoadConfigFromEnv.
	DefaultAssistantID string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StreamIdleTimeout: 60 * time.Second,
		StartTimeout:      45 * time.Second,
		CommitTimeout:     10 * time.Second,
		NameTimeout:       10 * time.Second,
		CredentialTimeout: 5 * time.Second,
	}
}

// LoadConfigFromEnv reads engine settings.
//
// Optional (Go duration strings):
//   - FRUGAL_STREAM_IDLE_TIMEOUT
//   - FRUGAL_STREAM_START_TIMEOUT
//   - FRUGAL_COMMIT_TIMEOUT
//   - FRUGAL_NAME_TIMEOUT
//   - FRUGAL_CREDENTIAL_TIMEOUT
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"FRUGAL_STREAM_IDLE_TIMEOUT", &cfg.StreamIdleTimeout},
		{"FRUGAL_STREAM_START_TIMEOUT", &cfg.StartTimeout},
		{"FRUGAL_COMMIT_TIMEOUT", &cfg.CommitTimeout},
		{"FRUGAL_NAME_TIMEOUT", &cfg.NameTimeout},
		{"FRUGAL_CREDENTIAL_TIMEOUT", &cfg.CredentialTimeout},
	} {
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		*f.dst = d
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = def.StreamIdleTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = def.CommitTimeout
	}
	if c.NameTimeout <= 0 {
		c.NameTimeout = def.NameTimeout
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = def.CredentialTimeout
	}
	return c
}
