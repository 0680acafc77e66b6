package session

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_MissingKeys(t *testing.T) {
	t.Setenv("FRUGAL_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("FRUGAL_PASETO_V4_PUBLIC_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing keys, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("FRUGAL_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())

	cases := map[string]string{
		"FRUGAL_AUTH_ACCESS_TTL": "-5m",
		"FRUGAL_AUTH_CLOCK_SKEW": "10m",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if _, err := LoadConfigFromEnv(); err != ErrConfig {
				t.Fatalf("expected ErrConfig for %s=%s, got %v", k, v, err)
			}
		})
	}
}

func TestLoadConfigFromEnv_PublicKeyOnly(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("FRUGAL_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("FRUGAL_PASETO_V4_PUBLIC_KEY_HEX", secret.Public().ExportHex())

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	if _, _, err := mgr.Issue("u", "s", time.Now()); err != ErrCannotIssue {
		t.Fatalf("expected ErrCannotIssue, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("FRUGAL_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("FRUGAL_AUTH_ISSUER", "frugal-test")
	t.Setenv("FRUGAL_AUTH_ACCESS_TTL", "10m")
	t.Setenv("FRUGAL_AUTH_CLOCK_SKEW", "20s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Issuer != "frugal-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
}
