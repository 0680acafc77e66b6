package app

import (
	"errors"
	"fmt"

	"frugalgpt/cmd/internal/auth/session"
	"frugalgpt/cmd/internal/credential"
)

// securityMaterial is the key material the server needs at startup.
type securityMaterial struct {
	tokens session.AccessTokenManager
	// sealer is nil unless credentials are stored in Postgres.
	sealer *credential.Sealer
}

// loadSecurity enforces frugalgpt's security policy at startup.
//
// Fail-fast: a server that cannot verify tokens, or would store API keys
// unsealed in Postgres, does not start.
func loadSecurity(cfg Config) (securityMaterial, error) {
	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return securityMaterial{}, errors.New("security policy: FRUGAL_PASETO_V4_PUBLIC_KEY_HEX or FRUGAL_PASETO_V4_SECRET_KEY_HEX must be set and valid")
	}
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		return securityMaterial{}, fmt.Errorf("security policy: token manager: %w", err)
	}

	out := securityMaterial{tokens: tokens}
	if cfg.CredentialBackend != BackendPostgres {
		return out, nil
	}

	sealer, err := credential.SealerFromEnv()
	switch {
	case errors.Is(err, credential.ErrKeyMissing):
		return securityMaterial{}, fmt.Errorf("security policy: postgres credential backend requires %s", credential.KeyEnv)
	case errors.Is(err, credential.ErrKeyInvalid):
		return securityMaterial{}, fmt.Errorf("security policy: %s must decode to 32 bytes", credential.KeyEnv)
	case err != nil:
		return securityMaterial{}, err
	}
	out.sealer = sealer
	return out, nil
}
