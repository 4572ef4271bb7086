package app

import (
	"errors"
	"strings"

	"github.com/luckysmithlee/im-next/cmd/security/token"
)

// MinJWTSecretBytes is the smallest accepted HS256 secret.
const MinJWTSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy. It fails fast instead of
// running with a weaker verifier than configured.
func ValidateSecurityConfig(cfg Config) error {
	a := cfg.Auth

	if strings.TrimSpace(a.JWTSecret) != "" {
		if _, err := token.CheckSecret(a.JWTSecret, MinJWTSecretBytes); err != nil {
			if errors.Is(err, token.ErrSecretTooShort) {
				return errors.New("security policy: " + token.SecretEnvKey + " is too short (min 32 bytes)")
			}
			return err
		}
	}

	if a.MockTokens && !cfg.IsDev() {
		return errors.New("security policy: IMNEXT_MOCK_TOKENS requires IMNEXT_ENV=dev")
	}

	if strings.TrimSpace(a.JWTSecret) == "" && strings.TrimSpace(a.GoTrueURL) == "" && !a.MockTokens {
		return errors.New("security policy: no token verifier configured (set " + token.SecretEnvKey + ", IMNEXT_GOTRUE_URL or, in dev, IMNEXT_MOCK_TOKENS)")
	}

	if !cfg.IsDev() {
		for _, o := range cfg.Realtime.WSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return errors.New("security policy: wildcard websocket origin is only allowed in dev")
			}
		}
	}
	return nil
}
