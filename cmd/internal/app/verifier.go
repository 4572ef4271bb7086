package app

import (
	"context"
	"strings"

	"github.com/luckysmithlee/im-next/cmd/identity"
)

// newVerifier builds the token verifier chain: HS256 JWT, then GoTrue, then (dev only)
// mock tokens. Verified identities are recorded in reg.
func newVerifier(ctx context.Context, cfg AuthConfig, reg identity.Registry, log Logger) (identity.Verifier, error) {
	var chain identity.Chain

	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		opts := []identity.JWTOption{identity.WithLeeway(cfg.JWTLeeway)}
		if cfg.JWTIssuer != "" {
			opts = append(opts, identity.WithIssuer(cfg.JWTIssuer))
		}
		if cfg.JWTAudience != "" {
			opts = append(opts, identity.WithAudience(cfg.JWTAudience))
		}
		v, err := identity.NewJWTVerifier([]byte(secret), opts...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if u := strings.TrimSpace(cfg.GoTrueURL); u != "" {
		v, err := identity.NewGoTrueVerifier(u, cfg.GoTrueTimeout)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if cfg.MockTokens {
		users := identity.DefaultMockUsers()
		chain = append(chain, identity.NewMockVerifier(users))
		for _, id := range users {
			if err := reg.Remember(ctx, id); err != nil {
				return nil, err
			}
		}
		log.Warn("auth.mock_tokens.enabled", "users", len(users))
	}

	log.Info("auth.verifiers", "count", len(chain))
	return identity.Remembering(chain, reg, log), nil
}
