package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Identity is the verified principal bound to a connection or request.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
}

// Verifier turns a bearer token into an Identity.
//
// Implementations return ErrInvalidToken (wrapped) when the token is rejected and
// ErrUnavailable when no verdict could be reached.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Chain tries verifiers in order and returns the first success.
// If every verifier rejects the token the result is ErrInvalidToken; if at least one
// was unavailable, the unavailable error wins so callers can answer 503 instead of 401.
type Chain []Verifier

// Verify implements Verifier.
func (c Chain) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, invalidToken("identity.Chain.Verify", "empty token")
	}

	var unavailableErr error
	for _, v := range c {
		if v == nil {
			continue
		}
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		if IsUnavailable(err) && unavailableErr == nil {
			unavailableErr = err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Identity{}, err
		}
	}
	if unavailableErr != nil {
		return Identity{}, unavailableErr
	}
	return Identity{}, invalidToken("identity.Chain.Verify", "no verifier accepted the token")
}

// Remembering wraps a Verifier and records every verified identity in reg.
// Registry failures are logged and do not fail verification.
func Remembering(v Verifier, reg Registry, log *slog.Logger) Verifier {
	if reg == nil {
		return v
	}
	if log == nil {
		log = slog.Default()
	}
	return VerifierFunc(func(ctx context.Context, token string) (Identity, error) {
		id, err := v.Verify(ctx, token)
		if err != nil {
			return Identity{}, err
		}
		if err := reg.Remember(ctx, id); err != nil {
			log.Warn("identity.registry.remember.fail", "user_id", id.UserID, "err", err)
		}
		return id, nil
	})
}
