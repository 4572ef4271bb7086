package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// GoTrueVerifier asks a GoTrue-compatible auth server (GET {base}/user) who owns a token.
// It is the fallback when tokens cannot be verified locally (asymmetric keys, revocation).
type GoTrueVerifier struct {
	baseURL string
	client  *http.Client
}

// NewGoTrueVerifier constructs a remote verifier. baseURL is e.g. http://localhost:9999/auth/v1.
func NewGoTrueVerifier(baseURL string, timeout time.Duration) (*GoTrueVerifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, OpError{Op: "identity.NewGoTrueVerifier", Kind: ErrInvalidInput, Msg: "empty base url"}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GoTrueVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type goTrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verify implements Verifier.
func (v *GoTrueVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	const op = "identity.GoTrueVerifier.Verify"

	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, invalidToken(op, "empty token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/user", nil)
	if err != nil {
		return Identity{}, unavailable(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Identity{}, err
		}
		return Identity{}, unavailable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Identity{}, invalidToken(op, "rejected by auth server")
	case resp.StatusCode != http.StatusOK:
		return Identity{}, unavailable(op, errors.New("unexpected status "+resp.Status))
	}

	var u goTrueUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return Identity{}, unavailable(op, err)
	}
	u.ID = strings.TrimSpace(u.ID)
	if err := ValidateUserID(u.ID); err != nil {
		return Identity{}, invalidToken(op, "auth server returned an invalid user id")
	}
	return Identity{UserID: u.ID, Email: NormalizeEmail(u.Email)}, nil
}
