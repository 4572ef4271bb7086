package token

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"strings"
)

const (
	// SecretEnvKey is the env var name for the JWT verification secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "IMNEXT_JWT_SECRET"

	fingerprintHexLen = 12
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible handle for tok suitable for logs.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	return HashSHA256Hex(tok)[:fingerprintHexLen]
}

// SecretFromEnv returns the configured JWT secret bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrSecretMissing.
// If too short -> ErrSecretTooShort.
func SecretFromEnv(minBytes int) ([]byte, error) {
	return CheckSecret(os.Getenv(SecretEnvKey), minBytes)
}

// CheckSecret applies the same policy as SecretFromEnv to an explicit value.
func CheckSecret(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// FromRequest extracts a bearer token from the Authorization header, falling back
// to the "token" query parameter (browsers cannot set headers on WebSocket upgrades).
func FromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if tok := Bearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Bearer parses an "Authorization: Bearer <token>" header value.
func Bearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
