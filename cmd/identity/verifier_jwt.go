package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims is the claim set accepted by JWTVerifier.
// GoTrue/Supabase access tokens carry the user id in "sub" and an "email" claim.
type JWTClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed JWTs locally.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// JWTOption configures JWTVerifier behavior.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = strings.TrimSpace(iss) }
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) JWTOption {
	return func(v *JWTVerifier) { v.audience = strings.TrimSpace(aud) }
}

// WithLeeway tolerates clock skew when checking exp/nbf/iat.
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock overrides the verifier's time source (tests).
func WithClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier constructs a verifier for HS256/HS384/HS512 tokens.
func NewJWTVerifier(secret []byte, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, OpError{Op: "identity.NewJWTVerifier", Kind: ErrInvalidInput, Msg: "empty secret"}
	}
	v := &JWTVerifier{
		secret: append([]byte(nil), secret...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	const op = "identity.JWTVerifier.Verify"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, invalidToken(op, "empty token")
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		popts = append(popts, jwt.WithAudience(v.audience))
	}

	var claims JWTClaims
	parsed, err := jwt.NewParser(popts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, invalidToken(op, "token expired")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Identity{}, invalidToken(op, "token malformed")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, invalidToken(op, "signature invalid")
		default:
			return Identity{}, invalidToken(op, err.Error())
		}
	}
	if !parsed.Valid {
		return Identity{}, invalidToken(op, "token not valid")
	}

	sub := strings.TrimSpace(claims.Subject)
	if err := ValidateUserID(sub); err != nil {
		return Identity{}, invalidToken(op, "invalid subject")
	}
	return Identity{UserID: sub, Email: NormalizeEmail(claims.Email)}, nil
}

// SignHS256 issues a development token for id. It exists for local tooling and tests;
// production tokens come from the identity provider.
func SignHS256(secret []byte, id Identity, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", OpError{Op: "identity.SignHS256", Kind: ErrInvalidInput, Msg: "empty secret"}
	}
	if err := ValidateUserID(id.UserID); err != nil {
		return "", err
	}
	if now.IsZero() {
		now = time.Now()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := JWTClaims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
