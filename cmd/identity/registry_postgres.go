package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry persists known identities in {schema}.known_users.
//
// The pgx pool is owned by the caller; this registry must NOT close it.
type PostgresRegistry struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

// PostgresOption configures the registry.
type PostgresOption func(*PostgresRegistry) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the registry (default "imnext").
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRegistry) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresRegistry constructs a PostgresRegistry.
func NewPostgresRegistry(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRegistry, error) {
	r := &PostgresRegistry{
		pool:   pool,
		schema: "imnext",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return r, nil
}

// EnsureSchema creates the registry table if it does not exist.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	table := pgIdent(r.schema, "known_users")
	_, err := r.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{r.schema}.Sanitize()+`;
		CREATE TABLE IF NOT EXISTS `+table+` (
			user_id    text PRIMARY KEY,
			email      text NOT NULL DEFAULT '',
			first_seen timestamptz NOT NULL,
			last_seen  timestamptz NOT NULL
		)`)
	return err
}

// Remember upserts id and bumps last_seen.
func (r *PostgresRegistry) Remember(ctx context.Context, id Identity) error {
	const op = "identity.PostgresRegistry.Remember"

	if err := ValidateUserID(id.UserID); err != nil {
		return err
	}
	now := r.now()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(r.schema, "known_users")+` (user_id, email, first_seen, last_seen)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE
		    SET email = CASE WHEN EXCLUDED.email = '' THEN known_users.email ELSE EXCLUDED.email END,
		        last_seen = EXCLUDED.last_seen`,
		id.UserID, NormalizeEmail(id.Email), now,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Known reports whether userID has ever been remembered.
func (r *PostgresRegistry) Known(ctx context.Context, userID string) (bool, error) {
	if ValidateUserID(userID) != nil {
		return false, nil
	}
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(r.schema, "known_users")+` WHERE user_id = $1`,
		userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
