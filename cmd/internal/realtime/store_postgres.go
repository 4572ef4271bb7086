// Package realtime contains the realtime messaging core (directory, presence, unread ledger,
// router, history) together with its WebSocket gateway and persistence backends.
package realtime

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

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-conversation transactional advisory locks to guarantee:
//   - clientId dedupe without races
//   - Strictly increasing timestamps under concurrency (also across processes)
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	retention int
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "imnext").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithRetention caps messages kept per conversation (default DefaultRetention).
func WithRetention(n int) PostgresOption {
	return func(s *PostgresStore) error {
		if n <= 0 {
			return errors.New("realtime: retention must be positive")
		}
		s.retention = n
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:      pool,
		schema:    "imnext",
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")
	unread := pgIdent(s.schema, "unread")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     conv_key  text   NOT NULL,
		     ts        bigint NOT NULL,
		     id        text   NOT NULL,
		     sender    text   NOT NULL,
		     recipient text   NOT NULL,
		     content   text   NOT NULL,
		     client_id text,
		     PRIMARY KEY (conv_key, ts)
		 )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_id_uq
		     ON ` + messages + ` (conv_key, sender, client_id) WHERE client_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS messages_sender_idx ON ` + messages + ` (sender)`,
		`CREATE INDEX IF NOT EXISTS messages_recipient_idx ON ` + messages + ` (recipient)`,
		`CREATE TABLE IF NOT EXISTS ` + unread + ` (
		     user_id    text        NOT NULL,
		     peer       text        NOT NULL,
		     count      integer     NOT NULL CHECK (count >= 0),
		     updated_at timestamptz NOT NULL DEFAULT now(),
		     PRIMARY KEY (user_id, peer)
		 )`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("realtime: ensure schema: %w", err)
		}
	}
	return nil
}

const pgMessageCols = `id, sender, recipient, content, ts, COALESCE(client_id, '')`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.From, &m.To, &m.Content, &m.Timestamp, &m.ClientID)
	return m, err
}

// Append persists msg with clientId idempotency and strictly increasing timestamps.
func (s *PostgresStore) Append(ctx context.Context, msg Message) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("realtime: nil store")
	}
	if msg.From == "" || msg.To == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.ID == "" {
		msg.ID = NewMessageID(time.UnixMilli(msg.Timestamp))
	}
	key := string(msg.Key())

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if msg.ClientID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+messages+`
			  WHERE conv_key = $1 AND sender = $2 AND client_id = $3`,
			key, msg.From, msg.ClientID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM `+messages+` WHERE conv_key = $1`, key,
	).Scan(&last); err != nil {
		return AppendResult{}, err
	}
	msg.Timestamp = nextTimestamp(msg.Timestamp, last)

	var clientID any
	if msg.ClientID != "" {
		clientID = msg.ClientID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (conv_key, ts, id, sender, recipient, content, client_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key, msg.Timestamp, msg.ID, msg.From, msg.To, msg.Content, clientID,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	// Evict everything older than the retention-th newest message.
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+messages+`
		  WHERE conv_key = $1
		    AND ts < (SELECT ts FROM `+messages+` WHERE conv_key = $1 ORDER BY ts DESC OFFSET $2 LIMIT 1)`,
		key, s.retention-1,
	); err != nil {
		return AppendResult{}, fmt.Errorf("retention: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: msg}, nil
}

// ReadRange returns the newest in.Limit messages older than in.Before, ascending.
func (s *PostgresStore) ReadRange(ctx context.Context, in ReadRangeInput) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if in.Key == "" {
		return nil, errors.New("missing conversation key")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.retention
	}

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+messages+`
			  WHERE conv_key = $1
			  ORDER BY ts DESC
			  LIMIT $2`,
			string(in.Key), limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pgMessageCols+`
			   FROM `+messages+`
			  WHERE conv_key = $1 AND ts < $2
			  ORDER BY ts DESC
			  LIMIT $3`,
			string(in.Key), *in.Before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the index; callers want ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteConversation drops every message of key.
func (s *PostgresStore) DeleteConversation(ctx context.Context, key ConversationKey) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "messages")+` WHERE conv_key = $1`, string(key))
	return err
}

// ListConversations returns userID's conversations, most recent activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (conv_key) conv_key, `+pgMessageCols+`, COUNT(*) OVER (PARTITION BY conv_key)
		   FROM `+messages+`
		  WHERE sender = $1 OR recipient = $1
		  ORDER BY conv_key, ts DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			key string
			m   Message
			n   int64
		)
		if err := rows.Scan(&key, &m.ID, &m.From, &m.To, &m.Content, &m.Timestamp, &m.ClientID, &n); err != nil {
			return nil, err
		}
		out = append(out, ConversationSummary{
			Peer:        ConversationKey(key).Peer(userID),
			LastMessage: m,
			Count:       int(n),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// GetUnread returns userID's counters.
func (s *PostgresStore) GetUnread(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer, count FROM `+pgIdent(s.schema, "unread")+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			peer string
			n    int32
		)
		if err := rows.Scan(&peer, &n); err != nil {
			return nil, err
		}
		out[peer] = int(n)
	}
	return out, rows.Err()
}

// SetUnread upserts the (userID, peer) counter.
func (s *PostgresStore) SetUnread(ctx context.Context, userID, peer string, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "unread")+` (user_id, peer, count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, peer) DO UPDATE
		    SET count = EXCLUDED.count,
		        updated_at = now()`,
		userID, peer, count,
	)
	return err
}

// ClearUnread removes the (userID, peer) counter.
func (s *PostgresStore) ClearUnread(ctx context.Context, userID, peer string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "unread")+` WHERE user_id = $1 AND peer = $2`, userID, peer)
	return err
}

// Ping reports whether the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
