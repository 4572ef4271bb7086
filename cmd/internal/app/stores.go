package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luckysmithlee/im-next/cmd/identity"
	"github.com/luckysmithlee/im-next/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// stores owns every persistence resource the app opened.
// The app owns pool and client lifecycles; store Close methods only flush their own state.
type stores struct {
	kind     string
	messages realtime.MessageStore
	unread   realtime.UnreadStore
	registry identity.Registry

	pool *pgxpool.Pool
	rdb  *redis.Client
}

func openStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	retention := cfg.Store.Retention

	switch cfg.Store.Kind {
	case StoreMemory:
		s := realtime.NewInMemoryStore(retention)
		log.Info("store.memory", "retention", retention)
		return &stores{kind: StoreMemory, messages: s, unread: s, registry: identity.NewMemoryRegistry()}, nil

	case StoreFile:
		s, err := realtime.OpenFileStore(cfg.Store.File, retention)
		if err != nil {
			return nil, err
		}
		log.Info("store.file", "path", cfg.Store.File, "retention", retention)
		return &stores{kind: StoreFile, messages: s, unread: s, registry: identity.NewMemoryRegistry()}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s, err := realtime.NewPostgresStore(pool,
			realtime.WithSchema(cfg.Postgres.Schema),
			realtime.WithRetention(retention),
		)
		if err != nil {
			pool.Close()
			return nil, err
		}
		reg, err := identity.NewPostgresRegistry(pool, identity.WithSchema(cfg.Postgres.Schema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.EnsureSchema(schemaCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		if err := reg.EnsureSchema(schemaCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres registry schema: %w", err)
		}
		log.Info("store.postgres", "schema", cfg.Postgres.Schema, "retention", retention)
		return &stores{kind: StorePostgres, messages: s, unread: s, registry: reg, pool: pool}, nil

	case StoreRedis:
		rdb, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s, err := realtime.NewRedisStore(rdb,
			realtime.WithKeyPrefix(cfg.Redis.Prefix),
			realtime.WithRedisRetention(retention),
		)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		log.Info("store.redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix, "retention", retention)
		return &stores{kind: StoreRedis, messages: s, unread: s, registry: identity.NewMemoryRegistry(), rdb: rdb}, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
}

// Ping reports whether the backing services answer.
func (s *stores) Ping(ctx context.Context) error {
	if s.pool != nil {
		if err := PingDB(ctx, s.pool, 2*time.Second); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.rdb != nil {
		if err := PingRedis(ctx, s.rdb, 2*time.Second); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *stores) Close() error {
	var errs []error
	if s.messages != nil {
		errs = append(errs, s.messages.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	return errors.Join(errs...)
}
