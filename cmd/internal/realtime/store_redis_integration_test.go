package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enabled when IMNEXT_TEST_REDIS_ADDR is set (host:port).

func TestRedisStore_Contract(t *testing.T) {
	rdb := mustOpenTestRedis(t)

	runStoreContract(t, func(t *testing.T, retention int) Store {
		prefix := "imnext_it:" + NewSessionID(time.Now())
		opts := []RedisOption{WithKeyPrefix(prefix)}
		if retention > 0 {
			opts = append(opts, WithRedisRetention(retention))
		}
		st, err := NewRedisStore(rdb, opts...)
		if err != nil {
			t.Fatalf("new redis store: %v", err)
		}
		t.Cleanup(func() { cleanupRedisPrefix(t, rdb, prefix) })
		return st
	})
}

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("IMNEXT_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: IMNEXT_TEST_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func cleanupRedisPrefix(t *testing.T, rdb *redis.Client, prefix string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := rdb.Scan(ctx, 0, prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		_ = rdb.Del(ctx, iter.Val()).Err()
	}
}
