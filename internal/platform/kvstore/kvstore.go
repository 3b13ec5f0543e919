// Package kvstore wraps the Redis-compatible KV/queue backend: atomic
// scripts, sorted sets, and pub/sub, per spec §2/§5 ("all coordination
// points are stored in the shared KV with atomic scripts").
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is a thin wrapper over a redis.Client, mirroring the teacher's
// internal/platform/database.Open shape: one constructor that dials and
// pings before returning.
type Store struct {
	client *redis.Client
}

// Open dials addr and verifies connectivity with a ping.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Client exposes the underlying redis.Client for packages that need
// operations this wrapper doesn't surface directly (sorted-set queue
// operations in internal/jobbus, pub/sub in internal/heartbeat).
func (s *Store) Client() *redis.Client { return s.client }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity. cmd/controlplane's /readyz hook does not
// call it.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RunScript evaluates a Lua script by its SHA if cached, loading and
// retrying once on NOSCRIPT. Callers pass a *redis.Script built with
// redis.NewScript so the SHA cache is shared across calls.
func RunScript(ctx context.Context, client *redis.Client, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, client, keys, args...).Result()
}
