// Package state holds the short-lived automod state every bot process shares:
// sliding-window event counters, action locks and the guild config cache.
// All of it lives in Redis so shards agree on what a user has been doing.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "automod:"

	// DefaultRetention is how long window events are kept when neither the
	// store nor the event sets a retention.
	DefaultRetention = 300 * time.Second
)

// Options configures a Store.
type Options struct {
	// Retention bounds how long recorded events are kept.
	Retention time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the Redis-backed shared state.
type Store struct {
	rdb       redis.UniversalClient
	retention time.Duration
	now       func() time.Time

	recordScript  *redis.Script
	releaseScript *redis.Script
}

// New wraps a Redis client.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		rdb:           rdb,
		retention:     opts.Retention,
		now:           opts.Now,
		recordScript:  redis.NewScript(recordEventLua),
		releaseScript: redis.NewScript(releaseLockLua),
	}
}

// Connect parses a redis:// URL and checks the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Client exposes the underlying client for components that share it.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Retention is the store-wide event retention.
func (s *Store) Retention() time.Duration {
	return s.retention
}

func windowKey(guildID, userID, signal string) string {
	return keyPrefix + "win:" + guildID + ":" + userID + ":" + signal
}

func lockKey(guildID, userID, key string) string {
	return keyPrefix + "lock:" + guildID + ":" + userID + ":" + key
}
