package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"discord-automod/model"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// InvalidateChannel carries the ids of guilds whose config just changed.
const InvalidateChannel = keyPrefix + "config:invalidate"

// ConfigCache caches guild snapshots in Redis with a per-process TinyLFU
// front. Invalidations are broadcast so every process drops its local copy.
type ConfigCache struct {
	rdb   redis.UniversalClient
	cache *cache.Cache
	ttl   time.Duration
}

// NewConfigCache builds a cache whose entries live for ttl.
func NewConfigCache(rdb redis.UniversalClient, ttl time.Duration) *ConfigCache {
	return &ConfigCache{
		rdb: rdb,
		cache: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(1_000, ttl),
		}),
		ttl: ttl,
	}
}

func configKey(guildID string) string {
	return keyPrefix + "config:" + guildID
}

// Get returns the cached snapshot, or false on a miss.
func (c *ConfigCache) Get(ctx context.Context, guildID string) (*model.GuildSnapshot, bool, error) {
	var snap model.GuildSnapshot
	err := c.cache.Get(ctx, configKey(guildID), &snap)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached config for guild %s: %w", guildID, err)
	}
	return &snap, true, nil
}

// Set stores the snapshot of its guild.
func (c *ConfigCache) Set(ctx context.Context, snap *model.GuildSnapshot) error {
	err := c.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   configKey(snap.Config.GuildID),
		Value: snap,
		TTL:   c.ttl,
	})
	if err != nil {
		return fmt.Errorf("cache config for guild %s: %w", snap.Config.GuildID, err)
	}
	return nil
}

// Invalidate deletes the guild's snapshot and tells every process to drop
// its local copy.
func (c *ConfigCache) Invalidate(ctx context.Context, guildID string) error {
	if err := c.cache.Delete(ctx, configKey(guildID)); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return fmt.Errorf("delete cached config for guild %s: %w", guildID, err)
	}
	if err := c.rdb.Publish(ctx, InvalidateChannel, guildID).Err(); err != nil {
		return fmt.Errorf("publish invalidation for guild %s: %w", guildID, err)
	}
	return nil
}

// Subscribe listens for invalidations until ctx ends or the returned close
// function is called. Each message drops the local copy and then calls fn,
// which may be nil. The subscription is confirmed before Subscribe returns.
func (c *ConfigCache) Subscribe(ctx context.Context, fn func(guildID string)) (func() error, error) {
	sub := c.rdb.Subscribe(ctx, InvalidateChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", InvalidateChannel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				guildID := strings.TrimSpace(msg.Payload)
				c.cache.DeleteFromLocalCache(configKey(guildID))
				if fn != nil {
					fn(guildID)
				}
			}
		}
	}()
	return sub.Close, nil
}
