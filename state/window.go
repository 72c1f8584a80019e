package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Prune, append and refresh expiry in one step so concurrent writers never
// see a half-updated window.
const recordEventLua = `
local key = KEYS[1]
local score = ARGV[1]
local cutoff = ARGV[2]
local member = ARGV[3]
local retention = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
redis.call('ZADD', key, score, member)
redis.call('PEXPIRE', key, retention)
return 1
`

// Event is one observation fed into a sliding window.
type Event struct {
	GuildID string
	UserID  string
	Signal  string
	// At defaults to the store clock.
	At time.Time
	// Payload is optional data kept with the event, e.g. a channel id or a
	// mention count.
	Payload string
	// Retention overrides the store retention when longer.
	Retention time.Duration
}

// RecordEvent appends an event to the (guild, user, signal) window, dropping
// entries older than the retention and resetting the key expiry.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	retention := s.retention
	if ev.Retention > retention {
		retention = ev.Retention
	}

	ms := at.UnixMilli()
	member := strconv.FormatInt(ms, 10) + ":" + uuid.NewString() + ":" + ev.Payload
	err := s.recordScript.Run(ctx, s.rdb, []string{windowKey(ev.GuildID, ev.UserID, ev.Signal)},
		strconv.FormatInt(ms, 10),
		strconv.FormatInt(ms-retention.Milliseconds(), 10),
		member,
		retention.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Signal, err)
	}
	return nil
}

// CountEvents counts the events recorded within [now-window, now].
func (s *Store) CountEvents(ctx context.Context, guildID, userID, signal string, window time.Duration) (int, error) {
	min, max := s.bounds(window)
	n, err := s.rdb.ZCount(ctx, windowKey(guildID, userID, signal), min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", signal, err)
	}
	return int(n), nil
}

// CountDistinctPayloads counts the distinct payloads recorded within the window.
func (s *Store) CountDistinctPayloads(ctx context.Context, guildID, userID, signal string, window time.Duration) (int, error) {
	payloads, err := s.payloads(ctx, guildID, userID, signal, window)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(payloads))
	for _, p := range payloads {
		seen[p] = struct{}{}
	}
	return len(seen), nil
}

// SumPayloadCounts sums the integer payloads recorded within the window.
// Payloads that are not integers count as zero.
func (s *Store) SumPayloadCounts(ctx context.Context, guildID, userID, signal string, window time.Duration) (int, error) {
	payloads, err := s.payloads(ctx, guildID, userID, signal, window)
	if err != nil {
		return 0, err
	}
	sum := 0
	for _, p := range payloads {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		sum += n
	}
	return sum, nil
}

func (s *Store) payloads(ctx context.Context, guildID, userID, signal string, window time.Duration) ([]string, error) {
	min, max := s.bounds(window)
	members, err := s.rdb.ZRangeByScore(ctx, windowKey(guildID, userID, signal), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s events: %w", signal, err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, parts[2])
	}
	return out, nil
}

func (s *Store) bounds(window time.Duration) (string, string) {
	now := s.now().UnixMilli()
	return strconv.FormatInt(now-window.Milliseconds(), 10), strconv.FormatInt(now, 10)
}
