package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"discord-automod/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTest(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Store, *fakeClock) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return mr, rdb, New(rdb, Options{Retention: time.Minute, Now: clock.Now}), clock
}

func TestCountEventsWithinWindow(t *testing.T) {
	_, _, s, clock := setupTest(t)
	ctx := context.Background()
	now := clock.Now()

	// recorded out of order on purpose
	offsets := []time.Duration{-1 * time.Second, -10 * time.Second, 0, -4 * time.Second, -5 * time.Second, -6 * time.Second}
	for _, off := range offsets {
		require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "spam", At: now.Add(off)}))
	}

	n, err := s.CountEvents(ctx, "g", "u", "spam", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "-5s is on the window edge and counts")

	n, err = s.CountEvents(ctx, "g", "u", "spam", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = s.CountEvents(ctx, "g", "u", "other", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.CountEvents(ctx, "g", "someone-else", "spam", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordEventPrunesAndExpires(t *testing.T) {
	mr, _, s, clock := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "spam"}))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "spam"}))

	key := windowKey("g", "u", "spam")
	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 1, "entries older than the retention are pruned")
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRecordEventLongerRetention(t *testing.T) {
	mr, _, s, _ := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "spam", Retention: 10 * time.Minute}))
	assert.Equal(t, 10*time.Minute, mr.TTL(windowKey("g", "u", "spam")))
}

func TestDistinctAndSumPayloads(t *testing.T) {
	_, _, s, clock := setupTest(t)
	ctx := context.Background()
	now := clock.Now()

	for i, ch := range []string{"c1", "c2", "c1", "c3:with:colons"} {
		require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "channels", At: now.Add(-time.Duration(i) * time.Second), Payload: ch}))
	}
	require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "channels", At: now.Add(-30 * time.Second), Payload: "c9"}))

	n, err := s.CountDistinctPayloads(ctx, "g", "u", "channels", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, m := range []string{"2", "3", "junk", "4"} {
		require.NoError(t, s.RecordEvent(ctx, Event{GuildID: "g", UserID: "u", Signal: "mentions", Payload: m}))
	}
	sum, err := s.SumPayloadCounts(ctx, "g", "u", "mentions", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9, sum)
}

func TestTryAcquireLockIsExclusive(t *testing.T) {
	mr, _, s, _ := setupTest(t)
	ctx := context.Background()

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.TryAcquireLock(ctx, "g", "u", "7:spam", 10*time.Second)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	_, ok, err := s.TryAcquireLock(ctx, "g", "u", "7:spam", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held until the ttl runs out")

	mr.FastForward(11 * time.Second)
	_, ok, err = s.TryAcquireLock(ctx, "g", "u", "7:spam", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockReleaseOnlyByHolder(t *testing.T) {
	mr, _, s, _ := setupTest(t)
	ctx := context.Background()

	first, ok, err := s.TryAcquireLock(ctx, "g", "u", "action:ban", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(16 * time.Second)
	second, ok, err := s.TryAcquireLock(ctx, "g", "u", "action:ban", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, first.Release(ctx), ErrLockNotHeld, "an expired holder cannot drop the new lock")
	assert.True(t, mr.Exists(lockKey("g", "u", "action:ban")))

	require.NoError(t, second.Release(ctx))
	assert.False(t, mr.Exists(lockKey("g", "u", "action:ban")))

	var nilLock *Lock
	assert.NoError(t, nilLock.Release(ctx))
}

func TestConfigCacheInvalidationReachesEveryProcess(t *testing.T) {
	_, rdb, _, _ := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewConfigCache(rdb, time.Minute)
	reader := NewConfigCache(rdb, time.Minute)

	snap := &model.GuildSnapshot{
		Config: model.DefaultGuildConfig("g1"),
		Rules: []model.Rule{{
			ID: 3, GuildID: "g1", Type: model.RuleCaps, Threshold: 70,
			Actions: model.ActionList{model.ActionDelete, model.ActionWarn}, Enabled: true,
		}},
	}
	require.NoError(t, writer.Set(ctx, snap))

	got, ok, err := reader.Get(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Rules[0].Actions, got.Rules[0].Actions)
	assert.Equal(t, snap.Config, got.Config)

	invalidated := make(chan string, 1)
	closeSub, err := reader.Subscribe(ctx, func(guildID string) { invalidated <- guildID })
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, writer.Invalidate(ctx, "g1"))
	select {
	case id := <-invalidated:
		assert.Equal(t, "g1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not received")
	}

	_, ok, err = reader.Get(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok, "local copy dropped after invalidation")
}

func TestConfigCacheSubscriptionSurvivesReconnect(t *testing.T) {
	mr, rdb, _, _ := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := NewConfigCache(rdb, time.Minute)
	reader := NewConfigCache(rdb, time.Minute)

	var received atomic.Int32
	closeSub, err := reader.Subscribe(ctx, func(string) { received.Add(1) })
	require.NoError(t, err)
	defer closeSub()

	mr.Close()
	require.NoError(t, mr.Restart())

	assert.Eventually(t, func() bool {
		_ = writer.Invalidate(ctx, "g1")
		return received.Load() > 0
	}, 10*time.Second, 100*time.Millisecond)
}
