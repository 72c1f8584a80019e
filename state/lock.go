package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

const releaseLockLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Lock is a held action lock. Its TTL releases it if the holder never does.
type Lock struct {
	store *Store
	key   string
	token string
}

// TryAcquireLock takes the (guild, user, key) lock for ttl with a single
// SET NX. It reports false when someone else holds it.
func (s *Store) TryAcquireLock(ctx context.Context, guildID, userID, key string, ttl time.Duration) (*Lock, bool, error) {
	l := &Lock{store: s, key: lockKey(guildID, userID, key), token: uuid.NewString()}
	ok, err := s.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l, true, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	n, err := l.store.releaseScript.Run(ctx, l.store.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
