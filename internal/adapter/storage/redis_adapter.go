package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-movement/internal/port"
)

const (
	lockKeyPrefix        = "lock:item:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	defaultLockTTL       = 10 * time.Second
)

// releaseLockScript deletes the lock only if it still carries our token, so
// a lock that expired and was taken by another writer is left alone.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var (
	_ port.ItemLocker       = (*RedisAdapter)(nil)
	_ port.IdempotencyGuard = (*RedisAdapter)(nil)
)

type RedisAdapter struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, lockTTL time.Duration) *RedisAdapter {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &RedisAdapter{client: client, lockTTL: lockTTL}
}

// Lock sets the item's lock key with NX and the adapter's TTL. The TTL bounds
// how long a crashed writer can block the item.
func (r *RedisAdapter) Lock(ctx context.Context, itemID string) (func(ctx context.Context) error, error) {
	key := lockKeyPrefix + itemID
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, port.ErrLockHeld
	}

	release := func(ctx context.Context) error {
		released, err := releaseLockScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if released == 0 {
			return fmt.Errorf("release lock %s: lock expired before release", key)
		}
		return nil
	}
	return release, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
