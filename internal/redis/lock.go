package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("order lock not acquired")
	// ErrLockUnavailable means Redis could not be asked; fn was not run.
	ErrLockUnavailable = errors.New("order lock unavailable")
)

// OrderLocker keeps concurrent verifications of one payment order from
// hitting the provider in parallel. Correctness does not depend on it.
type OrderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOrderLocker creates a locker that uses a per order Redis key
func NewOrderLocker(client *redis.Client, ttl time.Duration) *OrderLocker {
	return &OrderLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *OrderLocker) WithOrderLock(ctx context.Context, orderRef string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:order:%s", orderRef)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *OrderLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release order lock: %w", err)
	}
	return nil
}
