package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func TestWithOrderLockExcludesConcurrentHolder(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewOrderLocker(client, 30*time.Second)
	ctx := context.Background()

	err := locker.WithOrderLock(ctx, "order_1", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:order:order_1"))

		inner := locker.WithOrderLock(ctx, "order_1", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		// A different order is independent.
		return locker.WithOrderLock(ctx, "order_2", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:order:order_1"))
}

func TestWithOrderLockReleasesOnError(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewOrderLocker(client, 30*time.Second)
	boom := errors.New("boom")

	err := locker.WithOrderLock(context.Background(), "order_1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:order:order_1"))
}

func TestReleaseKeepsForeignToken(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewOrderLocker(client, time.Second)
	err := locker.WithOrderLock(context.Background(), "order_1", func(context.Context) error {
		// Lock expired and was taken by someone else mid-flight.
		mr.FastForward(2 * time.Second)
		return mr.Set("lock:order:order_1", "someone-else")
	})
	require.NoError(t, err)

	got, err := mr.Get("lock:order:order_1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestWithOrderLockReportsUnavailableRedis(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()
	mr.Close()

	locker := NewOrderLocker(client, time.Second)
	ran := false
	err := locker.WithOrderLock(context.Background(), "order_1", func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, ran)
}
