package redisclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisProviderLocker(client, 5*time.Second), mr, client
}

func TestWithProviderLockRunsFn(t *testing.T) {
	locker, _, _ := newTestLocker(t)

	ran := false
	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestWithProviderLockMutualExclusion(t *testing.T) {
	locker, _, _ := newTestLocker(t)
	providerID := uuid.New()

	err := locker.WithProviderLock(context.Background(), providerID, func(ctx context.Context) error {
		// A second acquisition for the same provider must fail while held.
		inner := locker.WithProviderLock(ctx, providerID, func(ctx context.Context) error {
			t.Fatal("inner critical section must not run")
			return nil
		})
		require.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithProviderLockDistinctProvidersDoNotContend(t *testing.T) {
	locker, _, _ := newTestLocker(t)

	err := locker.WithProviderLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		return locker.WithProviderLock(ctx, uuid.New(), func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
}

func TestWithProviderLockReleasesKey(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	providerID := uuid.New()
	key := fmt.Sprintf("lock:provider:%s", providerID)

	err := locker.WithProviderLock(context.Background(), providerID, func(ctx context.Context) error {
		require.True(t, mr.Exists(key))
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists(key), "lock key must be deleted on release")

	// And the lock is reacquirable afterwards.
	err = locker.WithProviderLock(context.Background(), providerID, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithProviderLockPropagatesFnError(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	providerID := uuid.New()

	sentinel := fmt.Errorf("boom")
	err := locker.WithProviderLock(context.Background(), providerID, func(ctx context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// Failure inside the critical section still releases the lock.
	require.False(t, mr.Exists(fmt.Sprintf("lock:provider:%s", providerID)))
}

func TestWithProviderLockDoesNotReleaseForeignToken(t *testing.T) {
	locker, mr, client := newTestLocker(t)
	providerID := uuid.New()
	key := fmt.Sprintf("lock:provider:%s", providerID)

	err := locker.WithProviderLock(context.Background(), providerID, func(ctx context.Context) error {
		// Simulate TTL expiry plus takeover by another process.
		mr.Del(key)
		require.NoError(t, client.Set(ctx, key, "someone-else", 0).Err())
		return nil
	})
	require.NoError(t, err)

	// The deferred release must leave the other holder's token in place.
	val, err := client.Get(context.Background(), key).Result()
	require.NoError(t, err)
	require.Equal(t, "someone-else", val)
}
