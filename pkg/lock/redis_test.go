package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedisLocker(client, RedisOptions{
		Prefix:        "test:lock",
		TTL:           time.Second,
		Wait:          wait,
		RetryInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return l, srv
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	l, srv := newTestRedisLocker(t, 30*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, RequestKey("q-1"))
	require.NoError(t, err)
	assert.True(t, srv.Exists("test:lock:request:q-1"))

	_, err = l.Acquire(ctx, RequestKey("q-1"))
	assert.ErrorIs(t, err, ErrTimeout)

	unlock()
	assert.False(t, srv.Exists("test:lock:request:q-1"))

	again, err := l.Acquire(ctx, RequestKey("q-1"))
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseDoesNotDropForeignLock(t *testing.T) {
	l, srv := newTestRedisLocker(t, 30*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder
	srv.FastForward(2 * time.Second)
	require.NoError(t, srv.Set("test:lock:k", "someone-else"))

	unlock()
	got, err := srv.Get("test:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ExpiredLockCanBeTaken(t *testing.T) {
	l, srv := newTestRedisLocker(t, 30*time.Millisecond)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	srv.FastForward(2 * time.Second)

	unlock, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	unlock()
}

func TestNewRedisLocker_RequiresClient(t *testing.T) {
	_, err := NewRedisLocker(nil, RedisOptions{})
	assert.Error(t, err)
}
