package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_AcquireRelease(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, RequestKey("q-1"))
	require.NoError(t, err)

	// A different key is independent
	other, err := l.Acquire(ctx, RequestKey("q-2"))
	require.NoError(t, err)
	other()

	unlock()
	unlock() // idempotent

	again, err := l.Acquire(ctx, RequestKey("q-1"))
	require.NoError(t, err)
	again()

	assert.Empty(t, l.slots)
}

func TestLocalLocker_TimesOutWhenHeld(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker(time.Second)
	unlock, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalLocker_SerialisesCriticalSection(t *testing.T) {
	l := NewLocalLocker(time.Second)
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Acquire(context.Background(), "shared")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestAcquireAll_ReleasesOnFailure(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	blocker, err := l.Acquire(ctx, "b")
	require.NoError(t, err)

	_, err = AcquireAll(ctx, l, "c", "a", "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	// "a" was acquired before "b" failed and must have been released
	unlockA, err := l.Acquire(ctx, "a")
	require.NoError(t, err)
	unlockA()
	blocker()
}

func TestAcquireAll_DeduplicatesKeys(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)

	unlock, err := AcquireAll(context.Background(), l, "x", "x", "y")
	require.NoError(t, err)
	unlock()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "request:q-1", RequestKey("q-1"))
	assert.Equal(t, "rider:r-1:2025-06-01", RiderDayKey("r-1", "2025-06-01"))
	assert.Equal(t, "token:abc", TokenKey("abc"))
	assert.Equal(t, "table:assignment", TableKey("assignment"))
}
