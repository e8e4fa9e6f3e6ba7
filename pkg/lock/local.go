package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultWait bounds how long Acquire blocks before returning ErrTimeout
const DefaultWait = 5 * time.Second

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process Locker. It serialises callers within one
// process only; use RedisLocker when several processes share a store.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

// NewLocalLocker creates an in-process locker with the given bounded wait
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &LocalLocker{
		slots: make(map[string]*slot),
		wait:  wait,
	}
}

// Acquire blocks until key is free, the wait elapses, or ctx is done
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.release(key, s, false)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *LocalLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
