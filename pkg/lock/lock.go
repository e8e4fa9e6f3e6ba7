// Package lock provides short-lived exclusive locks with a bounded wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrTimeout is returned when a lock could not be acquired within the configured wait
var ErrTimeout = errors.New("lock wait timed out")

// Unlock releases a held lock. Calling it more than once is harmless.
type Unlock func()

// Locker acquires exclusive locks keyed by string
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// AcquireAll acquires every key in sorted order so that concurrent callers
// requesting overlapping key sets cannot deadlock. On failure every lock
// acquired so far is released.
func AcquireAll(ctx context.Context, l Locker, keys ...string) (Unlock, error) {
	unique := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	held := make([]Unlock, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, k := range sorted {
		unlock, err := l.Acquire(ctx, k)
		if err != nil {
			release()
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		held = append(held, unlock)
	}

	return release, nil
}

// RequestKey is the lock key guarding a request and its assignments
func RequestKey(requestID string) string {
	return "request:" + requestID
}

// RiderDayKey is the lock key guarding a rider's assignments on one date
func RiderDayKey(riderID, date string) string {
	return "rider:" + riderID + ":" + date
}

// TokenKey is the lock key guarding redemption of a confirmation token
func TokenKey(token string) string {
	return "token:" + token
}

// TableKey is the lock key guarding a read-modify-write of a whole table
func TableKey(table string) string {
	return "table:" + table
}
