// Package lock serializes work on a single content digest.
//
// The layer cache takes a lock per digest before it decides whether a blob
// has to be downloaded, so two pulls of the same layer (in one process or in
// two concurrent invocations) fetch it only once.
package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Locker provides per-digest locking for concurrent pulls.
// Blocks until lock is acquired or context is cancelled
type Locker interface {
	AcquireLock(ctx context.Context, digest digest.Digest) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}

// Chain acquires the locks of all lockers in order and releases them in
// reverse order.
type Chain []Locker

func (c Chain) AcquireLock(ctx context.Context, dgst digest.Digest) (Lock, error) {
	held := make(chainLock, 0, len(c))
	for _, l := range c {
		lk, err := l.AcquireLock(ctx, dgst)
		if err != nil {
			_ = held.Release()
			return nil, err
		}
		held = append(held, lk)
	}
	return held, nil
}

type chainLock []Lock

func (c chainLock) Release() error {
	var firstErr error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoOpLocker never blocks. Used when a cache is private to one goroutine.
type NoOpLocker struct{}

func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) AcquireLock(_ context.Context, _ digest.Digest) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Release() error {
	return nil
}
