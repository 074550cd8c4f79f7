package lock

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
)

// KeyedLocker serializes goroutines of one process on the same digest.
// Entries are dropped once nobody holds or waits for them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[digest.Digest]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[digest.Digest]*keyedEntry)}
}

func (l *KeyedLocker) AcquireLock(ctx context.Context, dgst digest.Digest) (Lock, error) {
	l.mu.Lock()
	e, ok := l.locks[dgst]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[dgst] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return &keyedLock{locker: l, digest: dgst, entry: e}, nil
	case <-ctx.Done():
		l.unref(dgst, e)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) unref(dgst digest.Digest, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, dgst)
	}
}

type keyedLock struct {
	locker *KeyedLocker
	digest digest.Digest
	entry  *keyedEntry
	once   sync.Once
}

func (k *keyedLock) Release() error {
	k.once.Do(func() {
		<-k.entry.ch
		k.locker.unref(k.digest, k.entry)
	})
	return nil
}
