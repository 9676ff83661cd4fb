// Package lock provides per-device mutual exclusion for the sync worker.
package lock

import (
	"context"
	"sync"
)

// Locker hands out non-blocking, keyed locks.
type Locker interface {
	// TryLock acquires key. ok is false when the key is held elsewhere.
	// The returned unlock must be called exactly once when ok is true.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local { return &Local{held: make(map[string]struct{})} }

// TryLock acquires key if it is free.
func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
