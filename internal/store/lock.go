package store

import (
	"context"
	"sync"
)

// MemoryLocker is a process-local Locker: one mutex per run, released from
// the map when no goroutine holds or waits for it.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*runLock)}
}

// WithLock runs fn while holding the run's mutex. Waiting respects ctx.
func (l *MemoryLocker) WithLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	rl := l.acquireRef(runID)
	defer l.releaseRef(runID, rl)

	select {
	case rl.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-rl.ch }()

	return fn(ctx)
}

func (l *MemoryLocker) acquireRef(runID string) *runLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{ch: make(chan struct{}, 1)}
		l.locks[runID] = rl
	}
	rl.refs++
	return rl
}

func (l *MemoryLocker) releaseRef(runID string, rl *runLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, runID)
	}
}

// Held returns the number of runs with an active or pending lock.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
