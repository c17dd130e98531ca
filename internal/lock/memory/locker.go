// Package memory provides a process-local cycle lock.
package memory

import (
	"context"
	"sync"
)

// Locker grants each name to one holder at a time within the process.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{held: make(map[string]bool)}
}

// TryLock acquires name without blocking.
func (l *Locker) TryLock(_ context.Context, name string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}
