//go:build !tinygo

package core

import "sync"

// lock is the engine's exclusion domain. On regular Go the interrupt
// handler runs on an ordinary goroutine, so a mutex serializes it with
// submission.
type lock struct {
	mu sync.Mutex
}

func (l *lock) acquire() {
	l.mu.Lock()
}

func (l *lock) release() {
	l.mu.Unlock()
}
