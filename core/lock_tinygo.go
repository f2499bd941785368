//go:build tinygo

package core

import "runtime/interrupt"

// lock is the engine's exclusion domain. On TinyGo the interrupt handler
// preempts submission, so the critical section masks interrupts instead.
type lock struct {
	state interrupt.State
}

func (l *lock) acquire() {
	l.state = interrupt.Disable()
}

func (l *lock) release() {
	interrupt.Restore(l.state)
}
