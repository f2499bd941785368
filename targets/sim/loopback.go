package sim

import "sync"

// Loopback is a peripheral that echoes every transmitted byte back,
// like MOSI wired to MISO. It records the bytes it saw per chip-select
// frame.
type Loopback struct {
	mu     sync.Mutex
	frames [][]byte
	cur    []byte
	active bool
}

// Select implements Peripheral.
func (l *Loopback) Select() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
	l.cur = nil
}

// Exchange implements Peripheral.
func (l *Loopback) Exchange(tx, rx []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy(rx, tx)
	l.cur = append(l.cur, tx...)
}

// Deselect implements Peripheral.
func (l *Loopback) Deselect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.frames = append(l.frames, l.cur)
	}
	l.active = false
	l.cur = nil
}

// Frames returns the bytes received in each completed chip-select frame.
func (l *Loopback) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}
