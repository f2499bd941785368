package core

// Phase is the state of the interrupt continuation state machine.
type Phase uint8

// Session phases.
const (
	// PhaseIdle means no transfer is in flight and the controller is idle.
	PhaseIdle Phase = iota
	// PhaseBurstActive means a burst is armed and an interrupt is expected.
	PhaseBurstActive
	// PhasePaused means the last transfer finished on a pause: no burst is
	// armed, chip select is still held, and the next burst resumes.
	PhasePaused
	// PhaseFinalizing is held while a completed transfer is torn down.
	PhaseFinalizing
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBurstActive:
		return "burst-active"
	case PhasePaused:
		return "paused"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Path is the data movement mode of the current transfer.
type Path uint8

// Transfer paths.
const (
	PathNone Path = iota
	PathFIFO
	PathDMA
	PathMem // direct memory operation; interrupts only signal the waiter
)

// String returns the path name.
func (p Path) String() string {
	switch p {
	case PathFIFO:
		return "fifo"
	case PathDMA:
		return "dma"
	case PathMem:
		return "mem"
	default:
		return "none"
	}
}

// Cursor is one direction's position in its scatter-gather list.
// Addr and Remaining are meaningful only while Active is set.
type Cursor struct {
	Segment   int
	Addr      Addr
	Remaining uint32
	Active    bool

	segs []Segment
}

func (c Cursor) bind(segs []Segment) Cursor {
	if len(segs) == 0 {
		return Cursor{}
	}
	return Cursor{
		Addr:      segs[0].Addr,
		Remaining: segs[0].Len,
		Active:    true,
		segs:      segs,
	}
}

// next moves to the following segment, deactivating the cursor at the end
// of the list.
func (c Cursor) next() Cursor {
	i := c.Segment + 1
	if i >= len(c.segs) {
		return Cursor{Segment: i, segs: c.segs}
	}
	return Cursor{
		Segment:   i,
		Addr:      c.segs[i].Addr,
		Remaining: c.segs[i].Len,
		Active:    true,
		segs:      c.segs,
	}
}

func (c Cursor) remaining() uint32 {
	if !c.Active {
		return 0
	}
	return c.Remaining
}

type mapping struct {
	addr Addr
	size int
	dir  DataDir
}

// Session is the engine's state between submission and finalization.
// It is replaced as a whole on every transition; Engine.Session returns a
// copy.
type Session struct {
	Phase Phase
	Path  Path

	Len         int // total bytes of the logical transfer
	Transferred int // bytes completed by finished bursts
	Burst       int // bytes in the armed burst

	Tx, Rx Cursor // DMA path only

	// HWPaused mirrors whether the controller last stopped on a pause.
	HWPaused bool

	tx, rx []byte
	xfer   *Transfer
	mapped []mapping
	done   chan Result
}

// Busy reports whether a burst is in flight.
func (s Session) Busy() bool {
	return s.Phase == PhaseBurstActive || s.Phase == PhaseFinalizing
}

// restState is the phase a session settles in once nothing is armed.
func (s Session) restState() Session {
	phase := PhaseIdle
	if s.HWPaused {
		phase = PhasePaused
	}
	return Session{Phase: phase, HWPaused: s.HWPaused}
}
