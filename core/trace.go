package core

import (
	"fmt"

	"go.uber.org/zap"
)

// RegOp is the kind of a traced register access.
type RegOp uint8

// Register access kinds
const (
	RegRead  RegOp = 1
	RegWrite RegOp = 2
)

// RegEvent is one traced register access.
type RegEvent struct {
	Seq    uint32 // Sequence number, starting at 1
	Op     RegOp
	Offset uint32
	Value  uint32
}

// String formats the event for dumps.
func (ev RegEvent) String() string {
	op := "R"
	if ev.Op == RegWrite {
		op = "W"
	}
	return fmt.Sprintf("#%d %s %-9s 0x%08x", ev.Seq, op, RegName(ev.Offset), ev.Value)
}

// DefaultTraceSize is the ring size used by spictl and tests.
const DefaultTraceSize = 256

// Trace records register accesses in a fixed ring for post-mortem dumps.
// Recording never allocates. Trace is not safe for concurrent use on its
// own; the engine calls it under its lock.
type Trace struct {
	regs Registers
	ring []RegEvent
	head int
	seq  uint32
}

// NewTrace wraps regs, keeping the last size accesses.
func NewTrace(regs Registers, size int) *Trace {
	if size <= 0 {
		size = DefaultTraceSize
	}
	return &Trace{regs: regs, ring: make([]RegEvent, size)}
}

// Read32 reads through to the wrapped registers and records the access.
func (t *Trace) Read32(offset uint32) uint32 {
	v := t.regs.Read32(offset)
	t.record(RegRead, offset, v)
	return v
}

// Write32 writes through to the wrapped registers and records the access.
func (t *Trace) Write32(offset uint32, val uint32) {
	t.regs.Write32(offset, val)
	t.record(RegWrite, offset, val)
}

func (t *Trace) record(op RegOp, offset, val uint32) {
	t.seq++
	t.ring[t.head] = RegEvent{Seq: t.seq, Op: op, Offset: offset, Value: val}
	t.head = (t.head + 1) % len(t.ring)
}

// Events returns the recorded accesses, oldest first.
func (t *Trace) Events() []RegEvent {
	out := make([]RegEvent, 0, len(t.ring))
	for i := range t.ring {
		ev := t.ring[(t.head+i)%len(t.ring)]
		if ev.Seq == 0 {
			continue // empty slot
		}
		out = append(out, ev)
	}
	return out
}

// Writes returns the recorded writes, oldest first.
func (t *Trace) Writes() []RegEvent {
	var out []RegEvent
	for _, ev := range t.Events() {
		if ev.Op == RegWrite {
			out = append(out, ev)
		}
	}
	return out
}

// Clear drops all recorded events.
func (t *Trace) Clear() {
	clear(t.ring)
	t.head = 0
}

// Dump logs the ring at debug level.
func (t *Trace) Dump(log *zap.Logger) {
	log.Debug("register trace dump", zap.Uint32("seq", t.seq))
	for _, ev := range t.Events() {
		log.Debug(ev.String())
	}
}

// RegName returns the register name for offset.
func RegName(offset uint32) string {
	switch offset {
	case RegCfg0:
		return "CFG0"
	case RegCfg1:
		return "CFG1"
	case RegTxSrc:
		return "TX_SRC"
	case RegRxDst:
		return "RX_DST"
	case RegTxData:
		return "TX_DATA"
	case RegRxData:
		return "RX_DATA"
	case RegCmd:
		return "CMD"
	case RegStatus0:
		return "STATUS0"
	case RegPadSel:
		return "PAD_SEL"
	case RegCfg2:
		return "CFG2"
	case RegTxSrc64:
		return "TX_SRC_64"
	case RegRxDst64:
		return "RX_DST_64"
	case RegCfg3IPM:
		return "CFG3_IPM"
	default:
		return fmt.Sprintf("0x%04x", offset)
	}
}
