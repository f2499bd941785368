package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MemDir is the data direction of a memory operation.
type MemDir uint8

// Memory operation data directions.
const (
	MemNoData MemDir = iota
	MemDataIn
	MemDataOut
)

// String returns the direction name.
func (d MemDir) String() string {
	switch d {
	case MemDataIn:
		return "in"
	case MemDataOut:
		return "out"
	default:
		return "none"
	}
}

// OpCmd is the opcode phase of a memory operation.
type OpCmd struct {
	Opcode   byte
	BusWidth uint8
}

// OpAddr is the address phase. Val goes out most significant byte first.
type OpAddr struct {
	NBytes   uint8
	Val      uint64
	BusWidth uint8
}

// OpDummy is the dummy phase; dummy bytes are sent as 0xff.
type OpDummy struct {
	NBytes   uint8
	BusWidth uint8
}

// OpData is the data phase. Buf is read from for MemDataOut and written to
// for MemDataIn; it must hold at least NBytes.
type OpData struct {
	Dir      MemDir
	NBytes   int
	BusWidth uint8
	Buf      []byte
}

// MemOp is a flash-style command, address, dummy and data exchange.
type MemOp struct {
	Cmd   OpCmd
	Addr  OpAddr
	Dummy OpDummy
	Data  OpData
}

// MemResult reports how much of a memory operation's data phase was
// carried out. Handled is less than Requested when the data phase was
// truncated to fit one packet; the caller issues a follow-up operation for
// the rest.
type MemResult struct {
	Handled   int
	Requested int
}

// Partial reports whether the data phase was truncated.
func (r MemResult) Partial() bool {
	return r.Handled < r.Requested
}

func (op *MemOp) headerLen() int {
	return 1 + int(op.Addr.NBytes) + int(op.Dummy.NBytes)
}

func (op *MemOp) validate(lanes uint8) error {
	for _, w := range [...]struct {
		phase string
		width uint8
	}{
		{"cmd", op.Cmd.BusWidth},
		{"addr", op.Addr.BusWidth},
		{"dummy", op.Dummy.BusWidth},
		{"data", op.Data.BusWidth},
	} {
		if w.width&(w.width-1) != 0 {
			return fmt.Errorf("%w: %s bus width %d", ErrNotSupported, w.phase, w.width)
		}
		if w.width > lanes {
			return fmt.Errorf("%w: %s bus width %d, controller has %d lanes", ErrNotSupported, w.phase, w.width, lanes)
		}
	}
	if op.Addr.NBytes != 0 && op.Dummy.NBytes != 0 && op.Addr.BusWidth != op.Dummy.BusWidth {
		return fmt.Errorf("%w: addr bus width %d differs from dummy bus width %d",
			ErrNotSupported, op.Addr.BusWidth, op.Dummy.BusWidth)
	}
	if n := int(op.Addr.NBytes) + int(op.Dummy.NBytes); n > memOpMaxAddrDummy {
		return fmt.Errorf("%w: %d address and dummy bytes", ErrNotSupported, n)
	}

	switch op.Data.Dir {
	case MemNoData:
		if op.Data.NBytes != 0 {
			return fmt.Errorf("%w: %d data bytes with no data direction", ErrInvalidTransfer, op.Data.NBytes)
		}
	case MemDataIn, MemDataOut:
		if op.Data.NBytes <= 0 {
			return fmt.Errorf("%w: data phase %s with %d bytes", ErrInvalidTransfer, op.Data.Dir, op.Data.NBytes)
		}
		if len(op.Data.Buf) < op.Data.NBytes {
			return fmt.Errorf("%w: data buffer %d bytes, length %d", ErrInvalidTransfer, len(op.Data.Buf), op.Data.NBytes)
		}
	default:
		return fmt.Errorf("%w: data direction %d", ErrInvalidTransfer, op.Data.Dir)
	}
	return nil
}

// SupportsOp reports whether the controller can execute op as given,
// without truncation.
func (e *Engine) SupportsOp(op MemOp) bool {
	if !e.prof.SupportQuad {
		return false
	}
	if op.validate(e.prof.Lanes()) != nil {
		return false
	}
	if n := op.Data.NBytes; n > IPMPacketSize {
		if n%IPMPacketSize != 0 || n/IPMPacketSize > PacketLoopMax {
			return false
		}
	}
	return true
}

// AdjustOpSize shrinks an over-long data phase so opcode, address, dummy
// and data fit one IPM packet. The shrunk length is 4-byte aligned.
func AdjustOpSize(op MemOp) MemOp {
	if op.Data.Dir == MemNoData || op.Data.NBytes == 0 {
		return op
	}
	header := op.headerLen()
	if header+op.Data.NBytes > IPMPacketSize {
		n := IPMPacketSize - header
		op.Data.NBytes = n - n%4
	}
	return op
}

// MemOpTimeout is the completion bound for op at busHz: eight bus clocks
// per data byte (32 bytes' worth with no data phase), doubled, plus one
// second, capped at math.MaxUint32 milliseconds.
func MemOpTimeout(op MemOp, busHz uint32) time.Duration {
	n := uint64(32)
	if op.Data.Dir != MemNoData {
		n = uint64(op.Data.NBytes)
	}
	return busTimeout(n, busHz)
}

func busTimeout(n uint64, busHz uint32) time.Duration {
	ms := 8 * 1000 * n / uint64(max(busHz, 1))
	ms = 2*ms + 1000
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	return time.Duration(ms) * time.Millisecond
}

// memBuffers holds everything one memory operation allocates or maps.
type memBuffers struct {
	tx     []byte
	txAddr Addr
	txMap  bool

	rx     []byte // DMA target: the caller's buffer or a bounce buffer
	rxAddr Addr
	rxMap  bool
	bounce bool
}

func (e *Engine) setupMemBuffers(op *MemOp) (*memBuffers, error) {
	b := &memBuffers{}

	size := op.headerLen()
	if op.Data.Dir == MemDataOut {
		size += op.Data.NBytes
	}
	size = max(size, memOpMinTxSize)

	tx, err := e.dma.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: scratch tx %d bytes: %v", ErrNoMemory, size, err)
	}
	b.tx = tx

	clear(tx)
	tx[0] = op.Cmd.Opcode
	off := 1
	for i := int(op.Addr.NBytes) - 1; i >= 0; i-- {
		if i < 8 {
			tx[off] = byte(op.Addr.Val >> (8 * i))
		}
		off++
	}
	for range op.Dummy.NBytes {
		tx[off] = 0xff
		off++
	}
	if op.Data.Dir == MemDataOut {
		copy(tx[off:], op.Data.Buf[:op.Data.NBytes])
	}

	if b.txAddr, err = e.dma.Map(tx, ToDevice); err != nil {
		return b, fmt.Errorf("%w: map scratch tx %d bytes: %v", ErrNoMemory, size, err)
	}
	b.txMap = true

	if op.Data.Dir != MemDataIn {
		return b, nil
	}

	n := op.Data.NBytes
	b.rx = op.Data.Buf[:n]
	if !aligned4(b.rx) {
		if b.rx, err = e.dma.Alloc(n); err != nil {
			b.rx = nil
			return b, fmt.Errorf("%w: scratch rx %d bytes: %v", ErrNoMemory, n, err)
		}
		b.bounce = true
	}
	if b.rxAddr, err = e.dma.Map(b.rx, FromDevice); err != nil {
		return b, fmt.Errorf("%w: map rx %d bytes: %v", ErrNoMemory, n, err)
	}
	b.rxMap = true
	return b, nil
}

// release unmaps and frees everything in b. The bounce buffer is copied to
// dst only when ok is set.
func (e *Engine) releaseMemBuffers(b *memBuffers, dst []byte, ok bool) error {
	if b == nil {
		return nil
	}
	var err error
	if b.rxMap {
		err = multierr.Append(err, e.dma.Unmap(b.rxAddr, len(b.rx), FromDevice))
	}
	if b.bounce {
		if ok {
			copy(dst, b.rx)
		}
		e.dma.Free(b.rx)
	}
	if b.txMap {
		err = multierr.Append(err, e.dma.Unmap(b.txAddr, len(b.tx), ToDevice))
	}
	if b.tx != nil {
		e.dma.Free(b.tx)
	}
	return err
}

// programMemOp writes the direct-mode configuration for op and triggers it.
func (e *Engine) programMemOp(dev Device, op *MemOp, b *memBuffers, hz uint32) {
	Reset(e.regs)
	ProgramMode(e.regs, e.prof, dev)
	ProgramTiming(e.regs, e.prof, e.sourceHz, hz)

	cfg3 := Cfg3Reg(e.regs.Read32(RegCfg3IPM)).
		WithCmdByteLen(1).
		WithAddrByteLen(uint32(op.Addr.NBytes) + uint32(op.Dummy.NBytes))

	if op.Data.Dir == MemNoData {
		cfg3 = cfg3.With(Cfg3NoData, true)
		e.regs.Write32(RegCfg1, 0)
	} else {
		cfg3 = cfg3.With(Cfg3NoData, false)
		ProgramPacket(e.regs, e.prof, uint32(op.Data.NBytes))
	}

	if op.Addr.NBytes != 0 || op.Dummy.NBytes != 0 {
		cfg3 = cfg3.With(Cfg3XModeEn, op.Addr.BusWidth == 1 || op.Dummy.BusWidth == 1)
	}

	cfg3 = cfg3.WithPinMode(uint32(memPinWidth(op)) / 2).
		With(Cfg3HalfDuplexEn, true).
		With(Cfg3HalfDuplexDir, op.Data.Dir == MemDataIn)
	e.regs.Write32(RegCfg3IPM, uint32(cfg3))

	setDMAEnables(e.regs, true, op.Data.Dir == MemDataIn)

	e.regs.Write32(RegTxSrc, uint32(b.txAddr))
	if e.prof.DMAExt {
		e.regs.Write32(RegTxSrc64, uint32(b.txAddr>>32))
	}
	if op.Data.Dir == MemDataIn {
		e.regs.Write32(RegRxDst, uint32(b.rxAddr))
		if e.prof.DMAExt {
			e.regs.Write32(RegRxDst64, uint32(b.rxAddr>>32))
		}
	}

	trigger(e.regs, false)
}

// memPinWidth is the widest bus width among the phases present after the
// opcode.
func memPinWidth(op *MemOp) uint8 {
	w := uint8(1)
	if op.Addr.NBytes != 0 {
		w = max(w, op.Addr.BusWidth)
	}
	if op.Dummy.NBytes != 0 {
		w = max(w, op.Dummy.BusWidth)
	}
	if op.Data.Dir != MemNoData {
		w = max(w, op.Data.BusWidth)
	}
	return w
}

// ExecOp runs op synchronously in direct mode and blocks until the
// controller signals completion, the timeout from MemOpTimeout expires or
// ctx is done.
//
// A data phase too long for one packet is truncated (see AdjustOpSize) and
// the result reports Handled < Requested; the caller re-invokes for the
// remainder. Every mapping and scratch buffer is released before ExecOp
// returns.
func (e *Engine) ExecOp(ctx context.Context, dev Device, op MemOp) (MemResult, error) {
	if !e.prof.SupportQuad {
		return MemResult{}, fmt.Errorf("%w: %s controller has no memory operations", ErrNotSupported, e.prof.Name)
	}
	if err := op.validate(e.prof.Lanes()); err != nil {
		return MemResult{}, err
	}

	res := MemResult{Requested: op.Data.NBytes}
	op = AdjustOpSize(op)
	res.Handled = op.Data.NBytes

	hz := dev.MaxSpeedHz
	if hz == 0 {
		hz = e.sourceHz
	}
	bound := MemOpTimeout(op, hz)

	e.lock.acquire()
	if err := e.idleCheck(); err != nil {
		e.lock.release()
		return MemResult{}, err
	}

	b, err := e.setupMemBuffers(&op)
	if err != nil {
		err = multierr.Append(err, e.releaseMemBuffers(b, nil, false))
		e.lock.release()
		return MemResult{}, err
	}

	select {
	case <-e.memDone:
	default:
	}
	e.dev = dev
	e.sess = Session{Phase: PhaseBurstActive, Path: PathMem, Len: op.Data.NBytes}
	e.programMemOp(dev, &op, b, hz)

	start := e.clock.Now()
	timer := e.clock.Timer(bound)
	e.lock.release()
	defer timer.Stop()

	var waitErr error
	select {
	case <-e.memDone:
	case <-timer.C:
		waitErr = fmt.Errorf("%w: op 0x%02x waited %v, bound %v", ErrTimeout, op.Cmd.Opcode, e.clock.Since(start), bound)
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-e.detachCh:
		waitErr = ErrDetached
	}

	e.lock.acquire()
	defer e.lock.release()

	if !e.detached {
		if waitErr == nil {
			setDMAEnables(e.regs, false, false)
		} else {
			Reset(e.regs)
		}
		e.sess = e.sess.restState()
	}

	var dst []byte
	if op.Data.Dir == MemDataIn {
		dst = op.Data.Buf[:op.Data.NBytes]
	}
	err = multierr.Append(waitErr, e.releaseMemBuffers(b, dst, waitErr == nil))
	if waitErr != nil {
		e.log.Debug("mem op failed", zap.Uint8("opcode", op.Cmd.Opcode), zap.Duration("bound", bound), zap.Error(waitErr))
	}
	if err != nil {
		return MemResult{}, err
	}
	return res, nil
}
