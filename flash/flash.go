// Package flash drives a SPI-NOR flash chip through a core.Engine. On
// controllers with memory operations every command runs as one direct
// memory operation; elsewhere single-lane commands fall back to ordinary
// transfers under one chip-select assertion.
package flash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"gospi/core"
)

// Opcodes
const (
	OpReadID       = 0x9F
	OpReadStatus   = 0x05
	OpWriteEnable  = 0x06
	OpWriteDisable = 0x04
	OpRead         = 0x03
	OpFastRead     = 0x0B
	OpFastReadQuad = 0x6B
	OpPageProgram  = 0x02
	OpSectorErase  = 0x20
)

const (
	addrBytes       = 3
	fastReadDummies = 1
)

// Status register bits
const (
	StatusBusy = 0x01
	StatusWEL  = 0x02
)

// Geometry
const (
	PageSize   = 256
	SectorSize = 4096
)

// Defaults
const (
	DefaultPollInterval = time.Millisecond
	DefaultReadyTimeout = 3 * time.Second
)

var (
	// ErrNotReady is returned when the chip stays busy past the ready
	// timeout.
	ErrNotReady = errors.New("flash: not ready")

	// ErrWriteProtected is returned when WREN does not set the write enable
	// latch.
	ErrWriteProtected = errors.New("flash: write enable latch not set")
)

// JEDECID is the identification returned by OpReadID.
type JEDECID struct {
	Manufacturer byte
	Device       uint16
}

func (id JEDECID) String() string {
	return fmt.Sprintf("%02x:%04x", id.Manufacturer, id.Device)
}

// Flash is one chip on one chip select.
type Flash struct {
	engine *core.Engine
	dev    core.Device
	log    *zap.Logger
	clock  clock.Clock

	pollInterval time.Duration
	readyTimeout time.Duration
}

// Option configures a Flash.
type Option func(*Flash)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(f *Flash) {
		f.log = log
	}
}

// WithClock sets the clock used for status polling.
func WithClock(c clock.Clock) Option {
	return func(f *Flash) {
		f.clock = c
	}
}

// WithPolling sets the status poll interval and the ready timeout.
func WithPolling(interval, timeout time.Duration) Option {
	return func(f *Flash) {
		f.pollInterval, f.readyTimeout = interval, timeout
	}
}

// New returns a Flash for the chip behind dev.
func New(e *core.Engine, dev core.Device, opts ...Option) *Flash {
	f := &Flash{
		engine:       e,
		dev:          dev,
		log:          zap.NewNop(),
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ReadID reads the JEDEC identification.
func (f *Flash) ReadID(ctx context.Context) (JEDECID, error) {
	var b [3]byte
	if err := f.exec(ctx, dataIn(OpReadID, b[:], 1)); err != nil {
		return JEDECID{}, fmt.Errorf("read id: %w", err)
	}
	return JEDECID{Manufacturer: b[0], Device: uint16(b[1])<<8 | uint16(b[2])}, nil
}

// Read reads len(buf) bytes starting at addr with the fast read command.
func (f *Flash) Read(ctx context.Context, addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	op := dataIn(OpFastRead, buf, 1)
	op.Addr = core.OpAddr{NBytes: addrBytes, Val: uint64(addr), BusWidth: 1}
	op.Dummy = core.OpDummy{NBytes: fastReadDummies, BusWidth: 1}
	if err := f.exec(ctx, op); err != nil {
		return fmt.Errorf("read %d bytes at 0x%06x: %w", len(buf), addr, err)
	}
	return nil
}

// ReadQuad is Read with the data phase on four lanes. It needs a
// controller with quad memory operations.
func (f *Flash) ReadQuad(ctx context.Context, addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	op := dataIn(OpFastReadQuad, buf, 4)
	op.Addr = core.OpAddr{NBytes: addrBytes, Val: uint64(addr), BusWidth: 1}
	op.Dummy = core.OpDummy{NBytes: fastReadDummies, BusWidth: 1}
	if err := f.exec(ctx, op); err != nil {
		return fmt.Errorf("quad read %d bytes at 0x%06x: %w", len(buf), addr, err)
	}
	return nil
}

// ReadStatus reads the status register.
func (f *Flash) ReadStatus(ctx context.Context) (byte, error) {
	var st [1]byte
	if err := f.exec(ctx, dataIn(OpReadStatus, st[:], 1)); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return st[0], nil
}

// WriteEnable sets the write enable latch.
func (f *Flash) WriteEnable(ctx context.Context) error {
	if err := f.exec(ctx, command(OpWriteEnable)); err != nil {
		return fmt.Errorf("write enable: %w", err)
	}
	return nil
}

// WaitReady polls the status register until the chip is idle.
func (f *Flash) WaitReady(ctx context.Context) error {
	start := f.clock.Now()
	deadline := f.clock.Timer(f.readyTimeout)
	defer deadline.Stop()

	for polls := 1; ; polls++ {
		st, err := f.ReadStatus(ctx)
		if err != nil {
			return err
		}
		if st&StatusBusy == 0 {
			f.log.Debug("flash ready", zap.Int("polls", polls), zap.Duration("waited", f.clock.Since(start)))
			return nil
		}

		poll := f.clock.Timer(f.pollInterval)
		select {
		case <-poll.C:
		case <-deadline.C:
			poll.Stop()
			return fmt.Errorf("%w after %v", ErrNotReady, f.readyTimeout)
		case <-ctx.Done():
			poll.Stop()
			return ctx.Err()
		}
	}
}

// ProgramPage programs data at addr, splitting it at page boundaries. Each
// page is preceded by a write enable and followed by WaitReady.
func (f *Flash) ProgramPage(ctx context.Context, addr uint32, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), PageSize-int(addr%PageSize))
		if err := f.writeCommand(ctx, OpPageProgram, addr, data[:n]); err != nil {
			return fmt.Errorf("program %d bytes at 0x%06x: %w", n, addr, err)
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// EraseSector erases the sector containing addr.
func (f *Flash) EraseSector(ctx context.Context, addr uint32) error {
	addr &^= SectorSize - 1
	if err := f.writeCommand(ctx, OpSectorErase, addr, nil); err != nil {
		return fmt.Errorf("erase sector 0x%06x: %w", addr, err)
	}
	return nil
}

func (f *Flash) writeCommand(ctx context.Context, opcode byte, addr uint32, data []byte) error {
	if err := f.WriteEnable(ctx); err != nil {
		return err
	}
	st, err := f.ReadStatus(ctx)
	if err != nil {
		return err
	}
	if st&StatusWEL == 0 {
		return ErrWriteProtected
	}

	op := command(opcode)
	op.Addr = core.OpAddr{NBytes: addrBytes, Val: uint64(addr), BusWidth: 1}
	if len(data) > 0 {
		op.Data = core.OpData{Dir: core.MemDataOut, NBytes: len(data), BusWidth: 1, Buf: data}
	}
	if err := f.exec(ctx, op); err != nil {
		return err
	}
	return f.WaitReady(ctx)
}

func command(opcode byte) core.MemOp {
	return core.MemOp{Cmd: core.OpCmd{Opcode: opcode, BusWidth: 1}}
}

func dataIn(opcode byte, buf []byte, width uint8) core.MemOp {
	op := command(opcode)
	op.Data = core.OpData{Dir: core.MemDataIn, NBytes: len(buf), BusWidth: width, Buf: buf}
	return op
}

// exec runs op to completion, re-issuing it from the next address while the
// engine truncates the data phase.
func (f *Flash) exec(ctx context.Context, op core.MemOp) error {
	if !f.engine.Profile().SupportQuad {
		return f.execTransfers(ctx, op)
	}
	for {
		res, err := f.engine.ExecOp(ctx, f.dev, op)
		if err != nil {
			return err
		}
		if !res.Partial() {
			return nil
		}
		if res.Handled == 0 {
			return fmt.Errorf("%w: op 0x%02x made no progress", core.ErrInvalidTransfer, op.Cmd.Opcode)
		}
		f.log.Debug("memory op truncated",
			zap.Uint8("opcode", op.Cmd.Opcode),
			zap.Int("handled", res.Handled),
			zap.Int("requested", res.Requested))
		op.Addr.Val += uint64(res.Handled)
		op.Data.Buf = op.Data.Buf[res.Handled:]
		op.Data.NBytes -= res.Handled
	}
}

// execTransfers runs a single-lane op as a header transfer and a data
// transfer under one chip-select assertion.
func (f *Flash) execTransfers(ctx context.Context, op core.MemOp) error {
	for _, w := range []uint8{op.Cmd.BusWidth, op.Addr.BusWidth, op.Dummy.BusWidth, op.Data.BusWidth} {
		if w > 1 {
			return fmt.Errorf("%w: %d-lane phase on %s controller", core.ErrNotSupported, w, f.engine.Profile().Name)
		}
	}

	hdr := make([]byte, 0, 1+int(op.Addr.NBytes)+int(op.Dummy.NBytes))
	hdr = append(hdr, op.Cmd.Opcode)
	for i := int(op.Addr.NBytes) - 1; i >= 0; i-- {
		hdr = append(hdr, byte(op.Addr.Val>>(8*i)))
	}
	for range op.Dummy.NBytes {
		hdr = append(hdr, 0xff)
	}

	msg := &core.Message{Transfers: []*core.Transfer{{Tx: hdr}}}
	n := op.Data.NBytes
	switch op.Data.Dir {
	case core.MemDataIn:
		msg.Transfers = append(msg.Transfers, &core.Transfer{Rx: op.Data.Buf[:n]})
	case core.MemDataOut:
		msg.Transfers = append(msg.Transfers, &core.Transfer{Tx: op.Data.Buf[:n]})
	}
	_, err := f.engine.Run(ctx, f.dev, msg)
	return err
}
