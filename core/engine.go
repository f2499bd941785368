// Package core implements the transfer engine of an MT65xx-family SPI
// controller: register programming, the FIFO and DMA transfer paths, the
// interrupt continuation state machine and direct memory operations.
package core

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Engine drives one controller instance. All methods are safe to call
// concurrently with HandleInterrupt.
type Engine struct {
	regs     Registers
	trace    *Trace
	dma      DMA
	prof     Profile
	sourceHz uint32

	log   *zap.Logger
	clock clock.Clock

	lock     lock
	dev      Device
	sess     Session
	detached bool

	memDone  chan struct{}
	detachCh chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. The engine logs at debug level only.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock sets the clock used for memory operation timeouts.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithTrace records every register access in a ring of size events.
func WithTrace(size int) Option {
	return func(e *Engine) {
		e.trace = NewTrace(e.regs, size)
	}
}

// New returns an engine for the controller behind regs. sourceHz is the
// frequency of the controller's source clock.
func New(regs Registers, dma DMA, prof Profile, sourceHz uint32, opts ...Option) *Engine {
	e := &Engine{
		regs:     regs,
		dma:      dma,
		prof:     prof,
		sourceHz: sourceHz,
		log:      zap.NewNop(),
		clock:    clock.New(),
		memDone:  make(chan struct{}, 1),
		detachCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trace != nil {
		e.regs = e.trace
	}
	return e
}

// Profile returns the controller's capability profile.
func (e *Engine) Profile() Profile {
	return e.prof
}

// SourceHz returns the source clock frequency.
func (e *Engine) SourceHz() uint32 {
	return e.sourceHz
}

// Trace returns the register trace, or nil when tracing is off.
func (e *Engine) Trace() *Trace {
	return e.trace
}

// Session returns a snapshot of the engine's session state.
func (e *Engine) Session() Session {
	e.lock.acquire()
	defer e.lock.release()
	return e.sess
}

// Prepare initializes the controller for dev. It must be called before the
// transfers of each message.
func (e *Engine) Prepare(dev Device) error {
	if e.prof.NeedPadSel && dev.PadSel > MaxPadSel {
		return fmt.Errorf("%w: pad select %d", ErrNotSupported, dev.PadSel)
	}

	e.lock.acquire()
	defer e.lock.release()

	if err := e.idleCheck(); err != nil {
		return err
	}
	e.dev = dev
	ProgramMode(e.regs, e.prof, dev)
	return nil
}

// SetChipSelect asserts or deasserts chip select. While asserted the
// controller pauses between bursts and holds chip select active; the next
// burst resumes from the pause. Deasserting resets the controller.
func (e *Engine) SetChipSelect(asserted bool) error {
	e.lock.acquire()
	defer e.lock.release()

	if err := e.idleCheck(); err != nil {
		return err
	}

	cmd := CmdReg(e.regs.Read32(RegCmd))
	if asserted {
		e.regs.Write32(RegCmd, uint32(cmd.With(CmdPauseEn, true)))
		return nil
	}
	e.regs.Write32(RegCmd, uint32(cmd.With(CmdPauseEn, false)))
	e.sess = Session{Phase: PhaseIdle}
	Reset(e.regs)
	return nil
}

// Submit validates t and arms its first burst. The transfer then proceeds
// from HandleInterrupt; the returned channel receives exactly one Result.
// t must not be modified until the result is delivered.
func (e *Engine) Submit(t *Transfer) (<-chan Result, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	e.lock.acquire()
	defer e.lock.release()

	if err := e.idleCheck(); err != nil {
		return nil, err
	}

	n := t.length()
	s := Session{
		Phase:    PhaseBurstActive,
		Path:     PathFIFO,
		Len:      n,
		HWPaused: e.sess.HWPaused,
		xfer:     t,
		tx:       t.Tx,
		rx:       t.Rx,
		done:     make(chan Result, 1),
	}
	if s.tx == nil && e.prof.MustTx {
		s.tx = make([]byte, n)
	}

	if CanDMA(t) {
		s.Path = PathDMA
		if err := e.prepareDMA(&s); err != nil {
			return nil, err
		}
		e.startDMA(&s)
	} else {
		e.startFIFO(&s)
	}
	e.sess = s

	e.log.Debug("burst armed",
		zap.Stringer("path", s.Path),
		zap.Stringer("dir", t.Direction()),
		zap.Int("len", n),
		zap.Int("burst", s.Burst))
	return s.done, nil
}

// Detach resets the controller and fails any transfer in flight with
// ErrDetached. The engine accepts no work afterwards.
func (e *Engine) Detach() error {
	e.lock.acquire()
	defer e.lock.release()

	if e.detached {
		return nil
	}
	e.detached = true
	close(e.detachCh)

	Reset(e.regs)
	if e.sess.Busy() && e.sess.Path != PathMem {
		e.finalize(&e.sess, ErrDetached)
	}
	e.sess = Session{Phase: PhaseIdle}
	return nil
}

func (e *Engine) idleCheck() error {
	if e.detached {
		return ErrDetached
	}
	if e.sess.Busy() {
		return fmt.Errorf("%w: %s transfer in flight", ErrBusy, e.sess.Path)
	}
	return nil
}

// speed returns the bus rate for t on the prepared device.
func (e *Engine) speed(t *Transfer) uint32 {
	return busSpeed(e.dev, t)
}

// busSpeed is t's own rate capped at the device maximum. Zero runs at the
// source clock rate.
func busSpeed(dev Device, t *Transfer) uint32 {
	hz := dev.MaxSpeedHz
	if t != nil && t.SpeedHz != 0 && (hz == 0 || t.SpeedHz < hz) {
		hz = t.SpeedHz
	}
	return hz
}
