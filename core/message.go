package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Message is a run of transfers to one device. Chip select stays asserted
// across every burst of every transfer and is released after the last one
// unless KeepCS is set.
type Message struct {
	Transfers []*Transfer
	KeepCS    bool

	// Timeout bounds the wait for each transfer. Zero derives the bound
	// from the transfer length and bus rate (see TransferTimeout).
	Timeout time.Duration
}

// TransferTimeout is the stall bound for an n-byte transfer at busHz,
// computed the same way as MemOpTimeout.
func TransferTimeout(n int, busHz uint32) time.Duration {
	return busTimeout(uint64(max(n, 0)), busHz)
}

// Run prepares the controller for dev and runs m's transfers in order,
// waiting for each to complete. A transfer whose interrupt does not arrive
// within its bound is aborted with ErrStall; cancelling ctx aborts it with
// ctx.Err(). Run returns the total number of bytes transferred.
//
// When a transfer fails, chip select is released even with KeepCS set.
func (e *Engine) Run(ctx context.Context, dev Device, m *Message) (int, error) {
	if len(m.Transfers) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrInvalidTransfer)
	}
	// a previous KeepCS message left chip select asserted
	paused := e.Session().Phase == PhasePaused
	if err := e.Prepare(dev); err != nil {
		return 0, err
	}

	// a transfer longer than one burst must not drop chip select between
	// its bursts either
	if !paused {
		if err := e.SetChipSelect(true); err != nil {
			return 0, err
		}
	}

	total := 0
	var err error
	for i, t := range m.Transfers {
		var n int
		n, err = e.runTransfer(ctx, dev, t, m.Timeout)
		total += n
		if err != nil {
			err = fmt.Errorf("transfer %d of %d: %w", i+1, len(m.Transfers), err)
			break
		}
	}

	if (err != nil || !m.KeepCS) && !errors.Is(err, ErrDetached) {
		err = multierr.Append(err, e.SetChipSelect(false))
	}
	return total, err
}

func (e *Engine) runTransfer(ctx context.Context, dev Device, t *Transfer, bound time.Duration) (int, error) {
	if bound == 0 {
		hz := busSpeed(dev, t)
		if hz == 0 {
			hz = e.sourceHz
		}
		bound = TransferTimeout(t.length(), hz)
	}

	done, err := e.Submit(t)
	if err != nil {
		return 0, err
	}

	timer := e.clock.Timer(bound)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.Transferred, r.Err
	case <-timer.C:
		return e.abort(done, fmt.Errorf("%w: %d-byte transfer, bound %v", ErrStall, t.length(), bound))
	case <-ctx.Done():
		return e.abort(done, ctx.Err())
	}
}

// abort resets the controller and fails the transfer behind done with err.
// A transfer that completed in the meantime keeps its own result.
func (e *Engine) abort(done <-chan Result, err error) (int, error) {
	e.lock.acquire()
	if e.sess.Busy() && e.sess.done == done {
		e.log.Debug("aborting transfer",
			zap.Stringer("path", e.sess.Path),
			zap.Int("transferred", e.sess.Transferred),
			zap.Error(err))
		Reset(e.regs)
		e.finalize(&e.sess, err)
		e.sess = Session{Phase: PhaseIdle}
	}
	e.lock.release()

	r := <-done
	return r.Transferred, r.Err
}
