package core

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HandleInterrupt services the controller interrupt. It reads the status
// register before touching anything else, then continues or finalizes the
// transfer in flight. It never blocks and does not allocate on the success
// path.
//
// An interrupt with no burst armed returns ErrSpuriousInterrupt and leaves
// the controller untouched.
func (e *Engine) HandleInterrupt() error {
	e.lock.acquire()
	defer e.lock.release()

	status := StatusReg(e.regs.Read32(RegStatus0))

	s := &e.sess
	if s.Phase != PhaseBurstActive {
		return ErrSpuriousInterrupt
	}
	s.HWPaused = status.Paused()

	var done bool
	switch s.Path {
	case PathMem:
		select {
		case e.memDone <- struct{}{}:
		default:
		}
		return nil
	case PathFIFO:
		done = e.advanceFIFO(s)
	case PathDMA:
		done = e.advanceDMA(s)
	}

	if done {
		e.finalize(s, nil)
	}
	return nil
}

// finalize tears down the transfer in s, delivers its result and leaves the
// session idle, or paused when the controller stopped on a pause.
func (e *Engine) finalize(s *Session, err error) {
	s.Phase = PhaseFinalizing
	err = multierr.Append(err, e.unmapAll(s))

	res := Result{Transferred: s.Transferred, Err: err}
	done := s.done
	if ce := e.log.Check(zap.DebugLevel, "transfer finalized"); ce != nil {
		ce.Write(zap.Int("transferred", res.Transferred), zap.Bool("paused", s.HWPaused), zap.Error(err))
	}

	*s = s.restState()
	select {
	case done <- res:
	default:
	}
}
