package core

import (
	"fmt"

	"go.uber.org/multierr"
)

// DataDir is the direction of a DMA mapping.
type DataDir uint8

// Mapping directions.
const (
	ToDevice DataDir = iota
	FromDevice
)

// String returns the mapping direction name.
func (d DataDir) String() string {
	if d == FromDevice {
		return "from-device"
	}
	return "to-device"
}

// DMA is the memory interface the engine uses for scratch buffers and bus
// address mappings.
type DMA interface {
	// Alloc returns a zeroed DMA-capable buffer of size bytes.
	Alloc(size int) ([]byte, error)
	// Free releases a buffer returned by Alloc.
	Free(buf []byte)
	// Map makes buf visible to the controller and returns its bus address.
	Map(buf []byte, dir DataDir) (Addr, error)
	// Unmap releases a mapping created by Map.
	Unmap(addr Addr, size int, dir DataDir) error
}

// mapSingle maps buf as a one-entry scatter-gather list and records the
// mapping in the session for release at finalization.
func (e *Engine) mapSingle(s *Session, buf []byte, dir DataDir) ([]Segment, error) {
	addr, err := e.dma.Map(buf, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: map %d bytes %s: %v", ErrNoMemory, len(buf), dir, err)
	}
	s.mapped = append(s.mapped, mapping{addr: addr, size: len(buf), dir: dir})
	return []Segment{{Addr: addr, Len: uint32(len(buf))}}, nil
}

// unmapAll releases every mapping the engine made for s.
func (e *Engine) unmapAll(s *Session) error {
	var err error
	for _, m := range s.mapped {
		err = multierr.Append(err, e.dma.Unmap(m.addr, m.size, m.dir))
	}
	s.mapped = s.mapped[:0]
	return err
}

// prepareDMA binds the scatter-gather lists of a DMA-path transfer, mapping
// buffers the caller did not map. On error every mapping made is released.
func (e *Engine) prepareDMA(s *Session) error {
	t, n := s.xfer, s.Len
	s.mapped = make([]mapping, 0, 2)

	txSG, rxSG := t.TxSG, t.RxSG
	var err error
	if s.tx != nil && txSG == nil {
		if txSG, err = e.mapSingle(s, s.tx[:n], ToDevice); err != nil {
			return err
		}
	}
	if s.rx != nil && rxSG == nil {
		if rxSG, err = e.mapSingle(s, s.rx[:n], FromDevice); err != nil {
			return multierr.Append(err, e.unmapAll(s))
		}
	}

	s.Tx = Cursor{}
	s.Rx = Cursor{}
	if s.tx != nil {
		s.Tx = s.Tx.bind(txSG)
	}
	if s.rx != nil {
		s.Rx = s.Rx.bind(rxSG)
	}
	return nil
}

// startDMA arms the first burst of a DMA-path transfer.
func (e *Engine) startDMA(s *Session) {
	ProgramTiming(e.regs, e.prof, e.sourceHz, e.speed(s.xfer))
	setDMAEnables(e.regs, s.Tx.Active, s.Rx.Active)
	e.armDMA(s)
}

// armDMA reconciles the next quantum and programs packet, addresses and
// trigger, in that order.
func (e *Engine) armDMA(s *Session) {
	q := NextQuantumLimited(s.Tx.remaining(), s.Rx.remaining(), e.prof.MaxPacket(), e.prof.MaxLoop())
	if s.Tx.Active {
		s.Tx.Remaining = q.TxLeft
	}
	if s.Rx.Active {
		s.Rx.Remaining = q.RxLeft
	}
	s.Burst = int(q.Size)

	ProgramPacket(e.regs, e.prof, q.Size)
	e.writeDMAAddrs(s)
	trigger(e.regs, s.HWPaused)
}

func (e *Engine) writeDMAAddrs(s *Session) {
	if s.Tx.Active {
		e.regs.Write32(RegTxSrc, uint32(s.Tx.Addr))
		if e.prof.DMAExt {
			e.regs.Write32(RegTxSrc64, uint32(s.Tx.Addr>>32))
		}
	}
	if s.Rx.Active {
		e.regs.Write32(RegRxDst, uint32(s.Rx.Addr))
		if e.prof.DMAExt {
			e.regs.Write32(RegRxDst64, uint32(s.Rx.Addr>>32))
		}
	}
}

// advanceDMA handles the interrupt for a completed DMA burst. It reports
// whether the transfer is fully consumed.
func (e *Engine) advanceDMA(s *Session) bool {
	q := Addr(s.Burst)
	s.Transferred += s.Burst

	if s.Tx.Active {
		s.Tx.Addr += q
		if s.Tx.Remaining == 0 {
			s.Tx = s.Tx.next()
		}
	}
	if s.Rx.Active {
		s.Rx.Addr += q
		if s.Rx.Remaining == 0 {
			s.Rx = s.Rx.next()
		}
	}

	if !s.Tx.Active && !s.Rx.Active {
		setDMAEnables(e.regs, false, false)
		return true
	}

	e.armDMA(s)
	return false
}
