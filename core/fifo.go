package core

import "encoding/binary"

// startFIFO arms the first burst of a FIFO-path transfer.
func (e *Engine) startFIFO(s *Session) {
	s.Burst = min(FIFOSize, s.Len)
	ProgramTiming(e.regs, e.prof, e.sourceHz, e.speed(s.xfer))
	ProgramPacket(e.regs, e.prof, uint32(s.Burst))
	e.fillFIFO(s)
	trigger(e.regs, s.HWPaused)
}

// fillFIFO writes the armed burst's transmit bytes to the TX FIFO as native
// endian words, the trailing partial word zero padded.
func (e *Engine) fillFIFO(s *Session) {
	if s.tx == nil {
		return
	}
	chunk := s.tx[s.Transferred : s.Transferred+s.Burst]
	for len(chunk) >= 4 {
		e.regs.Write32(RegTxData, binary.NativeEndian.Uint32(chunk))
		chunk = chunk[4:]
	}
	if len(chunk) > 0 {
		var word [4]byte
		copy(word[:], chunk)
		e.regs.Write32(RegTxData, binary.NativeEndian.Uint32(word[:]))
	}
}

// drainFIFO reads the completed burst from the RX FIFO into the receive
// buffer at the current offset.
func (e *Engine) drainFIFO(s *Session) {
	if s.rx == nil {
		return
	}
	chunk := s.rx[s.Transferred : s.Transferred+s.Burst]
	for len(chunk) >= 4 {
		binary.NativeEndian.PutUint32(chunk, e.regs.Read32(RegRxData))
		chunk = chunk[4:]
	}
	if len(chunk) > 0 {
		var word [4]byte
		binary.NativeEndian.PutUint32(word[:], e.regs.Read32(RegRxData))
		copy(chunk, word[:])
	}
}

// advanceFIFO handles the interrupt for a completed FIFO burst. It reports
// whether the transfer is fully consumed.
func (e *Engine) advanceFIFO(s *Session) bool {
	e.drainFIFO(s)
	s.Transferred += s.Burst
	if s.Transferred == s.Len {
		return true
	}

	s.Burst = min(FIFOSize, s.Len-s.Transferred)
	ProgramPacket(e.regs, e.prof, uint32(s.Burst))
	e.fillFIFO(s)
	trigger(e.regs, s.HWPaused)
	return false
}
