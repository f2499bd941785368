package core

// Quantum is the common byte count consumed from both directions by one
// burst, with what each direction has left in its current segment.
type Quantum struct {
	Size   uint32
	TxLeft uint32
	RxLeft uint32
}

// NextQuantum picks the next burst size for independently chunked transmit
// and receive segments. The shorter side is consumed down to a whole number
// of packets; whatever does not fit a whole packet stays with that side for
// the following burst, and the longer side shrinks by the same amount.
// A direction with nothing remaining (or no buffer at all) passes zero.
func NextQuantum(txRemaining, rxRemaining, maxPacket uint32) Quantum {
	return NextQuantumLimited(txRemaining, rxRemaining, maxPacket, 0)
}

// NextQuantumLimited is NextQuantum with the quantum additionally capped at
// maxPacket*maxLoop so the packet loop field cannot overflow. A zero maxLoop
// disables the cap.
func NextQuantumLimited(txRemaining, rxRemaining, maxPacket, maxLoop uint32) Quantum {
	var short uint32
	switch {
	case txRemaining != 0 && rxRemaining != 0:
		short = min(txRemaining, rxRemaining)
	case txRemaining != 0:
		short = txRemaining
	case rxRemaining != 0:
		short = rxRemaining
	default:
		return Quantum{}
	}

	size := short - packetExcess(short, maxPacket)
	if maxLoop != 0 {
		if limit := uint64(maxPacket) * uint64(maxLoop); uint64(size) > limit {
			size = uint32(limit)
		}
	}

	q := Quantum{Size: size}
	if txRemaining != 0 {
		q.TxLeft = txRemaining - size
	}
	if rxRemaining != 0 {
		q.RxLeft = rxRemaining - size
	}
	return q
}

// packetExcess is the part of n that does not fill a whole packet. Lengths
// up to one packet go out as a single short packet and have no excess.
func packetExcess(n, maxPacket uint32) uint32 {
	if n > maxPacket {
		return n % maxPacket
	}
	return 0
}
