package sim

import "sync"

// SPI-NOR opcodes understood by Flash.
const (
	flashReadID      = 0x9F
	flashReadStatus  = 0x05
	flashWriteEnable = 0x06
	flashWriteDis    = 0x04
	flashRead        = 0x03
	flashFastRead    = 0x0B
	flashQuadRead    = 0x6B
	flashPageProgram = 0x02
	flashSectorErase = 0x20

	flashStatusBusy = 0x01
	flashStatusWEL  = 0x02

	flashPageSize   = 256
	flashSectorSize = 4096
)

// Flash is a SPI-NOR flash chip with 24-bit addressing. Programs and
// erases take effect when chip select goes inactive, then keep the chip
// busy for BusyPolls status reads.
type Flash struct {
	mu sync.Mutex

	id   [3]byte
	data []byte

	// BusyPolls is the number of status reads a program or erase stays
	// busy for.
	BusyPolls int

	wel  bool
	busy int

	op   byte
	pos  int
	addr uint32
	prog []byte

	opcodes []byte
}

// NewFlash returns an erased flash of size bytes reporting JEDEC id.
func NewFlash(size int, id [3]byte) *Flash {
	f := &Flash{id: id, data: make([]byte, size), BusyPolls: 2}
	for i := range f.data {
		f.data[i] = 0xff
	}
	return f
}

// Load writes data into the array at off, bypassing program semantics.
func (f *Flash) Load(off int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[off:], data)
}

// Contents returns a copy of n bytes of the array at off.
func (f *Flash) Contents(off, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data[off:off+n]...)
}

// Opcodes returns the opcodes received so far, one per frame.
func (f *Flash) Opcodes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.opcodes...)
}

// Select implements Peripheral.
func (f *Flash) Select() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos, f.addr, f.prog = 0, 0, nil
}

// Exchange implements Peripheral.
func (f *Flash) Exchange(tx, rx []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range tx {
		rx[i] = f.clock(v)
	}
}

func (f *Flash) clock(v byte) byte {
	pos := f.pos
	f.pos++

	if pos == 0 {
		f.op = v
		f.opcodes = append(f.opcodes, v)
		if f.busy > 0 && v != flashReadStatus {
			f.op = 0 // ignored while busy
			return 0
		}
		switch v {
		case flashWriteEnable:
			f.wel = true
		case flashWriteDis:
			f.wel = false
		}
		return 0
	}

	switch f.op {
	case flashReadID:
		if pos-1 < len(f.id) {
			return f.id[pos-1]
		}
		return 0
	case flashReadStatus:
		var st byte
		if f.busy > 0 {
			st |= flashStatusBusy
			f.busy--
		}
		if f.wel {
			st |= flashStatusWEL
		}
		return st
	case flashRead:
		if pos <= 3 {
			f.addr = f.addr<<8 | uint32(v)
			return 0
		}
		return f.readByte()
	case flashFastRead, flashQuadRead:
		if pos <= 3 {
			f.addr = f.addr<<8 | uint32(v)
			return 0
		}
		if pos == 4 {
			return 0 // dummy
		}
		return f.readByte()
	case flashPageProgram:
		if pos <= 3 {
			f.addr = f.addr<<8 | uint32(v)
		} else {
			f.prog = append(f.prog, v)
		}
	case flashSectorErase:
		if pos <= 3 {
			f.addr = f.addr<<8 | uint32(v)
		}
	}
	return 0
}

func (f *Flash) readByte() byte {
	b := f.data[int(f.addr)%len(f.data)]
	f.addr++
	return b
}

// Deselect implements Peripheral.
func (f *Flash) Deselect() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.op == flashPageProgram && f.wel && f.pos > 4:
		page := f.addr &^ (flashPageSize - 1)
		for i, b := range f.prog {
			a := page | (f.addr+uint32(i))&(flashPageSize-1)
			f.data[int(a)%len(f.data)] &= b
		}
		f.wel = false
		f.busy = f.BusyPolls
	case f.op == flashSectorErase && f.wel && f.pos >= 4:
		base := int(f.addr&^(flashSectorSize-1)) % len(f.data)
		for i := base; i < base+flashSectorSize && i < len(f.data); i++ {
			f.data[i] = 0xff
		}
		f.wel = false
		f.busy = f.BusyPolls
	}
	f.op, f.pos, f.prog = 0, 0, nil
}
