package core

import (
	"fmt"
	"unsafe"
)

// Mode holds the SPI mode bits of a device.
type Mode uint8

// Mode bits
const (
	ModeCPHA     Mode = 1 << 0
	ModeCPOL     Mode = 1 << 1
	ModeCSHigh   Mode = 1 << 2
	ModeLSBFirst Mode = 1 << 3
	ModeLoop     Mode = 1 << 4

	Mode0 Mode = 0
	Mode1      = ModeCPHA
	Mode2      = ModeCPOL
	Mode3      = ModeCPOL | ModeCPHA
)

// DefaultTickDelay is the get-tick-delay used when a device leaves it unset.
const DefaultTickDelay = 2

// Device holds the per-peripheral settings applied when a message is
// prepared.
type Device struct {
	Mode       Mode
	ChipSelect int
	MaxSpeedHz uint32
	SampleSel  bool
	// TickDelay is the receive sampling delay in source-clock ticks.
	// Zero selects DefaultTickDelay.
	TickDelay uint8
	// PadSel routes ChipSelect to a pad on controllers with NeedPadSel.
	PadSel uint32
}

func (d Device) tickDelay() uint8 {
	if d.TickDelay == 0 {
		return DefaultTickDelay
	}
	return d.TickDelay
}

// Direction is the data direction of a transfer.
type Direction uint8

// Transfer directions.
const (
	DirNone Direction = iota
	DirOut
	DirIn
	DirBoth
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirBoth:
		return "both"
	default:
		return "unknown"
	}
}

// Addr is a DMA bus address.
type Addr uint64

// Segment is one DMA-mapped scatter-gather entry.
type Segment struct {
	Addr Addr
	Len  uint32
}

// Transfer describes one logical SPI transfer. The engine borrows it from
// Submit until the result is delivered and must not be modified meanwhile.
type Transfer struct {
	Tx []byte // nil for receive-only
	Rx []byte // nil for transmit-only

	// Len is the number of bytes clocked. Zero means the longer of Tx and Rx.
	Len int

	// TxSG and RxSG are optional scatter-gather lists already mapped for
	// DMA. When a buffer is present without a list, the engine maps it as
	// one segment if the transfer takes the DMA path.
	TxSG []Segment
	RxSG []Segment

	SpeedHz  uint32
	BusWidth uint8 // 0 or 1; ordinary transfers are single-lane
}

// Direction returns the data direction implied by the buffers.
func (t *Transfer) Direction() Direction {
	switch {
	case t.Tx != nil && t.Rx != nil:
		return DirBoth
	case t.Tx != nil:
		return DirOut
	case t.Rx != nil:
		return DirIn
	default:
		return DirNone
	}
}

func (t *Transfer) length() int {
	if t.Len != 0 {
		return t.Len
	}
	return max(len(t.Tx), len(t.Rx))
}

func (t *Transfer) validate() error {
	n := t.length()
	if n <= 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidTransfer)
	}
	if t.Tx != nil && len(t.Tx) < n {
		return fmt.Errorf("%w: tx buffer %d bytes, length %d", ErrInvalidTransfer, len(t.Tx), n)
	}
	if t.Rx != nil && len(t.Rx) < n {
		return fmt.Errorf("%w: rx buffer %d bytes, length %d", ErrInvalidTransfer, len(t.Rx), n)
	}
	if t.BusWidth > 1 {
		return fmt.Errorf("%w: %d-lane ordinary transfer", ErrNotSupported, t.BusWidth)
	}
	if t.TxSG != nil && t.Tx == nil {
		return fmt.Errorf("%w: tx segments without a tx buffer", ErrInvalidTransfer)
	}
	if t.RxSG != nil && t.Rx == nil {
		return fmt.Errorf("%w: rx segments without an rx buffer", ErrInvalidTransfer)
	}
	if err := validateSG("tx", t.TxSG, n); err != nil {
		return err
	}
	return validateSG("rx", t.RxSG, n)
}

func validateSG(name string, sg []Segment, n int) error {
	if sg == nil {
		return nil
	}
	total := 0
	for i, seg := range sg {
		if seg.Len == 0 {
			return fmt.Errorf("%w: %s segment %d is empty", ErrInvalidTransfer, name, i)
		}
		total += int(seg.Len)
	}
	if total != n {
		return fmt.Errorf("%w: %s segments total %d bytes, length %d", ErrInvalidTransfer, name, total, n)
	}
	return nil
}

// CanDMA reports whether a transfer takes the DMA path: it must carry a
// buffer, be longer than the FIFO and both buffers must be 4-byte aligned.
// A transfer without buffers only clocks the bus and takes the FIFO path.
func CanDMA(t *Transfer) bool {
	return t.Direction() != DirNone && t.length() > FIFOSize && aligned4(t.Tx) && aligned4(t.Rx)
}

func aligned4(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%4 == 0
}

// Result is delivered once per submitted transfer.
type Result struct {
	Transferred int
	Err         error
}
