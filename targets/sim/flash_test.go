package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(f *Flash, tx ...byte) []byte {
	rx := make([]byte, len(tx))
	f.Select()
	f.Exchange(tx, rx)
	f.Deselect()
	return rx
}

func TestFlashReadID(t *testing.T) {
	f := NewFlash(4096, [3]byte{0xc2, 0x20, 0x16})
	assert.Equal(t, []byte{0, 0xc2, 0x20, 0x16}, frame(f, 0x9F, 0, 0, 0))
}

func TestFlashProgramErase(t *testing.T) {
	f := NewFlash(8192, [3]byte{})
	f.BusyPolls = 1

	// program without write enable is ignored
	frame(f, flashPageProgram, 0, 0, 0, 0x12)
	assert.Equal(t, []byte{0xff}, f.Contents(0, 1))

	frame(f, flashWriteEnable)
	assert.Equal(t, []byte{0, flashStatusWEL}, frame(f, flashReadStatus, 0))
	frame(f, flashPageProgram, 0, 0x01, 0xfe, 0x0f, 0xf0, 0x33)

	// busy for one poll, then idle with WEL cleared
	assert.Equal(t, []byte{0, flashStatusBusy}, frame(f, flashReadStatus, 0))
	assert.Equal(t, []byte{0, 0}, frame(f, flashReadStatus, 0))

	// the page wraps at 256 bytes
	assert.Equal(t, []byte{0x0f, 0xf0}, f.Contents(0x1fe, 2))
	assert.Equal(t, []byte{0x33}, f.Contents(0x100, 1))

	rx := frame(f, flashRead, 0, 0x01, 0xfe, 0, 0)
	assert.Equal(t, []byte{0x0f, 0xf0}, rx[4:])

	frame(f, flashWriteEnable)
	frame(f, flashSectorErase, 0, 0x01, 0x00)
	frame(f, flashReadStatus, 0)
	assert.Equal(t, []byte{0xff, 0xff}, f.Contents(0x1fe, 2))
}

func TestFlashIgnoresCommandsWhileBusy(t *testing.T) {
	f := NewFlash(4096, [3]byte{1, 2, 3})
	frame(f, flashWriteEnable)
	frame(f, flashSectorErase, 0, 0, 0)

	assert.Equal(t, []byte{0, 0, 0, 0}, frame(f, 0x9F, 0, 0, 0))
	frame(f, flashReadStatus, 0, 0)
	assert.Equal(t, []byte{0, 1, 2, 3}, frame(f, 0x9F, 0, 0, 0))
	assert.Equal(t, []byte{flashWriteEnable, flashSectorErase, 0x9F, flashReadStatus, 0x9F}, f.Opcodes())
}

func TestFlashFastRead(t *testing.T) {
	f := NewFlash(4096, [3]byte{})
	f.Load(0x10, []byte{0xaa, 0xbb})
	rx := frame(f, flashFastRead, 0, 0, 0x10, 0, 0, 0)
	assert.Equal(t, []byte{0xaa, 0xbb}, rx[5:])
}
