package mcu_test

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospi/core"
	"gospi/host/mcu"
	"gospi/protocol"
	"gospi/targets/sim"
)

var chipID = [3]byte{0xef, 0x40, 0x18}

// newBoard connects an MCU to a simulated board with a flash chip on the
// bus and retrieves its dictionary.
func newBoard(t *testing.T, opts ...mcu.Option) (*mcu.MCU, *sim.Flash, *sim.Device) {
	t.Helper()
	prof, err := core.ProfileFor("mediatek,ipm-spi-quad")
	require.NoError(t, err)
	chip := sim.NewFlash(64*1024, chipID)
	rig := sim.NewRig(prof, chip, nil)

	hostConn, devConn := net.Pipe()
	dev := sim.NewDevice(rig, devConn, nil)
	served := make(chan error, 1)
	go func() { served <- dev.Serve(devConn) }()

	m := mcu.New(hostConn, append([]mcu.Option{mcu.WithResponseTimeout(time.Second)}, opts...)...)
	t.Cleanup(func() {
		_ = m.Close()
		_ = devConn.Close()
		<-served
		_ = rig.Close()
	})
	require.NoError(t, m.Identify())
	return m, chip, dev
}

var flashBus = mcu.Bus{OID: 0, ChipSelect: 0, Mode: 0, Rate: 20_000_000}

func TestIdentify(t *testing.T) {
	m, _, _ := newBoard(t)

	dict := m.Dictionary()
	require.NotNil(t, dict)
	assert.Equal(t, core.Version, dict.Version)

	v, ok := m.Constant("MCU")
	assert.True(t, ok)
	assert.Equal(t, "ipm-quad", v)
	v, _ = m.Constant("SPI_MEM_LANES")
	assert.Equal(t, "4", v)

	names := m.CommandNames()
	assert.Contains(t, names, "spi_transfer")
	assert.Contains(t, names, "spi_mem_read")
	assert.NotContains(t, names, "spi_transfer_response")

	var out bytes.Buffer
	require.NoError(t, m.PrintDictionary(&out))
	assert.True(t, strings.Contains(out.String(), `"spi_send oid=%c data=%*s"`))
}

func TestNoDictionary(t *testing.T) {
	hostConn, devConn := net.Pipe()
	defer devConn.Close()
	m := mcu.New(hostConn)
	defer m.Close()

	assert.ErrorIs(t, m.Send("spi_send", nil), mcu.ErrNoDictionary)
	assert.ErrorIs(t, m.PrintDictionary(&bytes.Buffer{}), mcu.ErrNoDictionary)
	_, ok := m.Constant("MCU")
	assert.False(t, ok)
}

func TestTransferReadsID(t *testing.T) {
	m, _, _ := newBoard(t)
	require.NoError(t, m.ConfigureSPI(flashBus))

	rx, err := m.Transfer(flashBus.OID, []byte{0x9f, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, rx, 4)
	assert.Equal(t, chipID[:], rx[1:])

	assert.ErrorIs(t, m.Send("no_such_command", nil), mcu.ErrUnknownCommand)
}

func TestTransferRejectsPayload(t *testing.T) {
	m, _, _ := newBoard(t)

	_, err := m.Transfer(0, make([]byte, mcu.MaxTransferData+1))
	assert.ErrorIs(t, err, core.ErrInvalidTransfer)
	assert.ErrorIs(t, m.SendSPI(0, nil), core.ErrInvalidTransfer)
}

func TestTransferUnconfiguredTimesOut(t *testing.T) {
	m, _, _ := newBoard(t, mcu.WithResponseTimeout(50*time.Millisecond))

	// the board acknowledges the frame but cannot answer for oid 5
	_, err := m.Transfer(5, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrResponseTimeout)
}

func TestReadMemory(t *testing.T) {
	m, chip, dev := newBoard(t)
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	chip.Load(0x400, data)
	require.NoError(t, m.ConfigureSPI(flashBus))

	got, err := m.ReadMemory(flashBus.OID, mcu.MemRead{
		Opcode:  0x0B,
		Addr:    0x400,
		AddrLen: 3,
		Dummy:   1,
		Width:   1,
	}, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// split into a full request and the remainder
	var reads int
	for _, b := range dev.Rig.Ctrl.Bursts() {
		if b.Mem && len(b.Header) > 0 && b.Header[0] == 0x0B {
			reads++
		}
	}
	assert.GreaterOrEqual(t, reads, 2)
}

func TestEmergencyStopAndReset(t *testing.T) {
	m, chip, _ := newBoard(t)
	require.NoError(t, m.ConfigureSPI(flashBus))
	require.NoError(t, m.SetShutdownMessage(1, flashBus.OID, []byte{0x04}))

	require.NoError(t, m.EmergencyStop())
	assert.Contains(t, chip.Opcodes(), byte(0x04))

	st, err := m.Config()
	require.NoError(t, err)
	assert.True(t, st.IsShutdown)

	require.NoError(t, m.Reset())
	st, err = m.Config()
	require.NoError(t, err)
	assert.False(t, st.IsShutdown)
	assert.False(t, st.IsConfig)
}

func TestUptime(t *testing.T) {
	m, _, _ := newBoard(t)
	first, err := m.Uptime()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Uptime()
	require.NoError(t, err)
	assert.Greater(t, second, first)
}
