package mcu

import (
	"fmt"
	"strconv"

	"gospi/core"
	"gospi/protocol"
)

// Bus describes one configured SPI device on the board.
type Bus struct {
	OID          uint8
	ChipSelect   uint8
	CSActiveHigh bool
	Mode         uint8
	Rate         uint32
}

// ConfigureSPI creates the device object and sets its bus parameters.
func (m *MCU) ConfigureSPI(b Bus) error {
	err := m.Send("config_spi", func(e *protocol.Encoder) {
		e.Uint(uint32(b.OID))
		e.Uint(uint32(b.ChipSelect))
		e.Uint(boolArg(b.CSActiveHigh))
	})
	if err != nil {
		return err
	}
	return m.Send("spi_set_bus", func(e *protocol.Encoder) {
		e.Uint(uint32(b.OID))
		e.Uint(0)
		e.Uint(uint32(b.Mode))
		e.Uint(b.Rate)
	})
}

// SetShutdownMessage sets bytes sent to spiOID by emergency_stop.
func (m *MCU) SetShutdownMessage(oid, spiOID uint8, msg []byte) error {
	if len(msg) > MaxTransferData {
		return fmt.Errorf("%w: shutdown message of %d bytes", core.ErrInvalidTransfer, len(msg))
	}
	return m.Send("config_spi_shutdown", func(e *protocol.Encoder) {
		e.Uint(uint32(oid))
		e.Uint(uint32(spiOID))
		e.Bytes(msg)
	})
}

// Transfer clocks data out in one chip-select frame and returns the bytes
// clocked in.
func (m *MCU) Transfer(oid uint8, data []byte) ([]byte, error) {
	if err := checkPayload(data); err != nil {
		return nil, err
	}
	resp, err := m.Query("spi_transfer", func(e *protocol.Encoder) {
		e.Uint(uint32(oid))
		e.Bytes(data)
	}, "spi_transfer_response")
	if err != nil {
		return nil, err
	}
	d := resp.Decoder()
	got, err := d.Uint()
	if err != nil {
		return nil, err
	}
	if got != uint32(oid) {
		return nil, fmt.Errorf("spi_transfer_response for oid %d, want %d", got, oid)
	}
	return d.Bytes()
}

// SendSPI clocks data out in one chip-select frame, discarding input.
func (m *MCU) SendSPI(oid uint8, data []byte) error {
	if err := checkPayload(data); err != nil {
		return err
	}
	return m.Send("spi_send", func(e *protocol.Encoder) {
		e.Uint(uint32(oid))
		e.Bytes(data)
	})
}

func checkPayload(data []byte) error {
	if len(data) == 0 || len(data) > MaxTransferData {
		return fmt.Errorf("%w: %d bytes, want 1..%d", core.ErrInvalidTransfer, len(data), MaxTransferData)
	}
	return nil
}

// MemRead describes a flash-style read: opcode, address, dummy bytes and a
// data phase on Width lanes.
type MemRead struct {
	Opcode  uint8
	Addr    uint32
	AddrLen uint8
	Dummy   uint8
	Width   uint8
}

// ReadMemory reads n bytes with spi_mem_read, splitting n into requests the
// board accepts.
func (m *MCU) ReadMemory(oid uint8, r MemRead, n int) ([]byte, error) {
	limit := core.MemReadMax
	if v, ok := m.Constant("SPI_MEM_READ_MAX"); ok {
		if lim, err := strconv.Atoi(v); err == nil && lim > 0 {
			limit = lim
		}
	}

	out := make([]byte, n)
	for off := 0; off < n; {
		count := min(n-off, limit)
		if err := m.readMemory(oid, r, uint32(off), out[off:off+count]); err != nil {
			return nil, err
		}
		off += count
	}
	return out, nil
}

func (m *MCU) readMemory(oid uint8, r MemRead, off uint32, buf []byte) error {
	respID, ok := m.responses["spi_mem_response"]
	if !ok {
		return fmt.Errorf("%w: response spi_mem_response", ErrUnknownCommand)
	}
	err := m.Send("spi_mem_read", func(e *protocol.Encoder) {
		e.Uint(uint32(oid))
		e.Uint(uint32(r.Opcode))
		e.Uint(r.Addr + off)
		e.Uint(uint32(r.AddrLen))
		e.Uint(uint32(r.Dummy))
		e.Uint(uint32(r.Width))
		e.Uint(uint32(len(buf)))
	})
	if err != nil {
		return err
	}

	for got := 0; got < len(buf); {
		resp, err := m.await(respID)
		if err != nil {
			return fmt.Errorf("spi_mem_read at 0x%x: %w", r.Addr+off+uint32(got), err)
		}
		d := resp.Decoder()
		if _, err := d.Uint(); err != nil {
			return err
		}
		chunkOff, err := d.Uint()
		if err != nil {
			return err
		}
		chunk, err := d.Bytes()
		if err != nil {
			return err
		}
		if int(chunkOff)+len(chunk) > len(buf) {
			return fmt.Errorf("spi_mem_response chunk %d+%d past %d bytes", chunkOff, len(chunk), len(buf))
		}
		copy(buf[chunkOff:], chunk)
		got += len(chunk)
	}
	return nil
}

// Uptime returns the board's uptime in clock ticks.
func (m *MCU) Uptime() (uint64, error) {
	resp, err := m.Query("get_uptime", nil, "uptime")
	if err != nil {
		return 0, err
	}
	d := resp.Decoder()
	high, err := d.Uint()
	if err != nil {
		return 0, err
	}
	low, err := d.Uint()
	if err != nil {
		return 0, err
	}
	return uint64(high)<<32 | uint64(low), nil
}

// ConfigState is the reply to get_config.
type ConfigState struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
}

// Config queries the configuration state.
func (m *MCU) Config() (ConfigState, error) {
	resp, err := m.Query("get_config", nil, "config")
	if err != nil {
		return ConfigState{}, err
	}
	d := resp.Decoder()
	var v [3]uint32
	for i := range v {
		if v[i], err = d.Uint(); err != nil {
			return ConfigState{}, err
		}
	}
	return ConfigState{IsConfig: v[0] != 0, CRC: v[1], IsShutdown: v[2] != 0}, nil
}

// EmergencyStop runs the board's shutdown messages and waits for its
// shutdown report.
func (m *MCU) EmergencyStop() error {
	_, err := m.Query("emergency_stop", nil, "shutdown")
	return err
}

// Reset drops every configured device and clears a shutdown.
func (m *MCU) Reset() error {
	return m.Send("config_reset", nil)
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
