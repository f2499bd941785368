package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"gospi/protocol"
)

// ErrShutdown is returned by bus commands after emergency_stop.
var ErrShutdown = errors.New("shut down")

// Response limits
const (
	// MemReadMax is the largest count spi_mem_read accepts.
	MemReadMax = 4096
	// MemChunkSize is the data carried by one spi_mem_response.
	MemChunkSize = 192
	// ClockFreq is the rate of the clock reported by get_clock and get_uptime.
	ClockFreq = 1_000_000
)

// Sender sends a response frame to the host. protocol.Transport implements
// it.
type Sender interface {
	SendCommand(cmdID uint16, args func(*protocol.Encoder)) error
}

// spiDevice is a peripheral configured by config_spi and spi_set_bus.
type spiDevice struct {
	oid         uint8
	dev         Device
	shutdownMsg []byte
}

// CommandSet is the host-facing command surface of one engine: the
// bootstrap and config commands plus the SPI bus commands.
type CommandSet struct {
	engine *Engine
	reg    *CommandRegistry
	dict   *Dictionary
	log    *zap.Logger
	clock  clock.Clock

	out     Sender
	devices map[uint8]*spiDevice
	mu      sync.Mutex // guards out and devices

	configCRC  atomic.Uint32
	isShutdown atomic.Bool
	started    int64 // microseconds at creation

	respIdentify, respUptime, respClock, respConfig uint16
	respTransfer, respMem, respShutdown             uint16
}

// CommandOption configures a CommandSet.
type CommandOption func(*CommandSet)

// WithCommandLogger sets the command set's logger.
func WithCommandLogger(log *zap.Logger) CommandOption {
	return func(c *CommandSet) {
		c.log = log
	}
}

// WithCommandClock sets the clock behind get_clock and get_uptime.
func WithCommandClock(clk clock.Clock) CommandOption {
	return func(c *CommandSet) {
		c.clock = clk
	}
}

// NewCommandSet registers the command set for e. Responses are dropped
// until SetSender is called.
//
// Registration order is fixed: identify_response and identify must be ids
// 0 and 1, which hosts assume before the dictionary is known.
func NewCommandSet(e *Engine, opts ...CommandOption) *CommandSet {
	c := &CommandSet{
		engine:  e,
		reg:     NewCommandRegistry(),
		log:     zap.NewNop(),
		clock:   clock.New(),
		devices: make(map[uint8]*spiDevice),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock.Now().UnixMicro()
	c.dict = NewDictionary(c.reg)

	r := c.reg
	c.respIdentify = r.RegisterResponse("identify_response", "offset=%u data=%*s")
	r.Register("identify", "offset=%u count=%c", c.handleIdentify)

	r.Register("get_uptime", "", c.handleGetUptime)
	r.Register("get_clock", "", c.handleGetClock)
	r.Register("get_config", "", c.handleGetConfig)
	r.Register("config_reset", "", c.handleConfigReset)
	r.Register("finalize_config", "crc=%u", c.handleFinalizeConfig)
	r.Register("allocate_oids", "count=%c", c.handleAllocateOids)
	r.Register("emergency_stop", "", c.handleEmergencyStop)
	c.respUptime = r.RegisterResponse("uptime", "high=%u clock=%u")
	c.respClock = r.RegisterResponse("clock", "clock=%u")
	c.respConfig = r.RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu")
	c.respShutdown = r.RegisterResponse("shutdown", "clock=%u static_string_id=%hu")

	r.Register("config_spi", "oid=%c chip_select=%c cs_active_high=%c", c.handleConfigSPI)
	r.Register("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", c.handleSPISetBus)
	r.Register("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", c.handleConfigSPIShutdown)
	r.Register("spi_transfer", "oid=%c data=%*s", c.handleSPITransfer)
	r.Register("spi_send", "oid=%c data=%*s", c.handleSPISend)
	r.Register("spi_mem_read", "oid=%c opcode=%c addr=%u addr_len=%c dummy=%c width=%c count=%u", c.handleSPIMemRead)
	c.respTransfer = r.RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
	c.respMem = r.RegisterResponse("spi_mem_response", "oid=%c offset=%u data=%*s")

	prof := e.Profile()
	c.dict.AddConstant("MCU", prof.Name)
	c.dict.AddConstant("CLOCK_FREQ", ClockFreq)
	c.dict.AddConstant("SPI_FIFO_SIZE", FIFOSize)
	c.dict.AddConstant("SPI_MAX_PACKET", prof.MaxPacket())
	c.dict.AddConstant("SPI_MEM_LANES", prof.Lanes())
	c.dict.AddConstant("SPI_MEM_READ_MAX", MemReadMax)
	c.dict.AddEnumeration("spi_bus", []string{"spi0"})
	return c
}

// Registry returns the command registry.
func (c *CommandSet) Registry() *CommandRegistry {
	return c.reg
}

// Dictionary returns the data dictionary.
func (c *CommandSet) Dictionary() *Dictionary {
	return c.dict
}

// SetSender sets where responses go.
func (c *CommandSet) SetSender(out Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
}

// Dispatch runs one command. It matches protocol.CommandHandler.
func (c *CommandSet) Dispatch(cmdID uint16, args *protocol.Decoder) error {
	return c.reg.Dispatch(cmdID, args)
}

// IsShutdown reports whether emergency_stop has run.
func (c *CommandSet) IsShutdown() bool {
	return c.isShutdown.Load()
}

func (c *CommandSet) send(id uint16, args func(*protocol.Encoder)) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.SendCommand(id, args)
}

func (c *CommandSet) uptime() uint64 {
	return uint64(c.clock.Now().UnixMicro() - c.started)
}

func (c *CommandSet) handleIdentify(args *protocol.Decoder) error {
	offset, err := args.Uint()
	if err != nil {
		return err
	}
	count, err := args.Uint()
	if err != nil {
		return err
	}
	chunk, err := c.dict.Chunk(offset, uint8(count))
	if err != nil {
		return err
	}
	return c.send(c.respIdentify, func(e *protocol.Encoder) {
		e.Uint(offset)
		e.Bytes(chunk)
	})
}

func (c *CommandSet) handleGetUptime(*protocol.Decoder) error {
	up := c.uptime()
	return c.send(c.respUptime, func(e *protocol.Encoder) {
		e.Uint(uint32(up >> 32))
		e.Uint(uint32(up))
	})
}

func (c *CommandSet) handleGetClock(*protocol.Decoder) error {
	now := uint32(c.uptime())
	return c.send(c.respClock, func(e *protocol.Encoder) {
		e.Uint(now)
	})
}

func (c *CommandSet) handleGetConfig(*protocol.Decoder) error {
	crc := c.configCRC.Load()
	shutdown := c.isShutdown.Load()
	return c.send(c.respConfig, func(e *protocol.Encoder) {
		e.Uint(boolArg(crc != 0))
		e.Uint(crc)
		e.Uint(boolArg(shutdown))
		e.Uint(0) // no move queue
	})
}

// handleConfigReset drops every configured device and clears the shutdown
// state.
func (c *CommandSet) handleConfigReset(*protocol.Decoder) error {
	c.configCRC.Store(0)
	c.isShutdown.Store(false)
	c.mu.Lock()
	clear(c.devices)
	c.mu.Unlock()
	return nil
}

func (c *CommandSet) handleFinalizeConfig(args *protocol.Decoder) error {
	crc, err := args.Uint()
	if err != nil {
		return err
	}
	c.configCRC.Store(crc)
	return nil
}

func (c *CommandSet) handleAllocateOids(args *protocol.Decoder) error {
	_, err := args.Uint()
	return err
}

// handleEmergencyStop sends every configured shutdown message and refuses
// bus commands from then on.
func (c *CommandSet) handleEmergencyStop(*protocol.Decoder) error {
	if c.isShutdown.Swap(true) {
		return nil
	}
	c.log.Info("emergency stop")

	c.mu.Lock()
	var pending []*spiDevice
	for _, d := range c.devices {
		if len(d.shutdownMsg) > 0 {
			pending = append(pending, d)
		}
	}
	c.mu.Unlock()

	for _, d := range pending {
		msg := &Message{Transfers: []*Transfer{{Tx: d.shutdownMsg}}}
		if _, err := c.engine.Run(context.Background(), d.dev, msg); err != nil {
			c.log.Warn("shutdown message failed", zap.Uint8("oid", d.oid), zap.Error(err))
		}
	}
	return c.send(c.respShutdown, func(e *protocol.Encoder) {
		e.Uint(uint32(c.uptime()))
		e.Uint(0)
	})
}

func (c *CommandSet) handleConfigSPI(args *protocol.Decoder) error {
	oid, err := args.Uint()
	if err != nil {
		return err
	}
	cs, err := args.Uint()
	if err != nil {
		return err
	}
	csHigh, err := args.Uint()
	if err != nil {
		return err
	}

	d := &spiDevice{oid: uint8(oid), dev: Device{ChipSelect: int(cs), PadSel: cs}}
	if csHigh != 0 {
		d.dev.Mode |= ModeCSHigh
	}
	c.mu.Lock()
	c.devices[d.oid] = d
	c.mu.Unlock()
	return nil
}

func (c *CommandSet) handleSPISetBus(args *protocol.Decoder) error {
	oid, err := args.Uint()
	if err != nil {
		return err
	}
	bus, err := args.Uint()
	if err != nil {
		return err
	}
	mode, err := args.Uint()
	if err != nil {
		return err
	}
	rate, err := args.Uint()
	if err != nil {
		return err
	}
	if bus != 0 {
		return fmt.Errorf("%w: spi bus %d", ErrNotSupported, bus)
	}
	if mode > 3 {
		return fmt.Errorf("%w: spi mode %d", ErrInvalidTransfer, mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.deviceLocked(uint8(oid))
	if err != nil {
		return err
	}
	d.dev.Mode = d.dev.Mode&^Mode3 | Mode(mode)
	d.dev.MaxSpeedHz = rate
	return nil
}

func (c *CommandSet) handleConfigSPIShutdown(args *protocol.Decoder) error {
	if _, err := args.Uint(); err != nil {
		return err
	}
	spiOID, err := args.Uint()
	if err != nil {
		return err
	}
	msg, err := args.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.deviceLocked(uint8(spiOID))
	if err != nil {
		return err
	}
	d.shutdownMsg = append([]byte(nil), msg...)
	return nil
}

func (c *CommandSet) handleSPITransfer(args *protocol.Decoder) error {
	d, tx, err := c.busArgs(args)
	if err != nil {
		return err
	}
	rx := make([]byte, len(tx))
	if err := c.transfer(d, &Transfer{Tx: tx, Rx: rx}); err != nil {
		return err
	}
	return c.send(c.respTransfer, func(e *protocol.Encoder) {
		e.Uint(uint32(d.oid))
		e.Bytes(rx)
	})
}

func (c *CommandSet) handleSPISend(args *protocol.Decoder) error {
	d, tx, err := c.busArgs(args)
	if err != nil {
		return err
	}
	return c.transfer(d, &Transfer{Tx: tx})
}

// handleSPIMemRead reads count bytes with a memory operation, re-issuing
// it from the next address whenever the engine truncates, and streams the
// data back in MemChunkSize responses.
func (c *CommandSet) handleSPIMemRead(args *protocol.Decoder) error {
	var v [7]uint32
	for i := range v {
		var err error
		if v[i], err = args.Uint(); err != nil {
			return err
		}
	}
	oid, opcode, addr, addrLen, dummy, width, count := v[0], v[1], v[2], v[3], v[4], v[5], v[6]
	if count == 0 || count > MemReadMax {
		return fmt.Errorf("%w: read count %d", ErrInvalidTransfer, count)
	}
	if c.isShutdown.Load() {
		return ErrShutdown
	}
	c.mu.Lock()
	d, err := c.deviceLocked(uint8(oid))
	c.mu.Unlock()
	if err != nil {
		return err
	}

	buf := make([]byte, count)
	for off := 0; off < len(buf); {
		op := MemOp{
			Cmd:   OpCmd{Opcode: uint8(opcode), BusWidth: 1},
			Addr:  OpAddr{NBytes: uint8(addrLen), Val: uint64(addr) + uint64(off), BusWidth: 1},
			Dummy: OpDummy{NBytes: uint8(dummy), BusWidth: 1},
			Data:  OpData{Dir: MemDataIn, NBytes: len(buf) - off, BusWidth: uint8(width), Buf: buf[off:]},
		}
		res, err := c.engine.ExecOp(context.Background(), d.dev, op)
		if err != nil {
			return err
		}
		if res.Handled == 0 {
			return fmt.Errorf("%w: op 0x%02x made no progress", ErrInvalidTransfer, opcode)
		}
		off += res.Handled
	}

	for off := 0; off < len(buf); off += MemChunkSize {
		chunk := buf[off:min(off+MemChunkSize, len(buf))]
		err := c.send(c.respMem, func(e *protocol.Encoder) {
			e.Uint(uint32(d.oid))
			e.Uint(uint32(off))
			e.Bytes(chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *CommandSet) busArgs(args *protocol.Decoder) (*spiDevice, []byte, error) {
	oid, err := args.Uint()
	if err != nil {
		return nil, nil, err
	}
	data, err := args.Bytes()
	if err != nil {
		return nil, nil, err
	}
	if c.isShutdown.Load() {
		return nil, nil, ErrShutdown
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty data", ErrInvalidTransfer)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.deviceLocked(uint8(oid))
	if err != nil {
		return nil, nil, err
	}
	// the decoder aliases the frame buffer
	return d, append([]byte(nil), data...), nil
}

func (c *CommandSet) transfer(d *spiDevice, t *Transfer) error {
	_, err := c.engine.Run(context.Background(), d.dev, &Message{Transfers: []*Transfer{t}})
	return err
}

func (c *CommandSet) deviceLocked(oid uint8) (*spiDevice, error) {
	d, ok := c.devices[oid]
	if !ok {
		return nil, fmt.Errorf("%w: oid %d not configured", ErrInvalidTransfer, oid)
	}
	return d, nil
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
