// Package sim simulates an MT65xx-family SPI controller: its register
// block, FIFOs, packet framing, DMA engine and interrupt line, plus the
// peripherals attached to it.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gospi/core"
)

// Peripheral is a device on the simulated bus.
type Peripheral interface {
	// Select is called when chip select goes active.
	Select()
	// Exchange clocks len(tx) bytes: tx goes out, rx is filled with the
	// bytes coming back. rx has the same length as tx.
	Exchange(tx, rx []byte)
	// Deselect is called when chip select goes inactive.
	Deselect()
}

// Burst records one burst executed by the controller.
type Burst struct {
	Len    int
	Resume bool // started from a pause rather than idle
	TxDMA  bool
	RxDMA  bool
	TxAddr core.Addr
	RxAddr core.Addr

	// Direct memory operation fields
	Mem     bool
	Read    bool
	Header  []byte
	PinMode uint32
	XMode   bool
}

// Controller is a simulated controller. It implements core.Registers.
type Controller struct {
	mu sync.Mutex

	prof core.Profile
	mem  *Memory
	dev  Peripheral
	log  *zap.Logger

	regs     [regCount]uint32
	txFIFO   []uint32
	rxFIFO   []uint32
	status   core.StatusReg
	selected bool
	paused   bool
	stall    bool

	irq    chan struct{}
	bursts []Burst
	err    error
}

const regCount = core.RegCfg3IPM/4 + 1

// fifoWords is the FIFO depth in 32-bit words.
const fifoWords = core.FIFOSize / 4

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithStall makes the controller swallow its interrupts.
func WithStall() Option {
	return func(c *Controller) {
		c.stall = true
	}
}

// NewController returns a controller with the capabilities of prof, doing
// DMA against mem and talking to dev.
func NewController(prof core.Profile, mem *Memory, dev Peripheral, opts ...Option) *Controller {
	c := &Controller{
		prof:   prof,
		mem:    mem,
		dev:    dev,
		log:    zap.NewNop(),
		txFIFO: make([]uint32, 0, fifoWords),
		rxFIFO: make([]uint32, 0, fifoWords),
		irq:    make(chan struct{}, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetStall turns interrupt delivery off or back on.
func (c *Controller) SetStall(stall bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall = stall
}

// Read32 implements core.Registers. Reading RX_DATA pops the RX FIFO and
// reading STATUS0 clears it.
func (c *Controller) Read32(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case core.RegRxData:
		if len(c.rxFIFO) == 0 {
			c.fault(fmt.Errorf("sim: RX FIFO underflow"))
			return 0
		}
		w := c.rxFIFO[0]
		c.rxFIFO = c.rxFIFO[1:]
		return w
	case core.RegStatus0:
		s := c.status
		c.status = 0
		return uint32(s)
	case core.RegTxData:
		return 0
	}
	if i, ok := regIndex(offset); ok {
		return c.regs[i]
	}
	c.fault(fmt.Errorf("sim: read of unknown register 0x%x", offset))
	return 0
}

// Write32 implements core.Registers. Writing CMD with ACT or RESUME runs a
// burst; those bits and RST read back as zero.
func (c *Controller) Write32(offset uint32, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case core.RegTxData:
		if len(c.txFIFO) == fifoWords {
			c.fault(fmt.Errorf("sim: TX FIFO overflow"))
			return
		}
		c.txFIFO = append(c.txFIFO, val)
		return
	case core.RegRxData, core.RegStatus0:
		return
	case core.RegCmd:
		c.writeCmd(core.CmdReg(val))
		return
	}
	i, ok := regIndex(offset)
	if !ok {
		c.fault(fmt.Errorf("sim: write of unknown register 0x%x", offset))
		return
	}
	c.regs[i] = val
}

func regIndex(offset uint32) (int, bool) {
	if offset%4 != 0 || offset/4 >= regCount {
		return 0, false
	}
	return int(offset / 4), true
}

func (c *Controller) writeCmd(cmd core.CmdReg) {
	strobes := cmd & (core.CmdAct | core.CmdResume | core.CmdRst)
	c.regs[core.RegCmd/4] = uint32(cmd &^ strobes)

	if strobes.Has(core.CmdRst) {
		c.reset()
		return
	}
	switch {
	case strobes.Has(core.CmdResume):
		if !c.paused {
			c.fault(fmt.Errorf("sim: RESUME while not paused"))
		}
		c.burst(true)
	case strobes.Has(core.CmdAct):
		if c.paused {
			c.fault(fmt.Errorf("sim: ACT while paused"))
		}
		c.burst(false)
	}
}

func (c *Controller) reset() {
	c.txFIFO = c.txFIFO[:0]
	c.rxFIFO = c.rxFIFO[:0]
	c.status = 0
	c.paused = false
	c.deselect()
}

func (c *Controller) selectDev() {
	if !c.selected {
		c.selected = true
		if c.dev != nil {
			c.dev.Select()
		}
	}
}

func (c *Controller) deselect() {
	if c.selected {
		c.selected = false
		if c.dev != nil {
			c.dev.Deselect()
		}
	}
}

// packetBytes decodes the burst length from CFG1.
func (c *Controller) packetBytes() int {
	cfg1 := core.Cfg1Reg(c.regs[core.RegCfg1/4])
	return int(cfg1.PacketLength(c.prof.IPM)+1) * int(cfg1.PacketLoop()+1)
}

func (c *Controller) dmaAddr(lo, hi uint32) core.Addr {
	a := core.Addr(c.regs[lo/4])
	if c.prof.DMAExt {
		a |= core.Addr(c.regs[hi/4]&0xf) << 32
	}
	return a
}

func (c *Controller) burst(resume bool) {
	cmd := core.CmdReg(c.regs[core.RegCmd/4])
	cfg3 := core.Cfg3Reg(c.regs[core.RegCfg3IPM/4])

	c.selectDev()

	b := Burst{Resume: resume}
	if c.prof.IPM && cfg3.Has(core.Cfg3HalfDuplexEn) {
		c.memBurst(&b, cmd, cfg3)
	} else {
		c.duplexBurst(&b, cmd)
	}
	c.bursts = append(c.bursts, b)
	c.log.Debug("burst", zap.Int("len", b.Len), zap.Bool("mem", b.Mem), zap.Bool("resume", resume))

	if cmd.Has(core.CmdPauseEn) {
		c.paused = true
		c.status = core.StatusPause
	} else {
		c.paused = false
		c.status = core.StatusFinish
		c.deselect()
	}
	if !c.stall {
		select {
		case c.irq <- struct{}{}:
		default:
			c.fault(fmt.Errorf("sim: interrupt queue overflow"))
		}
	}
}

func (c *Controller) duplexBurst(b *Burst, cmd core.CmdReg) {
	n := c.packetBytes()
	b.Len = n
	b.TxDMA = cmd.Has(core.CmdTxDMA)
	b.RxDMA = cmd.Has(core.CmdRxDMA)

	tx := make([]byte, n)
	if b.TxDMA {
		b.TxAddr = c.dmaAddr(core.RegTxSrc, core.RegTxSrc64)
		src, err := c.mem.slice(b.TxAddr, n)
		if err != nil {
			c.fault(err)
		} else {
			copy(tx, src)
		}
	} else {
		c.popTxFIFO(tx)
	}

	rx := make([]byte, n)
	c.exchange(cmd, tx, rx)

	if b.RxDMA {
		b.RxAddr = c.dmaAddr(core.RegRxDst, core.RegRxDst64)
		dst, err := c.mem.slice(b.RxAddr, n)
		if err != nil {
			c.fault(err)
		} else {
			copy(dst, rx)
		}
	} else if !b.TxDMA {
		c.pushRxFIFO(rx)
	}
}

func (c *Controller) memBurst(b *Burst, cmd core.CmdReg, cfg3 core.Cfg3Reg) {
	b.Mem = true
	b.Read = cfg3.Has(core.Cfg3HalfDuplexDir)
	b.PinMode = cfg3.PinMode()
	b.XMode = cfg3.Has(core.Cfg3XModeEn)
	b.TxDMA = cmd.Has(core.CmdTxDMA)
	b.RxDMA = cmd.Has(core.CmdRxDMA)

	header := int(cfg3.CmdByteLen() + cfg3.AddrByteLen())
	n := 0
	if !cfg3.Has(core.Cfg3NoData) {
		n = c.packetBytes()
	}
	b.Len = n

	txLen := header
	if !b.Read {
		txLen += n
	}
	b.TxAddr = c.dmaAddr(core.RegTxSrc, core.RegTxSrc64)
	src, err := c.mem.slice(b.TxAddr, txLen)
	if err != nil {
		c.fault(err)
		return
	}
	b.Header = append([]byte(nil), src[:header]...)

	discard := make([]byte, txLen)
	c.exchange(cmd, src[:header], discard[:header])
	if n == 0 {
		return
	}
	if !b.Read {
		c.exchange(cmd, src[header:], discard[header:])
		return
	}

	rx := make([]byte, n)
	c.exchange(cmd, make([]byte, n), rx)
	if !b.RxDMA {
		c.fault(fmt.Errorf("sim: memory read without RX DMA"))
		return
	}
	b.RxAddr = c.dmaAddr(core.RegRxDst, core.RegRxDst64)
	dst, err := c.mem.slice(b.RxAddr, n)
	if err != nil {
		c.fault(err)
		return
	}
	copy(dst, rx)
}

// exchange moves bytes over the wire, applying bit order and the IPM
// internal loopback.
func (c *Controller) exchange(cmd core.CmdReg, tx, rx []byte) {
	wire := tx
	if !cmd.Has(core.CmdTxMSBF) {
		wire = reverseBits(tx)
	}
	if c.prof.IPM && cmd.Has(core.CmdIPMSpimLoop) {
		copy(rx, wire)
	} else if c.dev != nil {
		c.dev.Exchange(wire, rx)
	}
	if !cmd.Has(core.CmdRxMSBF) {
		copy(rx, reverseBits(rx))
	}
}

func reverseBits(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = bits.Reverse8(v)
	}
	return out
}

func (c *Controller) popTxFIFO(tx []byte) {
	for off := 0; off < len(tx); off += 4 {
		if len(c.txFIFO) == 0 {
			return // underflow clocks out zeros
		}
		var word [4]byte
		binary.NativeEndian.PutUint32(word[:], c.txFIFO[0])
		c.txFIFO = c.txFIFO[1:]
		copy(tx[off:], word[:])
	}
}

func (c *Controller) pushRxFIFO(rx []byte) {
	c.rxFIFO = c.rxFIFO[:0]
	for off := 0; off < len(rx); off += 4 {
		var word [4]byte
		copy(word[:], rx[off:])
		if len(c.rxFIFO) == fifoWords {
			c.fault(fmt.Errorf("sim: RX FIFO overflow on %d-byte burst", len(rx)))
			return
		}
		c.rxFIFO = append(c.rxFIFO, binary.NativeEndian.Uint32(word[:]))
	}
}

func (c *Controller) fault(err error) {
	c.log.Debug("fault", zap.Error(err))
	c.err = multierr.Append(c.err, err)
}

// Err returns every fault the controller has recorded.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Bursts returns the bursts executed so far.
func (c *Controller) Bursts() []Burst {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Burst(nil), c.bursts...)
}

// Selected reports whether chip select is active.
func (c *Controller) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Reg returns a raw register value without side effects.
func (c *Controller) Reg(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := regIndex(offset); ok {
		return c.regs[i]
	}
	return 0
}

// IRQ returns the interrupt line. One value is sent per burst.
func (c *Controller) IRQ() <-chan struct{} {
	return c.irq
}

// Step services one pending interrupt with handle, if there is one.
func (c *Controller) Step(handle func() error) (bool, error) {
	select {
	case <-c.irq:
		return true, handle()
	default:
		return false, nil
	}
}

// Run services interrupts with handle until ctx is done. Handler errors are
// logged and do not stop the loop.
func (c *Controller) Run(ctx context.Context, handle func() error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.irq:
			if err := handle(); err != nil {
				c.log.Debug("interrupt handler", zap.Error(err))
			}
		}
	}
}
