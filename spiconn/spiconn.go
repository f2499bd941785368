// Package spiconn exposes a core.Engine through the periph.io SPI
// interfaces and the TinyGo drivers.SPI interface, so existing device
// drivers can run on the controller unchanged.
package spiconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"

	"gospi/core"
)

// ErrClosed is returned once the port is closed.
var ErrClosed = errors.New("spiconn: port closed")

// Port is an spi.PortCloser over one engine and chip select. Transactions
// from all of its connections are serialized.
type Port struct {
	engine  *core.Engine
	name    string
	cs      int
	padSel  uint32
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	limit  physic.Frequency
	closed bool
}

// Option configures a Port.
type Option func(*Port)

// WithChipSelect selects the chip select line and, on controllers that
// route it, its pad.
func WithChipSelect(cs int, padSel uint32) Option {
	return func(p *Port) {
		p.cs, p.padSel = cs, padSel
	}
}

// WithName sets the name reported by String.
func WithName(name string) Option {
	return func(p *Port) {
		p.name = name
	}
}

// WithTimeout bounds each transfer. Zero derives the bound from the length
// and rate.
func WithTimeout(d time.Duration) Option {
	return func(p *Port) {
		p.timeout = d
	}
}

// WithLogger sets the port's logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Port) {
		p.log = log
	}
}

// NewPort returns a port on e. Closing the port does not detach e.
func NewPort(e *core.Engine, opts ...Option) *Port {
	p := &Port{
		engine: e,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.name == "" {
		p.name = fmt.Sprintf("%s.%d", e.Profile().Name, p.cs)
	}
	return p
}

// String implements conn.Resource.
func (p *Port) String() string {
	return p.name
}

// LimitSpeed caps the rate of every connection. Zero removes the cap.
func (p *Port) LimitSpeed(f physic.Frequency) error {
	if f < 0 {
		return fmt.Errorf("spiconn: invalid speed %s", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = f
	return nil
}

// Close implements io.Closer.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Connect implements spi.Port. Only 8-bit words and full-duplex transfers
// with chip select are supported. A zero frequency runs at the port limit,
// or at the source clock rate when there is none.
func (p *Port) Connect(f physic.Frequency, m spi.Mode, bits int) (spi.Conn, error) {
	return p.connect(f, m, bits)
}

func (p *Port) connect(f physic.Frequency, m spi.Mode, bits int) (*Conn, error) {
	if bits != 8 {
		return nil, fmt.Errorf("%w: %d bits per word", core.ErrNotSupported, bits)
	}
	if m&spi.HalfDuplex != 0 {
		return nil, fmt.Errorf("%w: half duplex", core.ErrNotSupported)
	}
	if m&spi.NoCS != 0 {
		return nil, fmt.Errorf("%w: transfers without chip select", core.ErrNotSupported)
	}
	if f < 0 {
		return nil, fmt.Errorf("spiconn: invalid speed %s", f)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	mode := core.Mode(m & spi.Mode3)
	if m&spi.LSBFirst != 0 {
		mode |= core.ModeLSBFirst
	}
	return &Conn{
		port: p,
		freq: f,
		dev: core.Device{
			Mode:       mode,
			ChipSelect: p.cs,
			PadSel:     p.padSel,
		},
	}, nil
}

// rate is the connection frequency capped at the port limit, in Hz.
func (p *Port) rate(f physic.Frequency) uint32 {
	if p.limit != 0 && (f == 0 || f > p.limit) {
		f = p.limit
	}
	return uint32(f / physic.Hertz)
}

// Conn is a connection to one device. It implements spi.Conn and
// drivers.SPI.
type Conn struct {
	port *Port
	freq physic.Frequency
	dev  core.Device
}

var (
	_ spi.Conn       = (*Conn)(nil)
	_ spi.PortCloser = (*Port)(nil)
	_ drivers.SPI    = (*Conn)(nil)
)

// String implements conn.Resource.
func (c *Conn) String() string {
	return c.port.name
}

// Duplex implements conn.Conn.
func (c *Conn) Duplex() conn.Duplex {
	return conn.Full
}

// Tx implements conn.Conn and drivers.SPI. Either buffer may be nil; when
// both are set they must have the same length.
func (c *Conn) Tx(w, r []byte) error {
	return c.TxPackets([]spi.Packet{{W: w, R: r}})
}

// Transfer implements drivers.SPI: it clocks one byte out and returns the
// byte clocked in.
func (c *Conn) Transfer(b byte) (byte, error) {
	var r [1]byte
	if err := c.Tx([]byte{b}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// TxPackets implements spi.Conn. Consecutive packets joined by KeepCS run
// as one engine message under a single chip-select assertion. KeepCS on the
// last packet leaves chip select asserted for the next call.
func (c *Conn) TxPackets(pkts []spi.Packet) error {
	for i, pk := range pkts {
		if pk.BitsPerWord != 0 && pk.BitsPerWord != 8 {
			return fmt.Errorf("%w: packet %d has %d bits per word", core.ErrNotSupported, i, pk.BitsPerWord)
		}
		if pk.W != nil && pk.R != nil && len(pk.W) != len(pk.R) {
			return fmt.Errorf("%w: packet %d write %d bytes, read %d bytes",
				core.ErrInvalidTransfer, i, len(pk.W), len(pk.R))
		}
	}

	p := c.port
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	dev := c.dev
	dev.MaxSpeedHz = p.rate(c.freq)

	var msg core.Message
	for i, pk := range pkts {
		if len(pk.W) != 0 || len(pk.R) != 0 {
			msg.Transfers = append(msg.Transfers, &core.Transfer{Tx: pk.W, Rx: pk.R})
		}
		last := i == len(pkts)-1
		if !pk.KeepCS || last {
			msg.KeepCS = pk.KeepCS
			if err := c.run(dev, &msg); err != nil {
				return err
			}
			msg = core.Message{}
		}
	}
	return nil
}

func (c *Conn) run(dev core.Device, msg *core.Message) error {
	if len(msg.Transfers) == 0 {
		return nil
	}
	msg.Timeout = c.port.timeout
	n, err := c.port.engine.Run(context.Background(), dev, msg)
	if err != nil {
		c.port.log.Debug("spi transaction failed",
			zap.String("port", c.port.name),
			zap.Int("transfers", len(msg.Transfers)),
			zap.Int("transferred", n),
			zap.Error(err))
		return fmt.Errorf("%s: %w", c.port.name, err)
	}
	return nil
}
