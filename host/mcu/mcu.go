// Package mcu is the host side of a connection to a board running the SPI
// command set: it retrieves the data dictionary, then looks commands up by
// name and waits for their responses.
package mcu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"gospi/core"
	"gospi/host/serial"
	"gospi/protocol"
)

// Protocol ids fixed before the dictionary is known
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
)

// MaxTransferData is the largest spi_transfer or spi_send payload that fits
// one frame.
const MaxTransferData = 240

// DefaultResponseTimeout bounds the wait for a command's response.
const DefaultResponseTimeout = 2 * time.Second

var (
	// ErrNoDictionary is returned by name lookups before Identify.
	ErrNoDictionary = errors.New("mcu: dictionary not retrieved")

	// ErrUnknownCommand is returned for names the dictionary lacks.
	ErrUnknownCommand = errors.New("mcu: unknown command")
)

// MCU is a connection to one board.
type MCU struct {
	transport *protocol.HostTransport
	log       *zap.Logger
	clock     clock.Clock
	timeout   time.Duration

	dictionary     *core.DictionaryData
	dictionaryData []byte
	commands       map[string]uint16
	responses      map[string]uint16
}

// Option configures an MCU.
type Option func(*MCU)

// WithLogger sets the logger, which the transport shares.
func WithLogger(log *zap.Logger) Option {
	return func(m *MCU) {
		m.log = log
	}
}

// WithClock sets the clock used for acknowledgement and response timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *MCU) {
		m.clock = c
	}
}

// WithResponseTimeout sets how long a command waits for its response.
func WithResponseTimeout(d time.Duration) Option {
	return func(m *MCU) {
		m.timeout = d
	}
}

// New starts a connection over port. Call Identify before anything else.
func New(port io.ReadWriteCloser, opts ...Option) *MCU {
	m := &MCU{
		log:     zap.NewNop(),
		clock:   clock.New(),
		timeout: DefaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.transport = protocol.NewHostTransport(port,
		protocol.WithHostLogger(m.log),
		protocol.WithHostClock(m.clock))
	return m
}

// Open opens a serial port and starts a connection over it.
func Open(cfg *serial.Config, opts ...Option) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush %s: %w", cfg.Device, err)
	}
	return New(port, opts...), nil
}

// Close closes the transport and its port.
func (m *MCU) Close() error {
	return m.transport.Close()
}

// Identify retrieves and parses the data dictionary.
func (m *MCU) Identify() error {
	var data []byte
	for {
		offset := uint32(len(data))
		err := m.transport.SendCommand(identifyID, func(e *protocol.Encoder) {
			e.Uint(offset)
			e.Uint(identifyChunk)
		})
		if err != nil {
			return fmt.Errorf("identify at %d: %w", offset, err)
		}

		resp, err := m.await(identifyResponseID)
		if err != nil {
			return fmt.Errorf("identify at %d: %w", offset, err)
		}
		d := resp.Decoder()
		got, err := d.Uint()
		if err != nil {
			return fmt.Errorf("identify response: %w", err)
		}
		chunk, err := d.Bytes()
		if err != nil {
			return fmt.Errorf("identify response: %w", err)
		}
		if got != offset {
			return fmt.Errorf("identify response for offset %d, want %d", got, offset)
		}
		data = append(data, chunk...)
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := core.ParseDictionary(data)
	if err != nil {
		return err
	}
	m.dictionary = dict
	m.dictionaryData = data
	m.commands = byName(dict.Commands)
	m.responses = byName(dict.Responses)
	m.log.Info("dictionary retrieved",
		zap.String("version", dict.Version),
		zap.Int("bytes", len(data)),
		zap.Int("commands", len(m.commands)),
		zap.Int("responses", len(m.responses)))
	return nil
}

// byName indexes signatures ("name arg=%c ...") by their leading name.
func byName(sigs map[string]int) map[string]uint16 {
	ids := make(map[string]uint16, len(sigs))
	for sig, id := range sigs {
		name, _, _ := strings.Cut(sig, " ")
		ids[name] = uint16(id)
	}
	return ids
}

// Dictionary returns the parsed dictionary, or nil before Identify.
func (m *MCU) Dictionary() *core.DictionaryData {
	return m.dictionary
}

// Constant returns a dictionary constant.
func (m *MCU) Constant(name string) (string, bool) {
	if m.dictionary == nil {
		return "", false
	}
	v, ok := m.dictionary.Config[name]
	return v, ok
}

// Send sends the named command and waits for its acknowledgement.
func (m *MCU) Send(name string, args func(*protocol.Encoder)) error {
	if m.dictionary == nil {
		return ErrNoDictionary
	}
	id, ok := m.commands[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if err := m.transport.SendCommand(id, args); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Query sends the named command and returns the first reply with the named
// response.
func (m *MCU) Query(name string, args func(*protocol.Encoder), response string) (*protocol.Message, error) {
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	id, ok := m.responses[response]
	if !ok {
		return nil, fmt.Errorf("%w: response %s", ErrUnknownCommand, response)
	}
	if err := m.Send(name, args); err != nil {
		return nil, err
	}
	resp, err := m.await(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

// await returns the next response with id, dropping others.
func (m *MCU) await(id uint16) (*protocol.Message, error) {
	deadline := m.clock.Now().Add(m.timeout)
	for {
		wait := deadline.Sub(m.clock.Now())
		if wait <= 0 {
			return nil, fmt.Errorf("%w: no response %d", protocol.ErrResponseTimeout, id)
		}
		resp, err := m.transport.ReceiveResponse(wait)
		if err != nil {
			return nil, err
		}
		if resp.ID == id {
			return resp, nil
		}
		m.log.Debug("unexpected response", zap.Uint16("id", resp.ID), zap.Uint16("want", id))
	}
}

// PrintDictionary writes the dictionary as indented JSON.
func (m *MCU) PrintDictionary(w io.Writer) error {
	if m.dictionary == nil {
		return ErrNoDictionary
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.dictionary); err != nil {
		return err
	}
	_, err := w.Write(out.Bytes())
	return err
}

// CommandNames returns the dictionary's command names, sorted.
func (m *MCU) CommandNames() []string {
	names := make([]string, 0, len(m.commands))
	for name := range m.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
