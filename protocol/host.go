package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Host transport errors
var (
	ErrAckTimeout      = errors.New("ACK timeout")
	ErrResponseTimeout = errors.New("response timeout")
	ErrClosed          = errors.New("transport closed")
)

// DefaultAckTimeout bounds the wait for a frame acknowledgement.
const DefaultAckTimeout = 2 * time.Second

// Message is a response frame received by the host, with its command id
// decoded.
type Message struct {
	Seq  uint8
	ID   uint16
	Args []byte
}

// Decoder returns a decoder over the message arguments.
func (m *Message) Decoder() *Decoder {
	return NewDecoder(m.Args)
}

// HostTransport is the host side of the protocol: it sends one command
// frame at a time, waits for its acknowledgement and queues responses.
type HostTransport struct {
	port  io.ReadWriteCloser
	log   *zap.Logger
	clock clock.Clock

	sendMu sync.Mutex // one outstanding frame
	seq    uint8

	acks      chan uint8
	responses chan *Message
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// HostOption configures a HostTransport.
type HostOption func(*HostTransport)

// WithHostLogger sets the transport's logger.
func WithHostLogger(log *zap.Logger) HostOption {
	return func(t *HostTransport) {
		t.log = log
	}
}

// WithHostClock sets the clock used for timeouts.
func WithHostClock(c clock.Clock) HostOption {
	return func(t *HostTransport) {
		t.clock = c
	}
}

// NewHostTransport starts a transport reading from port in the background.
func NewHostTransport(port io.ReadWriteCloser, opts ...HostOption) *HostTransport {
	t := &HostTransport{
		port:      port,
		log:       zap.NewNop(),
		clock:     clock.New(),
		seq:       MessageDest,
		acks:      make(chan uint8, 4),
		responses: make(chan *Message, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command and waits for its acknowledgement.
func (t *HostTransport) SendCommand(cmdID uint16, args func(*Encoder)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout is SendCommand with a custom acknowledgement
// timeout.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(*Encoder), timeout time.Duration) error {
	enc := NewEncoder(make([]byte, 0, 64))
	enc.Uint(uint32(cmdID))
	if args != nil {
		args(enc)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	msg, err := AppendFrame(nil, t.seq, enc.Result())
	if err != nil {
		return fmt.Errorf("build command %d: %w", cmdID, err)
	}
	if _, err := t.port.Write(msg); err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}

	want := nextSeq(t.seq)
	timer := t.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case seq := <-t.acks:
			if seq != want {
				// stale ACK or NAK for an earlier frame
				t.log.Debug("unexpected ack", zap.Uint8("seq", seq), zap.Uint8("want", want))
				continue
			}
			t.seq = want
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: command %d after %v", ErrAckTimeout, cmdID, timeout)
		case <-t.stop:
			return ErrClosed
		}
	}
}

// ReceiveResponse returns the next queued response.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := t.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case m := <-t.responses:
		return m, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrResponseTimeout, timeout)
	case <-t.stop:
		return nil, ErrClosed
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	scan := NewScanner()
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			_, _ = scan.Write(buf[:n])
			for {
				f, ok := scan.Next()
				if !ok {
					break
				}
				t.dispatch(f)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.closed() {
				t.log.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

func (t *HostTransport) dispatch(f Frame) {
	if len(f.Payload) == 0 {
		select {
		case t.acks <- f.Seq:
		default:
			t.log.Debug("ack dropped", zap.Uint8("seq", f.Seq))
		}
		return
	}

	d := NewDecoder(f.Payload)
	id, err := d.Uint()
	if err != nil {
		t.log.Debug("bad response", zap.Error(err))
		return
	}
	m := &Message{Seq: f.Seq, ID: uint16(id), Args: f.Payload[len(f.Payload)-d.Len():]}
	select {
	case t.responses <- m:
	default:
		t.log.Debug("response queue full, dropping oldest")
		select {
		case <-t.responses:
		default:
		}
		t.responses <- m
	}
}

func (t *HostTransport) closed() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Close stops the transport and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.port.Close()
		<-t.done
	})
	return err
}

// Sequence returns the sequence byte of the next command frame.
func (t *HostTransport) Sequence() uint8 {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.seq
}
