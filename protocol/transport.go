package protocol

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// CommandHandler handles one decoded command. It consumes its arguments
// from args.
type CommandHandler func(cmdID uint16, args *Decoder) error

// Transport is the device side of the protocol: it decodes frames from the
// host, dispatches their commands, acknowledges each frame and encodes
// responses.
type Transport struct {
	mu      sync.Mutex
	out     io.Writer
	handler CommandHandler
	log     *zap.Logger
	scan    *Scanner

	// next is the sequence expected from the host; ACKs and responses
	// carry it too
	next    uint8
	onReset func()
}

// NewTransport returns a transport writing acknowledgements and responses
// to out.
func NewTransport(out io.Writer, handler CommandHandler, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		out:     out,
		handler: handler,
		log:     log,
		scan:    NewScanner(),
		next:    MessageDest,
	}
}

// SetResetCallback sets a function called when the host restarts its
// sequence numbering.
func (t *Transport) SetResetCallback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReset = fn
}

// Receive processes stream data from the host. Each complete frame is
// dispatched if its sequence is the expected one, then acknowledged; an
// out-of-order frame is answered with the expected sequence as a NAK.
func (t *Transport) Receive(data []byte) {
	t.mu.Lock()
	_, _ = t.scan.Write(data)
	var frames []Frame
	for {
		f, ok := t.scan.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	t.mu.Unlock()

	for _, f := range frames {
		t.receiveFrame(f)
	}
}

func (t *Transport) receiveFrame(f Frame) {
	t.mu.Lock()
	if f.Seq == MessageDest && t.next != MessageDest {
		t.log.Debug("host reset sequence")
		t.next = MessageDest
		if t.onReset != nil {
			t.onReset()
		}
	}
	accept := f.Seq == t.next
	if accept {
		t.next = nextSeq(f.Seq)
	}
	t.mu.Unlock()

	if accept {
		if err := t.dispatch(f.Payload); err != nil {
			t.log.Debug("command failed", zap.Error(err))
		}
	} else {
		t.log.Debug("out of sequence frame", zap.Uint8("seq", f.Seq))
	}
	if err := t.writeFrame(nil); err != nil {
		t.log.Debug("ack write failed", zap.Error(err))
	}
}

func (t *Transport) dispatch(payload []byte) error {
	d := NewDecoder(payload)
	for d.Len() > 0 {
		id, err := d.Uint()
		if err != nil {
			return fmt.Errorf("command id: %w", err)
		}
		if t.handler == nil {
			return nil
		}
		if err := t.handler(uint16(id), d); err != nil {
			return fmt.Errorf("command %d: %w", id, err)
		}
	}
	return nil
}

// SendCommand encodes and writes a frame holding one command or response.
func (t *Transport) SendCommand(cmdID uint16, args func(*Encoder)) error {
	enc := NewEncoder(make([]byte, 0, 64))
	enc.Uint(uint32(cmdID))
	if args != nil {
		args(enc)
	}
	return t.writeFrame(enc.Result())
}

func (t *Transport) writeFrame(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, err := AppendFrame(nil, t.next, payload)
	if err != nil {
		return err
	}
	_, err = t.out.Write(msg)
	return err
}

// Reset restores the initial sequence and drops buffered input.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = MessageDest
	t.scan.Reset()
}

// Run reads from r until it fails, feeding everything to Receive.
func (t *Transport) Run(r io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.Receive(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
