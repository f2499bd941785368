package protocol

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type frameLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *frameLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *frameLog) frames(t *testing.T) []Frame {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	s := NewScanner()
	s.Write(l.buf.Bytes())
	var out []Frame
	for {
		f, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestTransportAcksAndDispatches(t *testing.T) {
	out := &frameLog{}
	var got []uint32
	tr := NewTransport(out, func(id uint16, args *Decoder) error {
		v, err := args.Uint()
		got = append(got, uint32(id), v)
		return err
	}, nil)

	enc := NewEncoder(nil)
	enc.Uint(3)
	enc.Uint(300)
	enc.Uint(4)
	enc.Uint(5)
	tr.Receive(mustFrame(t, MessageDest, enc.Result()))

	if want := []uint32{3, 300, 4, 5}; len(got) != 4 || got[0] != want[0] || got[1] != want[1] || got[3] != want[3] {
		t.Errorf("dispatched %v, want %v", got, want)
	}
	frames := out.frames(t)
	if len(frames) != 1 || frames[0].Seq != 0x11 || len(frames[0].Payload) != 0 {
		t.Errorf("ack frames %+v", frames)
	}
}

func TestTransportNaksOutOfOrder(t *testing.T) {
	out := &frameLog{}
	calls := 0
	tr := NewTransport(out, func(uint16, *Decoder) error { calls++; return nil }, nil)

	tr.Receive(mustFrame(t, 0x10, nil))
	tr.Receive(mustFrame(t, 0x13, []byte{1})) // skipped ahead
	tr.Receive(mustFrame(t, 0x11, []byte{1}))

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	frames := out.frames(t)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []uint8{0x11, 0x11, 0x12} {
		if frames[i].Seq != want {
			t.Errorf("ack %d seq %02x, want %02x", i, frames[i].Seq, want)
		}
	}
}

func TestTransportHostReset(t *testing.T) {
	out := &frameLog{}
	tr := NewTransport(out, nil, nil)
	resets := 0
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(mustFrame(t, 0x10, nil))
	tr.Receive(mustFrame(t, 0x11, nil))
	tr.Receive(mustFrame(t, 0x10, nil))
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestTransportHandlerErrorKeepsGoing(t *testing.T) {
	out := &frameLog{}
	tr := NewTransport(out, func(uint16, *Decoder) error { return errors.New("boom") }, nil)
	tr.Receive(mustFrame(t, 0x10, []byte{1}))
	tr.Receive(mustFrame(t, 0x11, []byte{1}))
	if n := len(out.frames(t)); n != 2 {
		t.Errorf("got %d acks, want 2", n)
	}
}

func TestHostDeviceRoundTrip(t *testing.T) {
	hostConn, devConn := net.Pipe()

	const echoID, replyID = 7, 8
	var dev *Transport
	dev = NewTransport(devConn, func(id uint16, args *Decoder) error {
		data, err := args.Bytes()
		if err != nil {
			return err
		}
		return dev.SendCommand(replyID, func(e *Encoder) { e.Bytes(data) })
	}, nil)
	go dev.Run(devConn)

	host := NewHostTransport(hostConn)
	defer host.Close()

	for i := range 20 {
		payload := bytes.Repeat([]byte{byte(i)}, i*10)
		if err := host.SendCommand(echoID, func(e *Encoder) { e.Bytes(payload) }); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		m, err := host.ReceiveResponse(time.Second)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if m.ID != replyID {
			t.Errorf("response id %d, want %d", m.ID, replyID)
		}
		got, err := m.Decoder().Bytes()
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("response %d payload %x, %v", i, got, err)
		}
	}
	if seq := host.Sequence(); seq != 0x10|20&MessageSeqMask {
		t.Errorf("host sequence %02x", seq)
	}
}

func TestHostAckTimeout(t *testing.T) {
	hostConn, devConn := net.Pipe()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := devConn.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostConn)
	defer host.Close()
	err := host.SendCommandWithTimeout(1, nil, 10*time.Millisecond)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("got %v, want ErrAckTimeout", err)
	}
	if _, err := host.ReceiveResponse(10 * time.Millisecond); !errors.Is(err, ErrResponseTimeout) {
		t.Errorf("got %v, want ErrResponseTimeout", err)
	}
}

func TestHostClose(t *testing.T) {
	hostConn, _ := net.Pipe()
	host := NewHostTransport(hostConn)
	if err := host.Close(); err != nil {
		t.Fatal(err)
	}
	if err := host.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := host.ReceiveResponse(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
