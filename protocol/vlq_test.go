package protocol

import (
	"bytes"
	"testing"
)

func TestVLQInt(t *testing.T) {
	testCases := []struct {
		v    int32
		size int
	}{
		{0, 1},
		{1, 1},
		{-1, 1},
		{-32, 1},
		{95, 1},
		{96, 2},
		{-33, 2},
		{1000, 2},
		{-1000, 2},
		{65535, 3},
		{1000000, 3},
		{-1000000, 4},
		{1 << 30, 5},
		{-1 << 31, 5},
	}

	for _, tc := range testCases {
		enc := NewEncoder(nil)
		enc.Int(tc.v)
		if enc.Len() != tc.size {
			t.Errorf("%d encoded in %d bytes, want %d", tc.v, enc.Len(), tc.size)
		}

		dec := NewDecoder(enc.Result())
		got, err := dec.Int()
		if err != nil {
			t.Errorf("decode %d: %v", tc.v, err)
			continue
		}
		if got != tc.v {
			t.Errorf("decoded %d, want %d (encoded as %x)", got, tc.v, enc.Result())
		}
		if dec.Len() != 0 {
			t.Errorf("%d: %d bytes left over", tc.v, dec.Len())
		}
	}
}

func TestVLQUint(t *testing.T) {
	for _, v := range []uint32{0, 127, 128, 65535, 1 << 24, 0xffffffff} {
		enc := NewEncoder(nil)
		enc.Uint(v)
		got, err := NewDecoder(enc.Result()).Uint()
		if err != nil || got != v {
			t.Errorf("round trip of %d: got %d, %v", v, got, err)
		}
	}
}

func TestVLQBytesAndStrings(t *testing.T) {
	enc := NewEncoder(nil)
	enc.Uint(7)
	enc.Bytes([]byte{0xde, 0xad})
	enc.Bytes(nil)
	enc.String("spi")
	enc.Bytes(make([]byte, 200))

	dec := NewDecoder(enc.Result())
	if v, _ := dec.Uint(); v != 7 {
		t.Errorf("got %d, want 7", v)
	}
	if b, _ := dec.Bytes(); !bytes.Equal(b, []byte{0xde, 0xad}) {
		t.Errorf("got %x", b)
	}
	if b, err := dec.Bytes(); err != nil || len(b) != 0 {
		t.Errorf("empty bytes: %x, %v", b, err)
	}
	if s, _ := dec.String(); s != "spi" {
		t.Errorf("got %q", s)
	}
	if b, _ := dec.Bytes(); len(b) != 200 {
		t.Errorf("got %d bytes, want 200", len(b))
	}
	if dec.Len() != 0 {
		t.Errorf("%d bytes left over", dec.Len())
	}
}

func TestVLQBufferTooSmall(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x80},       // continuation with nothing after it
		{0x03, 0x01}, // bytes length 3, one byte present
	}
	for i, data := range testCases {
		dec := NewDecoder(data)
		var err error
		if i == 2 {
			_, err = dec.Bytes()
		} else {
			_, err = dec.Int()
		}
		if err != ErrBufferTooSmall {
			t.Errorf("case %d: got %v, want ErrBufferTooSmall", i, err)
		}
	}
}

func TestVLQTooLong(t *testing.T) {
	_, err := NewDecoder([]byte{0x81, 0x81, 0x81, 0x81, 0x81, 0x01}).Int()
	if err != ErrInvalidVLQ {
		t.Errorf("got %v, want ErrInvalidVLQ", err)
	}
}
