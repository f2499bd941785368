package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// Encoder appends VLQ-encoded arguments to a byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder appending to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Int appends a signed integer. Values in [-32, 96) take one byte; each
// further byte carries 7 more bits, most significant first.
func (e *Encoder) Int(v int32) {
	if !(-(1<<26) <= v && v < (3<<26)) {
		e.buf = append(e.buf, byte((v>>28)&0x7F)|0x80)
	}
	if !(-(1<<19) <= v && v < (3<<19)) {
		e.buf = append(e.buf, byte((v>>21)&0x7F)|0x80)
	}
	if !(-(1<<12) <= v && v < (3<<12)) {
		e.buf = append(e.buf, byte((v>>14)&0x7F)|0x80)
	}
	if !(-(1<<5) <= v && v < (3<<5)) {
		e.buf = append(e.buf, byte((v>>7)&0x7F)|0x80)
	}
	e.buf = append(e.buf, byte(v&0x7F))
}

// Uint appends an unsigned integer.
func (e *Encoder) Uint(v uint32) {
	e.Int(int32(v))
}

// Bytes appends a length-prefixed byte string.
func (e *Encoder) Bytes(b []byte) {
	e.Uint(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) {
	e.Uint(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Result returns the encoded bytes.
func (e *Encoder) Result() []byte {
	return e.buf
}

// Decoder consumes VLQ-encoded arguments from a byte slice.
type Decoder struct {
	data []byte
}

// NewDecoder returns a decoder reading data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Int decodes a signed integer.
func (d *Decoder) Int() (int32, error) {
	if len(d.data) == 0 {
		return 0, ErrBufferTooSmall
	}
	c := uint32(d.data[0])
	d.data = d.data[1:]

	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F) // sign extend
	}
	for n := 0; c&0x80 != 0; n++ {
		if n == 4 {
			return 0, ErrInvalidVLQ
		}
		if len(d.data) == 0 {
			return 0, ErrBufferTooSmall
		}
		c = uint32(d.data[0])
		d.data = d.data[1:]
		v = v<<7 | c&0x7F
	}
	return int32(v), nil
}

// Uint decodes an unsigned integer.
func (d *Decoder) Uint() (uint32, error) {
	v, err := d.Int()
	return uint32(v), err
}

// Bytes decodes a length-prefixed byte string. The result aliases the
// decoder's input.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint()
	if err != nil {
		return nil, err
	}
	if uint32(len(d.data)) < n {
		return nil, ErrBufferTooSmall
	}
	b := d.data[:n:n]
	d.data = d.data[n:]
	return b, nil
}

// String decodes a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// Len returns the number of bytes left.
func (d *Decoder) Len() int {
	return len(d.data)
}
