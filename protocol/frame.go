package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrFrameTooLong indicates a payload that does not fit one frame.
var ErrFrameTooLong = errors.New("frame too long")

// Frame is one decoded message block.
type Frame struct {
	Seq     uint8
	Payload []byte // empty for ACK/NAK frames
}

// AppendFrame appends a complete frame carrying payload to dst.
func AppendFrame(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	n := MessageLengthMin + len(payload)
	if n > MessageLengthMax {
		return dst, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLong, n, MessageLengthMax)
	}
	start := len(dst)
	dst = append(dst, byte(n), seq)
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync), nil
}

// Scanner extracts frames from a byte stream. On a malformed frame it
// discards input up to the next sync byte and carries on.
type Scanner struct {
	buf     []byte
	synced  bool
	dropped int
	resyncs int
}

// NewScanner returns a synchronized scanner.
func NewScanner() *Scanner {
	return &Scanner{synced: true}
}

// Write appends stream data. It never fails.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, if one is buffered. The payload is
// a copy and stays valid after further writes.
func (s *Scanner) Next() (Frame, bool) {
	for len(s.buf) > 0 {
		if !s.synced {
			i := bytes.IndexByte(s.buf, MessageValueSync)
			if i < 0 {
				s.drop(len(s.buf))
				break
			}
			s.drop(i + 1)
			s.synced = true
			continue
		}
		if s.buf[0] == MessageValueSync {
			s.buf = s.buf[1:]
			continue
		}
		if len(s.buf) < MessageLengthMin {
			break
		}

		n := int(s.buf[MessagePositionLen])
		seq := s.buf[MessagePositionSeq]
		if n < MessageLengthMin || seq&^MessageSeqMask != MessageDest {
			s.desync()
			continue
		}
		if len(s.buf) < n {
			break
		}
		if s.buf[n-MessageTrailerSync] != MessageValueSync {
			s.desync()
			continue
		}
		crc := uint16(s.buf[n-MessageTrailerCRC])<<8 | uint16(s.buf[n-MessageTrailerCRC+1])
		if crc != CRC16(s.buf[:n-MessageTrailerSize]) {
			s.desync()
			continue
		}

		f := Frame{
			Seq:     seq,
			Payload: bytes.Clone(s.buf[MessageHeaderSize : n-MessageTrailerSize]),
		}
		s.buf = s.buf[n:]
		s.compact()
		return f, true
	}
	s.compact()
	return Frame{}, false
}

func (s *Scanner) desync() {
	s.synced = false
	s.resyncs++
}

func (s *Scanner) drop(n int) {
	s.dropped += n
	s.buf = s.buf[n:]
}

func (s *Scanner) compact() {
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}
}

// Synced reports whether the scanner is aligned to frame boundaries.
func (s *Scanner) Synced() bool {
	return s.synced
}

// Stats returns the bytes discarded and the number of resynchronizations.
func (s *Scanner) Stats() (dropped, resyncs int) {
	return s.dropped, s.resyncs
}

// Reset discards buffered input.
func (s *Scanner) Reset() {
	s.buf = nil
	s.synced = true
}
