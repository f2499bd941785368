// Package protocol implements the framed command protocol between a host
// and the SPI engine: VLQ argument encoding, CRC16-checked frames with
// sequence numbers, and the device and host transports.
package protocol

// Frame layout: len, seq, payload..., crc_hi, crc_lo, sync
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 255
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin

	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Sequence bytes carry MessageDest in the high nibble and a 4-bit
	// counter in the low nibble.
	MessageDest    = 0x10
	MessageSeqMask = 0x0F
)

// nextSeq returns the sequence byte following seq.
func nextSeq(seq uint8) uint8 {
	return (seq+1)&MessageSeqMask | MessageDest
}
