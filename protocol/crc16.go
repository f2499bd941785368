package protocol

// crcSeed is the initial value of the frame checksum.
const crcSeed = 0xFFFF

// CRC16 returns the frame checksum of data (CRC-16/MCRF4XX, as Klipper
// computes it).
func CRC16(data []byte) uint16 {
	return UpdateCRC16(crcSeed, data)
}

// UpdateCRC16 folds data into a running checksum.
func UpdateCRC16(crc uint16, data []byte) uint16 {
	for _, v := range data {
		v ^= byte(crc)
		v ^= v << 4
		w := uint16(v)
		crc = (w<<8 | crc>>8) ^ w>>4 ^ w<<3
	}
	return crc
}
