package khqr

import "fmt"

const crcPoly = 0x1021

// CRC16 computes CRC-16/CCITT-FALSE (init 0xFFFF, poly 0x1021, MSB first,
// no reflection, no final XOR).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// FormatCRC renders a checksum as 4 uppercase hex digits.
func FormatCRC(v uint16) string {
	return fmt.Sprintf("%04X", v)
}
