package safety

import "github.com/sigurn/crc8"

var j1850 = crc8.MakeTable(crc8.Params{
	Poly:   0x1D,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0xFF,
	Check:  0x4B,
	Name:   "CRC-8/SAE-J1850",
})

// CRC8J1850 computes CRC-8/SAE-J1850 (poly 0x1D, init 0xFF, xorout 0xFF).
func CRC8J1850(data []byte) uint8 {
	return crc8.Checksum(data, j1850)
}
