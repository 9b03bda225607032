package safety

import "github.com/kstaniek/can-safety-gateway/internal/can"

// ByteOrder selects how a multi-byte signal is laid out in the payload.
type ByteOrder uint8

const (
	// LittleEndian (Intel): StartBit is the least significant bit.
	LittleEndian ByteOrder = iota
	// BigEndian (Motorola): StartBit is the most significant bit in DBC
	// sawtooth numbering (bit 7 of byte 0 is bit 7, bit 0 of byte 1 is bit 8).
	BigEndian
)

// Signal locates a scalar inside a frame payload.
type Signal struct {
	StartBit uint16
	Width    uint16 // 1..64
	Order    ByteOrder
	Signed   bool
	Scale    float64 // 0 means 1
	Offset   float64
}

// Raw extracts the integer value of s from f. It returns false when the
// signal does not fit inside f's payload.
func (s Signal) Raw(f *can.Frame) (int64, bool) {
	if s.Width == 0 || s.Width > 64 {
		return 0, false
	}
	var v uint64
	switch s.Order {
	case LittleEndian:
		for k := uint16(0); k < s.Width; k++ {
			bit := s.StartBit + k
			b, ok := f.Byte(int(bit / 8))
			if !ok {
				return 0, false
			}
			v |= uint64((b>>(bit%8))&1) << k
		}
	case BigEndian:
		bit := int(s.StartBit)
		for k := uint16(0); k < s.Width; k++ {
			b, ok := f.Byte(bit / 8)
			if !ok {
				return 0, false
			}
			v = v<<1 | uint64((b>>(bit%8))&1)
			if bit%8 == 0 {
				bit += 15
			} else {
				bit--
			}
		}
	default:
		return 0, false
	}
	if s.Signed && s.Width < 64 && v&(1<<(s.Width-1)) != 0 {
		v |= ^uint64(0) << s.Width
	}
	return int64(v), true
}

// Decode returns the physical value raw*Scale + Offset.
func (s Signal) Decode(f *can.Frame) (float64, bool) {
	raw, ok := s.Raw(f)
	if !ok {
		return 0, false
	}
	return s.Physical(raw), true
}

// Physical converts a raw value to physical units.
func (s Signal) Physical(raw int64) float64 {
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(raw)*scale + s.Offset
}

// Put writes raw into f at s's position. Bits beyond Width are dropped.
// It returns false when the signal does not fit inside f's payload.
func (s Signal) Put(f *can.Frame, raw int64) bool {
	if s.Width == 0 || s.Width > 64 {
		return false
	}
	v := uint64(raw)
	set := func(bit int, on bool) bool {
		idx := bit / 8
		if idx >= int(f.Len) || idx >= len(f.Data) {
			return false
		}
		m := byte(1) << (bit % 8)
		if on {
			f.Data[idx] |= m
		} else {
			f.Data[idx] &^= m
		}
		return true
	}
	switch s.Order {
	case LittleEndian:
		for k := uint16(0); k < s.Width; k++ {
			if !set(int(s.StartBit+k), v&(1<<k) != 0) {
				return false
			}
		}
	case BigEndian:
		bit := int(s.StartBit)
		for k := int(s.Width) - 1; k >= 0; k-- {
			if !set(bit, v&(1<<uint(k)) != 0) {
				return false
			}
			if bit%8 == 0 {
				bit += 15
			} else {
				bit--
			}
		}
	default:
		return false
	}
	return true
}
