package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidLen  = errors.New("can: invalid payload length")
	ErrInvalidAddr = errors.New("can: invalid address")
)

// Frame is the CAN / CAN-FD frame holder used across the gateway.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN; Bus is the
// logical bus index the frame was received on (or should be sent to).
// Only the first Len bytes of Data are valid.
type Frame struct {
	Bus   uint8
	CANID uint32
	Len   uint8
	Data  [MaxFDLen]byte
}

// NewFrame builds a frame for bus/addr with a copy of payload. Addresses above
// the 11-bit range get the EFF flag. Payloads longer than 64 bytes are truncated.
func NewFrame(bus uint8, addr uint32, payload []byte) Frame {
	var f Frame
	f.Bus = bus
	f.CANID = addr & CAN_EFF_MASK
	if addr > CAN_SFF_MASK {
		f.CANID |= CAN_EFF_FLAG
	}
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// Addr returns the 11- or 29-bit arbitration id without flag bits.
func (f *Frame) Addr() uint32 {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f *Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// FD reports whether the payload length needs a CAN-FD frame.
func (f *Frame) FD() bool { return f.Len > MaxClassicLen }

// Payload returns the valid bytes of the frame.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxFDLen {
		n = MaxFDLen
	}
	return f.Data[:n]
}

// Byte returns payload byte i. Reads past Len report ok=false instead of
// returning stale buffer contents.
func (f *Frame) Byte(i int) (byte, bool) {
	if i < 0 || i >= int(f.Len) || i >= MaxFDLen {
		return 0, false
	}
	return f.Data[i], true
}

// Validate checks the length against the CAN-FD DLC table and the address
// against the 11/29-bit range implied by the EFF flag.
func (f *Frame) Validate() error {
	if _, ok := LenToDLC(f.Len); !ok {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	if f.CANID&CAN_EFF_FLAG == 0 && f.CANID&CAN_EFF_MASK > CAN_SFF_MASK {
		return fmt.Errorf("%w: 0x%X", ErrInvalidAddr, f.CANID)
	}
	return nil
}

func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%03X [%d]", f.Bus, f.Addr(), f.Len)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.Bus, g.CANID, g.Len = f.Bus, f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}

var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a 4-bit data length code to a payload length.
func DLCToLen(dlc uint8) uint8 { return dlcToLen[dlc&0x0F] }

// LenToDLC maps a payload length to its data length code. Lengths between the
// CAN-FD steps (e.g. 9..11) are not representable.
func LenToDLC(n uint8) (uint8, bool) {
	for dlc, l := range dlcToLen {
		if l == n {
			return uint8(dlc), true
		}
	}
	return 0, false
}
