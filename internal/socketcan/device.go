//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// canfdMTU is sizeof(struct canfd_frame); golang.org/x/sys/unix only defines CAN_MTU.
const canfdMTU = 72

// Device is a raw CAN socket bound to one interface. Frames read from it are
// tagged with its bus index.
type Device struct {
	fd   int
	bus  uint8
	fdOK bool
}

// Open binds a raw socket to iface and enables CAN-FD frames when the kernel
// supports them.
func Open(iface string, bus uint8) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fdOK := true
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("enable CAN FD: %w", err)
		}
		fdOK = false
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, bus: bus, fdOK: fdOK}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic or FD frame.
//
//	struct can_frame / canfd_frame (linux/can.h), host byte order:
//	  can_id  u32   [0:4]  EFF/RTR/ERR flags included
//	  len     u8    [4]
//	  flags   u8    [5]    FD only
//	  pad     2B    [6:8]
//	  data          [8:16] classic, [8:72] FD
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	return decode(buf[:n], d.bus, fr)
}

// WriteFrame writes fr, using the FD layout when the payload needs it.
func (d *Device) WriteFrame(fr can.Frame) error {
	if fr.FD() && !d.fdOK {
		return fmt.Errorf("%w: %v", ErrFDUnsupported, fr)
	}
	var buf [canfdMTU]byte
	n := encode(fr, buf[:])
	_, err := unix.Write(d.fd, buf[:n])
	return err
}

func decode(b []byte, bus uint8, fr *can.Frame) error {
	max := 0
	switch len(b) {
	case unix.CAN_MTU:
		max = can.MaxClassicLen
	case canfdMTU:
		max = can.MaxFDLen
	default:
		return fmt.Errorf("short read: %d", len(b))
	}
	ln := int(b[4])
	if ln > max {
		ln = max
	}
	fr.Bus = bus
	fr.CANID = binary.LittleEndian.Uint32(b[0:4])
	fr.Len = uint8(ln)
	copy(fr.Data[:], b[8:8+ln])
	return nil
}

func encode(fr can.Frame, buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Payload())
	if fr.FD() {
		return canfdMTU
	}
	return unix.CAN_MTU
}
