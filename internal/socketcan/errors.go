package socketcan

import "errors"

var (
	ErrTxOverflow    = errors.New("socketcan tx overflow")
	ErrFDUnsupported = errors.New("socketcan: interface has no CAN-FD support")
)
