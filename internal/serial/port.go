package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream of one UART adapter.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens an adapter at baud, 8N1. readTimeout bounds each Read so the
// RX loop can observe shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud %d", baud)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
