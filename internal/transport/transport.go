// Package transport holds the frame stream and sink abstractions shared by
// the upstream server and the bus backends.
package transport

import (
	"io"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder encodes batches to bytes or straight to a writer.
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a CAN frame transmission target. Implementations must not
// block the caller on a slow bus.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(can.Frame) error

func (f SinkFunc) SendFrame(fr can.Frame) error { return f(fr) }
