// Package serial drives UART CAN adapters. The adapter carries classic
// frames only.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2 // INS: CAN UART send with 29-bit id field
)

// ErrFDUnsupported is returned when a frame needs CAN-FD.
var ErrFDUnsupported = errors.New("serial: adapter cannot send CAN-FD frames")

// Codec converts between UART envelopes and frames tagged with Bus.
type Codec struct {
	Bus uint8
}

// envelope wraps body as [0x2D, 0xD4, len+1, body..., sum] where sum is
// (len+1) + 0x2D + sum(body) mod 256.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the adapter send command for f.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.FD() {
		return nil, fmt.Errorf("%w: %v", ErrFDUnsupported, f)
	}
	id := f.Addr()
	body := make([]byte, 6+f.Len) // INS, FLAGS|DLC, ID(4), payload
	body[0] = insSendExt
	body[1] = 0x80 | f.Len
	binary.BigEndian.PutUint32(body[2:6], id)
	copy(body[6:], f.Payload())
	return envelope(body), nil
}

// DecodeStream consumes complete envelopes from in and emits frames via out.
// Partial input stays buffered for the next call; garbage is skipped one
// byte at a time and counted as malformed.
//
// Received envelope (DLC=8):
//
//	2D D4 0D 00 00 01 80 34 7B 70 D7 94 10 0D F7 CS
//	      |  |---id---| |-------payload-------|
//	      len = id(4) + payload + checksum(1)
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		minLn = 4 + 0 + 1
		maxLn = 4 + can.MaxClassicLen + 1
	)
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first half of a preamble
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK
		out(can.NewFrame(c.Bus, id, data[7:req-1]))
		in.Next(req)
	}
}
