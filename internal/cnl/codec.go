// Package cnl implements the cannelloni TCP framing used by the upstream
// link, including CAN-FD frames.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// FDFlag marks a CAN-FD frame in the length byte; an FD flags byte follows it.
const FDFlag = 0x80

// Codec encodes/decodes cannelloni frames. Decoded frames are tagged with
// Bus. The codec holds no mutable state and is safe for concurrent use.
type Codec struct {
	Bus uint8
}

var (
	// ErrInvalidLength is returned for lengths a CAN or CAN-FD frame cannot carry.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// Encode packs frames into a single cannelloni packet.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 2 + can.MaxClassicLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns bytes written. Each frame is a
// 4-byte BE CANID, a length byte, an FD flags byte when FDFlag is set, and
// the payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [6]byte
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		h := hdr[:5]
		hdr[4] = f.Len
		if f.FD() {
			hdr[4] |= FDFlag
			hdr[5] = 0
			h = hdr[:6]
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if p := f.Payload(); len(p) > 0 {
			n, err = w.Write(p)
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [5]byte
	if n, err := io.ReadFull(r, idb[:]); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.Bus = c.Bus
	f.CANID = binary.BigEndian.Uint32(idb[:4])
	lb := idb[4]
	ln := lb &^ FDFlag
	if lb&FDFlag != 0 {
		var flags [1]byte
		if _, err := io.ReadFull(r, flags[:]); err != nil {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode fd flags: %w", ErrTruncatedFrame)
		}
		if _, ok := can.LenToDLC(ln); !ok {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode: %w (fd %d)", ErrInvalidLength, ln)
		}
	} else if ln > can.MaxClassicLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = ln
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until an error (if max<=0),
// invoking onFrame for each. It returns the count and the terminal error,
// which can be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
