package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// FuzzCodecDecode feeds arbitrary bytes to the decoder; every decoded frame
// must carry a representable length.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	seeds := [][]can.Frame{{mkFrame(0x100, 0)}, {mkFrame(0x200, 8)}, {mkFrame(0x300, 3), mkFrame(0x301, 64)}}
	for _, s := range seeds {
		f.Add(c.Encode(s))
	}
	f.Add([]byte{0, 0, 0, 1, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		var got []can.Frame
		_, err := c.DecodeN(r, 16, func(fr can.Frame) { got = append(got, fr) })
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrInvalidLength) && !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("unexpected error class: %v", err)
		}
		for _, fr := range got {
			if _, ok := can.LenToDLC(fr.Len); !ok {
				t.Fatalf("decoded unrepresentable length %d", fr.Len)
			}
		}
	})
}
