package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

func BenchmarkCodecEncodeTo(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = codec.EncodeTo(&buf, frames)
	}
}

func BenchmarkCodecDecodeNFD(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x300+i), 32)
	}
	wire := codec.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = codec.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
