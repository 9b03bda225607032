package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

func mkFrame(id uint32, n int) can.Frame {
	p := make([]byte, n)
	rand.Read(p)
	return can.NewFrame(0, id, p)
}

func sameFrame(a, b can.Frame) bool {
	return a.Bus == b.Bus && a.CANID == b.CANID && a.Len == b.Len && bytes.Equal(a.Payload(), b.Payload())
}

func TestCodecRoundTripClassicAndFD(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x180, 8),
		mkFrame(0x1BA, 32),
		mkFrame(0x12345, 0),
		mkFrame(0x307, 64),
		mkFrame(0x28C, 3),
	}
	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f.CopyShallow()) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("DecodeN err: %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	for i := range in {
		if !sameFrame(out[i], in[i]) {
			t.Fatalf("frame %d mismatch\n got %v\nwant %v", i, out[i], in[i])
		}
	}
}

func TestCodecFDWireLayout(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode([]can.Frame{mkFrame(0x1BA, 12)})
	if len(wire) != 4+1+1+12 {
		t.Fatalf("wire len %d", len(wire))
	}
	if wire[4] != FDFlag|12 {
		t.Fatalf("len byte 0x%02X", wire[4])
	}
	classic := codec.Encode([]can.Frame{mkFrame(0x180, 8)})
	if len(classic) != 13 || classic[4] != 8 {
		t.Fatalf("classic wire % X", classic)
	}
}

func TestCodecTagsBus(t *testing.T) {
	wire := (&Codec{}).Encode([]can.Frame{mkFrame(0x100, 2)})
	c := Codec{Bus: 2}
	f, err := c.Decode(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}
	if f.Bus != 2 {
		t.Fatalf("bus %d", f.Bus)
	}
}

func TestCodecEncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3), mkFrame(0x12, 48)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"classic len 9", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd len 9", []byte{0, 0, 0, 1, FDFlag | 9, 0}, ErrInvalidLength},
		{"fd len 65", []byte{0, 0, 0, 1, FDFlag | 65, 0}, ErrInvalidLength},
		{"truncated payload", []byte{0, 0, 0, 2, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"truncated header", []byte{0, 0, 0}, ErrTruncatedFrame},
		{"missing fd flags", []byte{0, 0, 0, 2, FDFlag | 12}, ErrTruncatedFrame},
	}
	for _, c := range cases {
		before := metrics.Snap().Malformed
		_, err := codec.Decode(bytes.NewReader(c.wire))
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: err=%v want %v", c.name, err, c.want)
		}
		if metrics.Snap().Malformed <= before {
			t.Fatalf("%s: malformed not counted", c.name)
		}
	}
	if _, err := codec.Decode(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("empty reader err=%v", err)
	}
}

func TestCodecDecodeNLimit(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x1, 1), mkFrame(0x2, 2), mkFrame(0x3, 3)}
	r := bytes.NewReader(codec.Encode(frames))
	n, err := codec.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n, err = codec.DecodeN(r, 2, func(can.Frame) {})
	if n != 1 || !errors.Is(err, io.EOF) {
		t.Fatalf("tail n=%d err=%v", n, err)
	}
}
