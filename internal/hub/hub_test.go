package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	before := metrics.Snap().HubDrops
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.NewFrame(0, 0x123, nil))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected full buffer, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if metrics.Snap().HubDrops-before != 996 {
		t.Fatalf("drops=%d", metrics.Snap().HubDrops-before)
	}
}

func TestBroadcastSlowClientDoesNotStarveOthers(t *testing.T) {
	h := New()
	slow, fast := NewClient(1), NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 10; i++ {
		h.Broadcast(can.NewFrame(0, 0x2, nil))
	}
	if len(fast.Out) != 10 || len(slow.Out) != 1 {
		t.Fatalf("fast=%d slow=%d", len(fast.Out), len(slow.Out))
	}
}

func TestBroadcastKickPolicy(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	h.Broadcast(can.NewFrame(0, 0x1, nil))
	h.Broadcast(can.NewFrame(0, 0x2, nil))
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("client not kicked")
	}
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestBroadcastBusFilter(t *testing.T) {
	h := New()
	cam := NewClient(4)
	cam.Buses = 1 << 2
	all := NewClient(4)
	h.Add(cam)
	h.Add(all)
	h.Broadcast(can.NewFrame(0, 0x180, nil))
	h.Broadcast(can.NewFrame(2, 0x1BA, nil))
	if len(cam.Out) != 1 || len(all.Out) != 2 {
		t.Fatalf("cam=%d all=%d", len(cam.Out), len(all.Out))
	}
	if fr := <-cam.Out; fr.Bus != 2 {
		t.Fatalf("cam got bus %d", fr.Bus)
	}
}

func TestBusMaskAndPolicy(t *testing.T) {
	m := MaskOf(0, 2, 40)
	if m != 0b101 || !m.Has(2) || m.Has(1) || m.Has(40) {
		t.Fatalf("mask %b", m)
	}
	if !BusMask(0).Has(31) {
		t.Fatalf("zero mask must select every bus")
	}
	cases := []struct {
		in   string
		want BackpressurePolicy
		ok   bool
	}{
		{"drop", PolicyDrop, true},
		{"kick", PolicyKick, true},
		{"", PolicyDrop, true},
		{"block", PolicyDrop, false},
	}
	for _, c := range cases {
		got, err := ParsePolicy(c.in)
		if got != c.want || (err == nil) != c.ok {
			t.Fatalf("%q: got %v err %v", c.in, got, err)
		}
	}
	if PolicyKick.String() != "kick" {
		t.Fatalf("String")
	}
}
