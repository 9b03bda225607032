package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
	"github.com/kstaniek/can-safety-gateway/internal/socketcan"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// fakeSerialPort delivers reads once, then idles with EOF.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, f.reads[f.idx])
	f.idx++
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.writes) }

type fakeSocketDev struct {
	mu       sync.Mutex
	frames   []can.Frame
	idx      int
	errAfter bool
	sent     []can.Frame
}

func (d *fakeSocketDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx < len(d.frames) {
		*fr = d.frames[d.idx]
		d.idx++
		return nil
	}
	if d.errAfter {
		return io.ErrUnexpectedEOF
	}
	time.Sleep(10 * time.Millisecond)
	return io.EOF
}

func (d *fakeSocketDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	d.sent = append(d.sent, fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeSocketDev) Close() error { return nil }

func (d *fakeSocketDev) written() int { d.mu.Lock(); defer d.mu.Unlock(); return len(d.sent) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// serTestWireEnvelope builds an adapter RX envelope around body.
func serTestWireEnvelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = 0x2D
	out[1] = 0xD4
	out[2] = byte(n + 1)
	sum := out[2] + 0x2D
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// rxRecorder collects frames passed to the gateway rx callback.
type rxRecorder struct {
	ch chan can.Frame
}

func newRxRecorder() *rxRecorder { return &rxRecorder{ch: make(chan can.Frame, 16)} }

func (r *rxRecorder) rx(fr can.Frame) { r.ch <- fr }

func (r *rxRecorder) wait(t *testing.T) can.Frame {
	t.Helper()
	select {
	case fr := <-r.ch:
		return fr
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for frame")
	}
	return can.Frame{}
}

func restoreHooks(t *testing.T) {
	t.Cleanup(func() {
		openSerialPort = serial.Open
		openSocketCANDevice = func(iface string, bus uint8) (socketcan.Dev, error) {
			d, err := socketcan.Open(iface, bus)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		sleepFn = time.Sleep
	})
}

func TestInitSerialBackendTagsBus(t *testing.T) {
	restoreHooks(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := []byte{0x00, 0x00, 0x01, 0x23, 0xAA, 0xBB}
	port := &fakeSerialPort{reads: [][]byte{serTestWireEnvelope(body)}}
	var gotBaud int
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		gotBaud = baud
		return port, nil
	}

	rec := newRxRecorder()
	cfg := &appConfig{baud: 115200, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	sink, cleanup, err := initSerialBackend(ctx, cfg, busBinding{Bus: 2, Backend: "serial", Device: "fake", Baud: 500000}, rec.rx, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	fr := rec.wait(t)
	if fr.Bus != 2 || fr.Addr() != 0x123 || fr.Len != 2 || fr.Data[0] != 0xAA {
		t.Fatalf("unexpected frame %v", fr)
	}
	if gotBaud != 500000 {
		t.Fatalf("per-bus baud not used: %d", gotBaud)
	}

	before := metrics.Snap().BusTx
	if err := sink.SendFrame(can.NewFrame(2, 0x321, []byte{1, 2, 3})); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for port.written() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if port.written() != 1 {
		t.Fatal("frame not written to port")
	}
	cancel()
	cleanup()
	wg.Wait()
	if metrics.Snap().BusTx <= before {
		t.Fatal("bus tx metric not incremented")
	}
}

func TestInitSocketCANBackend(t *testing.T) {
	restoreHooks(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frame := can.NewFrame(0, 0x555, []byte{1, 2, 3})
	dev := &fakeSocketDev{frames: []can.Frame{frame}, errAfter: true}
	openSocketCANDevice = func(iface string, bus uint8) (socketcan.Dev, error) { return dev, nil }
	sleepFn = func(time.Duration) {}

	before := metrics.Snap().Errors
	rec := newRxRecorder()
	var wg sync.WaitGroup
	sink, cleanup, err := initSocketCANBackend(ctx, busBinding{Bus: 0, Backend: "socketcan", Device: "vcan0"}, rec.rx, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSocketCANBackend: %v", err)
	}
	if fr := rec.wait(t); fr.Addr() != 0x555 || fr.Len != 3 {
		t.Fatalf("unexpected frame %v", fr)
	}
	if err := sink.SendFrame(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for (dev.written() == 0 || metrics.Snap().Errors == before) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	cleanup()
	wg.Wait()
	if dev.written() != 1 {
		t.Fatalf("written %d", dev.written())
	}
	if metrics.Snap().Errors == before {
		t.Fatal("expected read error to be counted")
	}
}

func TestInitBackendsBindsAndRollsBack(t *testing.T) {
	restoreHooks(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openSocketCANDevice = func(iface string, bus uint8) (socketcan.Dev, error) {
		if iface == "broken" {
			return nil, errors.New("no such device")
		}
		return &fakeSocketDev{}, nil
	}
	set := transport.NewBusSet()
	cfg := &appConfig{buses: []busBinding{
		{Bus: 0, Backend: "socketcan", Device: "vcan0"},
		{Bus: 2, Backend: "socketcan", Device: "vcan1"},
	}}
	var wg sync.WaitGroup
	cleanup, err := initBackends(ctx, cfg, func(can.Frame) {}, set, testLogger(), &wg)
	if err != nil {
		t.Fatal(err)
	}
	if b := set.Buses(); len(b) != 2 || b[0] != 0 || b[1] != 2 {
		t.Fatalf("bound %v", b)
	}
	cancel()
	cleanup()
	wg.Wait()
	if len(set.Buses()) != 0 {
		t.Fatalf("cleanup left %v bound", set.Buses())
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	set2 := transport.NewBusSet()
	cfg.buses[1].Device = "broken"
	var wg2 sync.WaitGroup
	if _, err := initBackends(ctx2, cfg, func(can.Frame) {}, set2, testLogger(), &wg2); err == nil {
		t.Fatal("expected error")
	}
	if len(set2.Buses()) != 0 {
		t.Fatalf("partial init left %v bound", set2.Buses())
	}
	cancel2()
	wg2.Wait()
}
