package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
)

// fakeErrPort always fails reads to drive the backoff.
type fakeErrPort struct{}

func (f *fakeErrPort) Read(p []byte) (int, error)  { return 0, io.ErrNoProgress }
func (f *fakeErrPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeErrPort) Close() error                { return nil }

func TestSerialBackendBackoffProgression(t *testing.T) {
	restoreHooks(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return &fakeErrPort{}, nil }

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
	}

	cfg := &appConfig{baud: 9600, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	_, cleanup, err := initSerialBackend(ctx, cfg, busBinding{Device: "fake"}, func(can.Frame) {}, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	wg.Wait()
	cleanup()

	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond,
		160 * time.Millisecond, 320 * time.Millisecond, rxBackoffMax}
	if len(seen) != len(want) {
		t.Fatalf("samples %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("backoff[%d]=%v want %v (all %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if d := nextBackoff(rxBackoffMax); d != rxBackoffMax {
		t.Fatalf("got %v", d)
	}
	if d := nextBackoff(rxBackoffMin); d != 2*rxBackoffMin {
		t.Fatalf("got %v", d)
	}
}
