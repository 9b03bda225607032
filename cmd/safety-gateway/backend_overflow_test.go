package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
)

// blockingPort stalls writes to force TX queue overflow.
type blockingPort struct {
	block chan struct{}
	once  sync.Once
}

func (p *blockingPort) Read(b []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}
func (p *blockingPort) Write(b []byte) (int, error) { <-p.block; return len(b), nil }
func (p *blockingPort) Close() error                { p.once.Do(func() { close(p.block) }); return nil }

func TestSerialBackendTxOverflow(t *testing.T) {
	restoreHooks(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp := &blockingPort{block: make(chan struct{})}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return bp, nil }
	beforeErrs := metrics.Snap().Errors

	cfg := &appConfig{baud: 115200, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	sink, cleanup, err := initSerialBackend(ctx, cfg, busBinding{Device: "fake"}, func(can.Frame) {}, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	var overflowErr error
	for i := 0; i < txQueueSize+2; i++ {
		if err := sink.SendFrame(can.NewFrame(0, uint32(i&0x7FF), nil)); err != nil && overflowErr == nil {
			overflowErr = err
		}
	}
	if !errors.Is(overflowErr, serial.ErrTxOverflow) {
		t.Fatalf("expected ErrTxOverflow, got %v", overflowErr)
	}
	if metrics.Snap().Errors == beforeErrs {
		t.Fatalf("expected error metric increment on overflow")
	}
}
