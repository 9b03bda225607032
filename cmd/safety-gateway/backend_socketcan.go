package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/socketcan"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string, bus uint8) (socketcan.Dev, error) {
	d, err := socketcan.Open(iface, bus)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// initSocketCANBackend opens a raw CAN socket for one bus and launches its
// RX loop.
func initSocketCANBackend(ctx context.Context, b busBinding, rx func(can.Frame), l *slog.Logger, wg *sync.WaitGroup) (transport.FrameSink, func(), error) {
	dev, err := openSocketCANDevice(b.Device, b.Bus)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", b.Device, err)
	}
	l.Info("socketcan_open", "if", b.Device)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			rx(fr)
			backoff = rxBackoffMin
		}
	}()
	return tw, func() { _ = dev.Close(); tw.Close() }, nil
}
