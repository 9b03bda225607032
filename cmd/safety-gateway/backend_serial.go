package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// initSerialBackend opens a UART adapter for one bus and launches its RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, b busBinding, rx func(can.Frame), l *slog.Logger, wg *sync.WaitGroup) (transport.FrameSink, func(), error) {
	baud := b.Baud
	if baud == 0 {
		baud = cfg.baud
	}
	sp, err := openSerialPort(b.Device, baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial %s: %w", b.Device, err)
	}
	l.Info("serial_open", "device", b.Device, "baud", baud)
	codec := serial.Codec{Bus: b.Bus}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, rx)
				if acc.Len() == 0 && acc.Cap() > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					l.Error("serial_device_lost", "error", err)
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
			}
		}
	}()
	return w, func() { _ = sp.Close(); w.Close() }, nil
}
