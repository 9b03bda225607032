package socketcan

import (
	"context"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// Dev is the device surface used by the backend and TXWriter.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all writes to one interface through a single goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a TXWriter with a queue of buf frames.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Debug("socketcan_write_error", "error", err, "bus", fr.Bus, "addr", fr.Addr())
		},
		OnSent: func(fr can.Frame) { metrics.IncBusTx(fr.Bus) },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame; a full queue returns ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Pending returns the number of queued frames.
func (w *TXWriter) Pending() int { return w.base.Pending() }

// Close stops the writer and waits for the worker to exit.
func (w *TXWriter) Close() { w.base.Close() }
