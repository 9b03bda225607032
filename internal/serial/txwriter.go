package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all writes to one adapter through a single goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a TXWriter with a queue of buf frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		wire, err := codec.Encode(fr)
		if err != nil {
			return err
		}
		_, err = sp.Write(wire)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err, "bus", fr.Bus, "addr", fr.Addr())
		},
		OnSent: func(fr can.Frame) { metrics.IncBusTx(fr.Bus) },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame; a full queue returns ErrTxOverflow.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Pending returns the number of queued frames.
func (w *TXWriter) Pending() int { return w.base.Pending() }

// Close stops the writer and waits for the worker to exit.
func (w *TXWriter) Close() { w.base.Close() }
