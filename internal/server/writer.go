package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// connWriter batches hub frames for one client and flushes them on size or
// on the flush tick.
type connWriter struct {
	s     *Server
	conn  net.Conn
	batch []can.Frame
}

func (w *connWriter) add(fr can.Frame) error {
	w.batch = append(w.batch, fr)
	if len(w.batch) >= w.s.batchSize {
		return w.flush()
	}
	return nil
}

func (w *connWriter) flush() error {
	if len(w.batch) == 0 {
		return nil
	}
	n := len(w.batch)
	_, err := w.s.Codec.EncodeTo(w.conn, w.batch)
	w.batch = w.batch[:0]
	if err != nil {
		return w.s.fail(ErrConnWrite, err)
	}
	metrics.AddTCPTx(n)
	return nil
}

// startWriter pushes hub frames to one client until the client is closed,
// a write fails or ctxDone fires.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(2)
	stop := make(chan struct{})
	// A kicked client may be wedged in Write; closing the conn unblocks it.
	go func() {
		defer s.wg.Done()
		select {
		case <-cl.Closed:
			_ = conn.Close()
		case <-stop:
		}
	}()
	go func() {
		defer s.wg.Done()
		defer func() {
			close(stop)
			_ = conn.Close()
			s.unregister(cl)
			s.n.disconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		w := &connWriter{s: s, conn: conn, batch: make([]can.Frame, 0, s.batchSize)}
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		for {
			select {
			case fr := <-cl.Out:
				if w.add(fr) != nil {
					return
				}
			case <-t.C:
				if w.flush() != nil {
					return
				}
			case <-cl.Closed:
				return
			case <-ctxDone:
				_ = w.flush()
				return
			}
		}
	}()
}
