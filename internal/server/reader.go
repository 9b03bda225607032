package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

const readBatch = 16

// startReader decodes upstream frames and hands each to submit until the
// connection ends or the client is closed.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		submit := func(fr can.Frame) { s.submit(fr, logger) }
		mfd, multi := s.Codec.(transport.MultiFrameDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var err error
			if multi {
				_, err = mfd.DecodeN(conn, readBatch, submit)
			} else {
				var fr can.Frame
				if fr, err = s.Codec.Decode(conn); err == nil {
					submit(fr)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				logger.Debug("conn_read_error", "error", s.fail(ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// submit hands one upstream frame to Send and counts the outcome.
func (s *Server) submit(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	s.n.submitted.Add(1)
	err := s.Send(fr)
	id := fmt.Sprintf("0x%X", fr.Addr())
	switch classifySend(err) {
	case sendOK:
	case sendRejected:
		s.n.rejected.Add(1)
		logger.Debug("upstream_rejected", "bus", fr.Bus, "addr", id, "len", fr.Len)
	case sendOverflow:
		s.n.overflow.Add(1)
		logger.Debug("backend_overflow_drop", "bus", fr.Bus, "addr", id)
	case sendNoRoute:
		s.n.noRoute.Add(1)
		logger.Debug("upstream_no_route", "bus", fr.Bus, "addr", id)
	default:
		logger.Error("backend_tx_error", "error", s.fail(ErrBackendTx, err), "bus", fr.Bus, "addr", id)
		s.n.failed.Add(1)
	}
}
