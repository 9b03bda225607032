package server

import (
	"log/slog"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
)

type ServerOption func(*Server)

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithCodec(c Codec) ServerOption       { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.Send = send } }

// WithFrameFilter drops upstream frames for which fn returns false before
// they reach Send.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

// WithBuses limits what clients receive to the given bus indices.
func WithBuses(buses ...uint8) ServerOption {
	return func(s *Server) { s.buses = hub.MaskOf(buses...) }
}

// positive returns an option setting *field(s) to v when v > 0.
func positive[T int | time.Duration](v T, field func(*Server) *T) ServerOption {
	return func(s *Server) {
		if v > 0 {
			*field(s) = v
		}
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return positive(d, func(s *Server) *time.Duration { return &s.flushInterval })
}

func WithBatchSize(n int) ServerOption {
	return positive(n, func(s *Server) *int { return &s.batchSize })
}

func WithReadDeadline(d time.Duration) ServerOption {
	return positive(d, func(s *Server) *time.Duration { return &s.readDeadline })
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return positive(d, func(s *Server) *time.Duration { return &s.handshakeTimeout })
}

// WithMaxClients caps concurrent clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return positive(n, func(s *Server) *int { return &s.maxClients })
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
