// Package server accepts upstream driving computers over cannelloni/TCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/cnl"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// SendFunc submits a frame received from an upstream client. In the daemon
// it is gateway.Propose, so every frame passes the safety engine first.
type SendFunc func(can.Frame) error

// Codec is the wire format spoken with clients. *cnl.Codec implements it.
type Codec interface {
	transport.FrameDecoder
	transport.FrameBatchEncoder
}

var (
	_ Codec                       = (*cnl.Codec)(nil)
	_ transport.MultiFrameDecoder = (*cnl.Codec)(nil)
)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
	acceptRetryDelay        = 200 * time.Millisecond
)

// counters are cumulative; Stats copies them.
type counters struct {
	accepted, handshakeFail, connected, disconnected atomic.Uint64
	submitted, rejected, overflow, noRoute, failed   atomic.Uint64
}

// Server mirrors bus traffic from Hub to every client and submits the
// frames clients send through Send.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec Codec
	Send  SendFunc
	buses hub.BusMask // subscription for new clients

	frameFilter      func(*can.Frame) bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener  net.Listener
	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup
	logger    *slog.Logger
	connSeq   atomic.Uint64
	n         counters
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// LastError returns the most recent transport or backend error.
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// fail records err as the last error, counts it and offers it on Errors.
func (s *Server) fail(sentinel error, cause error) error {
	err := fmt.Errorf("%w: %v", sentinel, cause)
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Serve listens and accepts clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.Addr()
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return s.fail(ErrAccept, err)
		}
		s.n.accepted.Add(1)
		s.admit(ctx, conn)
	}
}

// admit runs the hello exchange and the capacity check, then starts the
// connection's reader and writer. Rejected connections are closed.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	l := s.logger.With("conn_id", s.connSeq.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.n.handshakeFail.Add(1)
		l.Warn("handshake_failed", "error", s.fail(ErrHandshake, err))
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		l.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	cl := s.register(conn)
	s.n.connected.Add(1)
	l.Info("client_connected", "buses", cl.Buses)
	s.startWriter(ctx.Done(), conn, cl, l)
	s.startReader(ctx.Done(), conn, cl, l)
}

func (s *Server) register(conn net.Conn) *hub.Client {
	size := defaultClientBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		size = s.Hub.OutBufSize
	}
	cl := hub.NewClient(size)
	cl.Buses = s.buses
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	return cl
}

func (s *Server) unregister(cl *hub.Client) {
	if s.Hub != nil {
		s.Hub.Remove(cl)
	}
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// Stats are cumulative connection and submission counters.
type Stats struct {
	Accepted        uint64
	HandshakeFail   uint64
	Connected       uint64
	Disconnected    uint64
	Submitted       uint64
	Rejected        uint64
	BackendOverflow uint64
	NoRoute         uint64
	BackendErrors   uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.n.accepted.Load(),
		HandshakeFail:   s.n.handshakeFail.Load(),
		Connected:       s.n.connected.Load(),
		Disconnected:    s.n.disconnected.Load(),
		Submitted:       s.n.submitted.Load(),
		Rejected:        s.n.rejected.Load(),
		BackendOverflow: s.n.overflow.Load(),
		NoRoute:         s.n.noRoute.Load(),
		BackendErrors:   s.n.failed.Load(),
	}
}

// Shutdown closes the listener and all client connections and waits for
// their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	conns := make(map[*hub.Client]net.Conn, len(s.clients))
	for cl, conn := range s.clients {
		conns[cl] = conn
	}
	s.clientsMu.Unlock()
	for cl, conn := range conns {
		_ = conn.Close()
		s.unregister(cl)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.logger.Info("shutdown_summary",
		"accepted", st.Accepted,
		"handshake_fail", st.HandshakeFail,
		"connected", st.Connected,
		"disconnected", st.Disconnected,
		"submitted", st.Submitted,
		"rejected", st.Rejected,
		"backend_overflow", st.BackendOverflow,
		"no_route", st.NoRoute,
		"backend_errors", st.BackendErrors,
	)
	return nil
}
