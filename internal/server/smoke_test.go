package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/cnl"
	"github.com/kstaniek/can-safety-gateway/internal/gateway"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/serial"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    func(can.Frame) error
}

func (c *capture) send(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, fr)
	if c.err != nil {
		return c.err(fr)
	}
	return nil
}

func (c *capture) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.frames) }

func (c *capture) get(i int) can.Frame { c.mu.Lock(); defer c.mu.Unlock(); return c.frames[i] }

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithHandshakeTimeout(time.Second)}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSmokeBidirectional(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	cp := &capture{}
	srv := startServer(t, ctx, WithHub(h), WithCodec(&cnl.Codec{Bus: 0}), WithSend(cp.send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })

	// upstream -> gateway, including an FD frame
	up := []can.Frame{
		can.NewFrame(0, 0x1BA, make([]byte, 32)),
		can.NewFrame(0, 0x17E, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
	}
	codec := &cnl.Codec{}
	if _, err := c.Write(codec.Encode(up)); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "upstream frames", func() bool { return cp.count() == 2 })
	if fr := cp.get(0); fr.Len != 32 || fr.Addr() != 0x1BA {
		t.Fatalf("got %v", fr)
	}

	// bus -> upstream
	h.Broadcast(can.NewFrame(0, 0x180, []byte{0xAA, 0xBB}))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	fr, err := codec.Decode(c)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Addr() != 0x180 || !bytes.Equal(fr.Payload(), []byte{0xAA, 0xBB}) {
		t.Fatalf("downstream frame %v", fr)
	}
	if st := srv.Stats(); st.Submitted != 2 || st.Connected != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSmokeRejectionsAreNotErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cp := &capture{err: func(fr can.Frame) error {
		switch fr.Addr() {
		case 0x1BA:
			return fmt.Errorf("%w: steer", gateway.ErrRejected)
		case 0x244:
			return serial.ErrTxOverflow
		case 0x307:
			return errors.New("bus down")
		case 0x31A:
			return fmt.Errorf("%w: bus 2", transport.ErrNoRoute)
		}
		return nil
	}}
	srv := startServer(t, ctx, WithHub(hub.New()), WithCodec(&cnl.Codec{}), WithSend(cp.send))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	errsBefore := metrics.Snap().Errors
	frames := []can.Frame{
		can.NewFrame(0, 0x1BA, nil),
		can.NewFrame(0, 0x1BA, nil),
		can.NewFrame(0, 0x244, nil),
		can.NewFrame(0, 0x307, nil),
		can.NewFrame(0, 0x31A, nil),
	}
	if _, err := c.Write((&cnl.Codec{}).Encode(frames)); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "submissions", func() bool { return cp.count() == 5 })
	st := srv.Stats()
	if st.Rejected != 2 || st.BackendOverflow != 1 || st.NoRoute != 1 || st.BackendErrors != 1 {
		t.Fatalf("stats %+v", st)
	}
	if !errors.Is(srv.LastError(), ErrBackendTx) {
		t.Fatalf("last error %v", srv.LastError())
	}
	if metrics.Snap().Errors-errsBefore != 1 {
		t.Fatalf("only the backend failure counts as an error")
	}
}

func TestSmokeBusSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithCodec(&cnl.Codec{}), WithSend((&capture{}).send), WithBuses(2))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })

	h.Broadcast(can.NewFrame(0, 0x180, nil))
	h.Broadcast(can.NewFrame(2, 0x1BA, nil))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	fr, err := (&cnl.Codec{}).Decode(c)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Addr() != 0x1BA {
		t.Fatalf("received %v from an unsubscribed bus", fr)
	}
}

func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	srv := startServer(t, ctx, WithHub(h), WithCodec(&cnl.Codec{}), WithSend((&capture{}).send),
		WithFlushInterval(time.Hour), WithBatchSize(1024))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })

	// The client never reads, so the socket and then the queue fill up.
	before := metrics.Snap().HubKicks
	fr := can.NewFrame(0, 0xA00, make([]byte, 8))
	deadline := time.Now().Add(3 * time.Second)
	for h.Count() > 0 && time.Now().Before(deadline) {
		h.Broadcast(fr)
	}
	waitUntil(t, "kicked client removal", func() bool { return h.Count() == 0 })
	if metrics.Snap().HubKicks <= before {
		t.Fatalf("kick not counted")
	}
}

func TestSmokeMaxClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithCodec(&cnl.Codec{}), WithSend((&capture{}).send), WithMaxClients(1))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitUntil(t, "first client", func() bool { return h.Count() == 1 })
	before := metrics.Snap().HubRejects
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second client not rejected")
	}
	if metrics.Snap().HubRejects <= before {
		t.Fatalf("reject not counted")
	}
}

func TestSmokeBadHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithHub(hub.New()), WithCodec(&cnl.Codec{}), WithSend((&capture{}).send))
	c, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, _ = c.Write([]byte("NOTCANNELLON"))
	waitUntil(t, "handshake failure", func() bool { return srv.Stats().HandshakeFail == 1 })
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error %v", srv.LastError())
	}
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithCodec(&cnl.Codec{}), WithSend((&capture{}).send))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	waitUntil(t, "both clients", func() bool { return h.Count() == 2 })

	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	for _, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Read(buf); err == nil {
			t.Fatalf("expected read to fail after shutdown")
		}
	}
	if h.Count() != 0 {
		t.Fatalf("hub still has %d clients", h.Count())
	}
}

func TestFrameFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cp := &capture{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithCodec(&cnl.Codec{}), WithSend(cp.send),
		WithFrameFilter(func(fr *can.Frame) bool { return !fr.Extended() }))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	frames := []can.Frame{can.NewFrame(0, 0x18DAF110, nil), can.NewFrame(0, 0x100, nil)}
	if _, err := c.Write((&cnl.Codec{}).Encode(frames)); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "filtered frame", func() bool { return cp.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if cp.count() != 1 {
		t.Fatalf("filter let through %d frames", cp.count())
	}
	if fr := cp.get(0); fr.Addr() != 0x100 {
		t.Fatalf("filter let through %d frames", cp.count())
	}
}

func dialAndHandshake(t testing.TB, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte(cnl.Hello)); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	buf := make([]byte, len(cnl.Hello))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
	return c
}
