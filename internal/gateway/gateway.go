// Package gateway runs the safety engine between the car buses and the
// upstream driving computer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/hub"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
	"github.com/kstaniek/can-safety-gateway/internal/transport"
)

// DefaultTick is the period of the time-based safety checks.
const DefaultTick = 100 * time.Millisecond

// ErrRejected is returned by Propose when the safety engine blocks a frame.
var ErrRejected = errors.New("rejected by safety")

// Gateway owns the frame paths around one Engine:
//
//	bus rx   -> Engine.Rx -> upstream hub
//	         -> Engine.Fwd -> destination bus
//	upstream -> Engine.Tx -> bus
type Gateway struct {
	engine *safety.Engine
	buses  transport.FrameSink
	hub    *hub.Hub
	log    *slog.Logger

	rx, fwd, fwdErr, proposed, rejected atomic.Uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHub sets the upstream fan-out. Without it received frames are not
// mirrored upstream.
func WithHub(h *hub.Hub) Option { return func(g *Gateway) { g.hub = h } }

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New binds e to the bus sinks.
func New(e *safety.Engine, buses transport.FrameSink, opts ...Option) *Gateway {
	g := &Gateway{engine: e, buses: buses, log: logging.L()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Engine returns the bound engine.
func (g *Gateway) Engine() *safety.Engine { return g.engine }

// HandleRx processes one frame received from a car bus.
func (g *Gateway) HandleRx(f can.Frame) {
	g.rx.Add(1)
	metrics.IncBusRx(f.Bus)
	g.engine.Rx(&f)
	if g.hub != nil {
		g.hub.Broadcast(f)
	}
	dest := g.engine.Fwd(f.Bus, f.Addr())
	if dest == safety.NoForward {
		return
	}
	out := f
	out.Bus = uint8(dest)
	if err := g.buses.SendFrame(out); err != nil {
		g.fwdErr.Add(1)
		g.log.Debug("forward_error", "error", err, "from", f.Bus, "to", dest, "addr", fmt.Sprintf("0x%X", f.Addr()))
		return
	}
	g.fwd.Add(1)
}

// Propose submits an upstream frame for transmission. Frames the engine
// rejects return ErrRejected and never reach a bus.
func (g *Gateway) Propose(f can.Frame) error {
	g.proposed.Add(1)
	if !g.engine.Tx(&f) {
		g.rejected.Add(1)
		return fmt.Errorf("%w: bus %d addr 0x%X", ErrRejected, f.Bus, f.Addr())
	}
	return g.buses.SendFrame(f)
}

// Heartbeat relays an upstream liveness message to the engine.
func (g *Gateway) Heartbeat(engaged bool) { g.engine.Heartbeat(engaged) }

// Snapshot returns the engine status.
func (g *Gateway) Snapshot() safety.Status { return g.engine.Snapshot() }

// RunTicker drives Engine.Tick every period until ctx is done.
func (g *Gateway) RunTicker(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultTick
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.engine.Tick()
		}
	}
}

// Stats are cumulative gateway counters.
type Stats struct {
	Rx, Forwarded, ForwardErrors, Proposed, Rejected uint64
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Rx:            g.rx.Load(),
		Forwarded:     g.fwd.Load(),
		ForwardErrors: g.fwdErr.Load(),
		Proposed:      g.proposed.Load(),
		Rejected:      g.rejected.Load(),
	}
}
