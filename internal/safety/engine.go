package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// Engine dispatches bus events to the active vehicle hooks and owns all
// safety state. Every exported method is one atomic event.
type Engine struct {
	mu    sync.Mutex
	clock func() time.Time
	obs   Observer
	log   *slog.Logger

	hooks   Hooks
	name    string
	param   uint16
	cfg     Config
	st      State
	val     validator
	session string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests and replay.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithObserver registers the event observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine returns an engine with no vehicle selected: every outbound
// frame is rejected and nothing is forwarded until Init.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: time.Now, log: logging.L(), name: "none"}
	for _, o := range opts {
		o(e)
	}
	now := e.clock()
	e.cfg = Config{policy: DefaultPolicy()}
	e.st = State{now: now}
	e.st.eng.reset(now, false)
	e.val.reset(&e.cfg, now)
	e.session = uuid.NewString()
	return e
}

// Init installs h configured for param and resets all safety state. On a
// configuration error the engine is left without a vehicle.
func (e *Engine) Init(h Hooks, param uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.st.now = now
	if e.st.ControlsAllowed() {
		metrics.IncTransition(Disengaged.String(), ReasonInit.String())
		e.emit(Event{Kind: EventDisengaged, Reason: ReasonInit})
	}

	e.hooks, e.name, e.param = nil, "none", param
	e.cfg = Config{policy: DefaultPolicy()}
	e.st = State{now: now}
	e.st.eng.reset(now, false)
	e.val.reset(&e.cfg, now)
	e.session = uuid.NewString()
	metrics.SetControlsAllowed(false)
	if h == nil {
		return nil
	}

	name := hooksName(h)
	cfg := h.Init(param)
	if err := cfg.Validate(); err != nil {
		e.log.Error("safety_init_failed", "vehicle", name, "param", param, "error", err)
		return fmt.Errorf("init %s: %w", name, err)
	}
	e.hooks, e.name = h, name
	e.cfg = cfg.clone()
	e.st.eng.reset(now, e.cfg.mainAlwaysOn)
	e.val.reset(&e.cfg, now)
	e.emit(Event{Kind: EventInit, Reason: ReasonInit})
	e.log.Info("safety_init", "vehicle", name, "param", param, "session", e.session,
		"tx_msgs", len(e.cfg.txMsgs), "rx_checks", len(e.cfg.rxChecks))
	return nil
}

// Rx processes an inbound frame and reports whether it passed integrity
// checks. Frames that fail are not decoded.
func (e *Engine) Rx(f *can.Frame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.st.now = now
	if e.hooks == nil {
		return false
	}
	if f.Validate() != nil {
		metrics.IncMalformed()
		return false
	}
	if !e.st.eng.relay && e.cfg.relayConflict(f) {
		e.st.eng.relay = true
		e.emit(Event{Kind: EventRelayMalfunction, Reason: ReasonRelayMalfunction, Bus: f.Bus, Addr: f.Addr()})
		e.log.Warn("relay_malfunction", "bus", f.Bus, "addr", fmt.Sprintf("0x%X", f.Addr()), "session", e.session)
	}

	res := e.val.check(f, e.hooks, now)
	if res.matched && !res.valid {
		metrics.IncIntegrityFailure()
		e.log.Debug("rx_integrity_fail", "bus", f.Bus, "addr", fmt.Sprintf("0x%X", f.Addr()))
	}
	if res.nowInvalid {
		e.emit(Event{Kind: EventRxInvalid, Reason: ReasonRxInvalid, Bus: f.Bus, Addr: f.Addr()})
		e.log.Warn("rx_invalid", "bus", f.Bus, "addr", fmt.Sprintf("0x%X", f.Addr()), "session", e.session)
	}
	if res.recovered {
		e.emit(Event{Kind: EventRxRecovered, Bus: f.Bus, Addr: f.Addr()})
	}
	e.expire(now)
	if res.decode {
		e.hooks.Rx(&e.st, f)
	}
	e.resolve()
	return res.valid
}

// Tx decides whether an outbound frame may be sent. It never engages.
func (e *Engine) Tx(f *can.Frame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.st.now = now
	if e.hooks == nil {
		return e.reject(f, ViolationNoVehicle)
	}
	if f.Validate() != nil {
		return e.reject(f, ViolationMalformed)
	}
	if !e.cfg.txAllowed(f) {
		return e.reject(f, ViolationNotWhitelisted)
	}
	// Timeouts may have elapsed since the last event; resolving here can
	// only disengage since no engage request is pending between events.
	e.expire(now)
	e.resolve()
	if e.st.eng.relay {
		return e.reject(f, ViolationRelay)
	}

	e.st.violation, e.st.pendingSet = 0, false
	e.st.inTx = true
	ok := e.hooks.Tx(&e.st, f)
	e.st.inTx = false
	v := e.st.violation
	if !ok || v != 0 {
		e.st.pendingSet = false
		return e.reject(f, v)
	}
	if e.st.pendingSet {
		e.st.lastAngle = e.st.pendingAngle
		e.st.pendingSet = false
	}
	metrics.IncTxAllowed()
	return true
}

func (e *Engine) reject(f *can.Frame, v Violation) bool {
	metrics.IncTxRejected(v.Label())
	e.emit(Event{Kind: EventTxRejected, Violation: v, Bus: f.Bus, Addr: f.Addr()})
	e.log.Debug("tx_rejected", "bus", f.Bus, "addr", fmt.Sprintf("0x%X", f.Addr()), "violation", v.String())
	return false
}

// Fwd returns the destination bus for a frame received on bus, or NoForward.
func (e *Engine) Fwd(bus uint8, addr uint32) int {
	e.mu.Lock()
	h := e.hooks
	e.mu.Unlock()
	if h == nil {
		return NoForward
	}
	d := h.Fwd(bus, addr)
	if d < 0 {
		metrics.IncForwardBlocked()
		return NoForward
	}
	metrics.IncForwarded()
	return d
}

// Tick evaluates time-based conditions: lagging rx checks and heartbeat loss.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.now = e.clock()
	if e.hooks == nil {
		return
	}
	e.expire(e.st.now)
	e.resolve()
}

// Heartbeat records a liveness message from the upstream computer and
// whether it believes controls are engaged.
func (e *Engine) Heartbeat(engaged bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.st.now = now
	e.st.eng.heartbeat(engaged, now, e.cfg.policy)
	if e.hooks == nil {
		return
	}
	e.expire(now)
	e.resolve()
}

func (e *Engine) expire(now time.Time) {
	if n := e.val.expire(now); n > 0 {
		e.emit(Event{Kind: EventRxLagging, Reason: ReasonRxLagging})
		e.log.Warn("rx_lagging", "checks", n, "session", e.session)
	}
	wasLost := e.st.eng.hbLost
	e.st.eng.expire(now, e.cfg.policy)
	if !wasLost && e.st.eng.hbLost {
		e.emit(Event{Kind: EventHeartbeatLost, Reason: ReasonHeartbeatLost})
		e.log.Warn("heartbeat_lost", "session", e.session)
	}
	e.st.eng.rxFault = e.val.fault()
}

func (e *Engine) resolve() {
	changed, reason := e.st.eng.resolve(e.cfg.policy)
	if !changed {
		return
	}
	state := e.st.eng.state
	kind := EventDisengaged
	if state == Engaged {
		kind = EventEngaged
	}
	metrics.IncTransition(state.String(), reason.String())
	metrics.SetControlsAllowed(state == Engaged)
	e.emit(Event{Kind: kind, Reason: reason})
	e.log.Info(kind.String(), "reason", reason.String(), "vehicle", e.name, "session", e.session)
}

func (e *Engine) emit(ev Event) {
	if e.obs == nil {
		return
	}
	ev.Vehicle = e.name
	ev.Session = e.session
	ev.At = e.st.now
	e.obs.OnEvent(ev)
}

// ControlsAllowed reports whether actuation commands are currently permitted.
func (e *Engine) ControlsAllowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.ControlsAllowed()
}

// Session returns the id of the current Init session.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, lag := e.val.counts()
	return Status{
		Session:             e.session,
		Vehicle:             e.name,
		Param:               e.param,
		State:               e.st.eng.state,
		MainOn:              e.st.eng.mainOn,
		BrakePressed:        e.st.eng.brake,
		GasPressed:          e.st.eng.gas,
		Moving:              e.st.VehicleMoving(),
		UpstreamEngaged:     e.st.eng.hbEngaged,
		HeartbeatLost:       e.st.eng.hbLost,
		HeartbeatMismatches: e.st.eng.hbMismatches,
		RelayMalfunction:    e.st.eng.relay,
		RxInvalid:           inv,
		RxLagging:           lag,
		Speed:               e.st.samples[VehicleSpeed].Last(),
		Angle:               e.st.samples[SteeringAngle].Last(),
		LastAngle:           e.st.lastAngle,
	}
}
