// Package metrics exposes Prometheus series for the gateway. Every series
// that matters for the periodic log line is mirrored in a local atomic so
// Snap can read totals without scraping the registry.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type counter struct {
	prom  prometheus.Counter
	local atomic.Uint64
}

func newCounter(name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
}

func (c *counter) add(n uint64) {
	c.prom.Add(float64(n))
	c.local.Add(n)
}

// counterVec mirrors the sum across all label values.
type counterVec struct {
	prom  *prometheus.CounterVec
	local atomic.Uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return &counterVec{prom: promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)}
}

func (c *counterVec) inc(lvs ...string) {
	c.prom.WithLabelValues(lvs...).Inc()
	c.local.Add(1)
}

type gauge struct {
	prom  prometheus.Gauge
	local atomic.Uint64
}

func newGauge(name, help string) *gauge {
	return &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
}

func (g *gauge) set(v uint64) {
	g.prom.Set(float64(v))
	g.local.Store(v)
}

var (
	busRx = newCounterVec("bus_rx_frames_total", "CAN frames received per bus.", "bus")
	busTx = newCounterVec("bus_tx_frames_total", "CAN frames written per bus.", "bus")
	tcpRx = newCounter("tcp_rx_frames_total", "CAN frames received from upstream clients.")
	tcpTx = newCounter("tcp_tx_frames_total", "CAN frames sent to upstream clients.")

	hubDrops   = newCounter("hub_dropped_frames_total", "Frames dropped for slow clients.")
	hubKicks   = newCounter("hub_kicked_clients_total", "Clients disconnected by the kick policy.")
	hubRejects = newCounter("hub_rejected_clients_total", "Connections refused at the client limit.")
	hubClients = newGauge("hub_active_clients", "Connected upstream clients.")
	hubDepth   = newGauge("hub_queue_depth_max", "Deepest client queue seen at the last broadcast.")

	integrity   = newCounter("safety_rx_integrity_failures_total", "Inbound frames failing checksum, counter, length or timing checks.")
	txAllowed   = newCounter("safety_tx_allowed_total", "Outbound frames accepted by the safety engine.")
	txRejected  = newCounterVec("safety_tx_rejected_total", "Outbound frames rejected by the safety engine, by reason.", "reason")
	forwarded   = newCounter("safety_forwarded_frames_total", "Frames forwarded between buses.")
	fwdBlocked  = newCounter("safety_forward_blocked_total", "Frames withheld from forwarding.")
	controls    = newGauge("safety_controls_allowed", "1 while actuation commands may pass.")
	eventDrops  = newCounterVec("telemetry_events_dropped_total", "Safety events dropped by telemetry sinks.", "sink")
	errorsTotal = newCounterVec("errors_total", "Errors by subsystem.", "where")
	malformed   = newCounter("malformed_frames_total", "Frames rejected as malformed or truncated.")

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_transitions_total",
		Help: "Engagement transitions by new state and reason.",
	}, []string{"state", "reason"})
	disengagements atomic.Uint64

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
)

// Error labels. The set is fixed to bound cardinality.
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrNoRoute        = "no_route"
	ErrBackendTx      = "backend_tx"
	ErrTelemetry      = "telemetry"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
	ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	ErrNoRoute, ErrBackendTx, ErrTelemetry,
}

// Snapshot is a copy of the local mirrors.
type Snapshot struct {
	BusRx           uint64
	BusTx           uint64
	TCPRx           uint64
	TCPTx           uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64
	HubClients      uint64
	Malformed       uint64
	QueueDepthMax   uint64
	IntegrityFails  uint64
	TxAllowed       uint64
	TxRejected      uint64
	Forwarded       uint64
	ForwardBlocked  uint64
	Disengagements  uint64
	ControlsAllowed bool
	EventsDropped   uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:           busRx.local.Load(),
		BusTx:           busTx.local.Load(),
		TCPRx:           tcpRx.local.Load(),
		TCPTx:           tcpTx.local.Load(),
		HubDrops:        hubDrops.local.Load(),
		HubKicks:        hubKicks.local.Load(),
		HubRejects:      hubRejects.local.Load(),
		Errors:          errorsTotal.local.Load(),
		HubClients:      hubClients.local.Load(),
		Malformed:       malformed.local.Load(),
		QueueDepthMax:   hubDepth.local.Load(),
		IntegrityFails:  integrity.local.Load(),
		TxAllowed:       txAllowed.local.Load(),
		TxRejected:      txRejected.local.Load(),
		Forwarded:       forwarded.local.Load(),
		ForwardBlocked:  fwdBlocked.local.Load(),
		Disengagements:  disengagements.Load(),
		ControlsAllowed: controls.local.Load() == 1,
		EventsDropped:   eventDrops.local.Load(),
	}
}

// Bus ids past the table share one label.
var busLabels = [...]string{"0", "1", "2", "3"}

func busLabel(bus uint8) string {
	if int(bus) < len(busLabels) {
		return busLabels[bus]
	}
	return strconv.Itoa(len(busLabels)) + "+"
}

func IncBusRx(bus uint8)       { busRx.inc(busLabel(bus)) }
func IncBusTx(bus uint8)       { busTx.inc(busLabel(bus)) }
func IncTCPRx()                { tcpRx.add(1) }
func AddTCPTx(n int)           { tcpTx.add(uint64(n)) }
func IncHubDrop()              { hubDrops.add(1) }
func IncHubKick()              { hubKicks.add(1) }
func IncHubReject()            { hubRejects.add(1) }
func SetHubClients(n int)      { hubClients.set(uint64(n)) }
func IncError(label string)    { errorsTotal.inc(label) }
func IncMalformed()            { malformed.add(1) }
func IncIntegrityFailure()     { integrity.add(1) }
func IncTxAllowed()            { txAllowed.add(1) }
func IncForwarded()            { forwarded.add(1) }
func IncForwardBlocked()       { fwdBlocked.add(1) }
func IncEventDropped(s string) { eventDrops.inc(s) }

// SetQueueDepth records the deepest client queue seen by the last broadcast.
func SetQueueDepth(depth int) { hubDepth.set(uint64(depth)) }

// IncTxRejected counts a rejected outbound frame; reason must be a bounded label.
func IncTxRejected(reason string) { txRejected.inc(reason) }

// IncTransition counts an engagement transition into state for reason.
func IncTransition(state, reason string) {
	transitions.WithLabelValues(state, reason).Inc()
	if state == "disengaged" {
		disengagements.Add(1)
	}
}

func SetControlsAllowed(on bool) {
	var v uint64
	if on {
		v = 1
	}
	controls.set(v)
}

// InitBuildInfo sets the build_info gauge and pre-creates the error series.
func InitBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range errorLabels {
		errorsTotal.prom.WithLabelValues(lbl).Add(0)
	}
}
