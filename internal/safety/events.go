package safety

import "time"

// EventKind classifies safety events.
type EventKind uint8

const (
	EventInit EventKind = iota
	EventEngaged
	EventDisengaged
	EventTxRejected
	EventRxInvalid
	EventRxLagging
	EventRxRecovered
	EventRelayMalfunction
	EventHeartbeatLost
)

var eventNames = [...]string{
	EventInit:             "init",
	EventEngaged:          "controls_engaged",
	EventDisengaged:       "controls_disengaged",
	EventTxRejected:       "tx_rejected",
	EventRxInvalid:        "rx_invalid",
	EventRxLagging:        "rx_lagging",
	EventRxRecovered:      "rx_recovered",
	EventRelayMalfunction: "relay_malfunction",
	EventHeartbeatLost:    "heartbeat_lost",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is emitted on every state change and rejected command.
type Event struct {
	Kind      EventKind `json:"kind"`
	Reason    Reason    `json:"reason,omitempty"`
	Violation Violation `json:"violation,omitempty"`
	Bus       uint8     `json:"bus"`
	Addr      uint32    `json:"addr"`
	Vehicle   string    `json:"vehicle"`
	Session   string    `json:"session"`
	At        time.Time `json:"at"`
}

// Observer receives events synchronously while the engine lock is held.
// Implementations must not block and must not call back into the engine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Status is a point-in-time copy of the engine state.
type Status struct {
	Session             string          `json:"session"`
	Vehicle             string          `json:"vehicle"`
	Param               uint16          `json:"param"`
	State               EngagementState `json:"state"`
	MainOn              bool            `json:"main_on"`
	BrakePressed        bool            `json:"brake_pressed"`
	GasPressed          bool            `json:"gas_pressed"`
	Moving              bool            `json:"moving"`
	UpstreamEngaged     bool            `json:"upstream_engaged"`
	HeartbeatLost       bool            `json:"heartbeat_lost"`
	HeartbeatMismatches int             `json:"heartbeat_mismatches"`
	RelayMalfunction    bool            `json:"relay_malfunction"`
	RxInvalid           int             `json:"rx_invalid"`
	RxLagging           int             `json:"rx_lagging"`
	Speed               float64         `json:"speed"`
	Angle               float64         `json:"angle"`
	LastAngle           int64           `json:"last_angle"`
}
