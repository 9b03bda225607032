package safety

import "time"

// EngagementState is the engagement mode of the gateway.
type EngagementState uint8

const (
	Disengaged EngagementState = iota
	Engaged
)

func (s EngagementState) String() string {
	if s == Engaged {
		return "engaged"
	}
	return "disengaged"
}

func (s EngagementState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reason explains a disengagement or a blocked engagement.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonCancel
	ReasonBrake
	ReasonGas
	ReasonMainOff
	ReasonHeartbeatLost
	ReasonHeartbeatMismatch
	ReasonRxInvalid
	ReasonRxLagging
	ReasonRelayMalfunction
	ReasonInit
	ReasonButton
)

var reasonNames = [...]string{
	ReasonNone:              "none",
	ReasonCancel:            "cancel",
	ReasonBrake:             "brake",
	ReasonGas:               "gas",
	ReasonMainOff:           "main_off",
	ReasonHeartbeatLost:     "heartbeat_lost",
	ReasonHeartbeatMismatch: "heartbeat_mismatch",
	ReasonRxInvalid:         "rx_invalid",
	ReasonRxLagging:         "rx_lagging",
	ReasonRelayMalfunction:  "relay_malfunction",
	ReasonInit:              "init",
	ReasonButton:            "button",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// engagement holds the inputs and output of the engagement state machine.
// Requests accumulate during one event and are resolved once at its end.
type engagement struct {
	state     EngagementState
	mainOn    bool
	mainFixed bool
	brake     bool
	gas       bool

	engageReq    bool
	disengageReq Reason

	hbEngaged    bool
	hbMismatches int
	hbLost       bool
	lastHB       time.Time

	rxFault Reason
	relay   bool
}

func (e *engagement) reset(now time.Time, mainAlwaysOn bool) {
	*e = engagement{lastHB: now, mainOn: mainAlwaysOn, mainFixed: mainAlwaysOn}
}

func (e *engagement) requestDisengage(r Reason) {
	if e.disengageReq == ReasonNone {
		e.disengageReq = r
	}
}

// cause returns the highest priority active disengage condition.
func (e *engagement) cause(p Policy) Reason {
	switch {
	case e.disengageReq != ReasonNone:
		return e.disengageReq
	case e.relay:
		return ReasonRelayMalfunction
	case e.hbLost:
		return ReasonHeartbeatLost
	case e.hbMismatches >= p.HeartbeatMismatchLimit:
		return ReasonHeartbeatMismatch
	case e.rxFault != ReasonNone:
		return e.rxFault
	case e.brake:
		return ReasonBrake
	case e.gas:
		return ReasonGas
	case !e.mainOn:
		return ReasonMainOff
	}
	return ReasonNone
}

// resolve applies pending requests. Any disengage condition wins over a
// concurrent engage request. It reports the new state when it changed.
func (e *engagement) resolve(p Policy) (changed bool, reason Reason) {
	engage := e.engageReq
	reason = e.cause(p)
	e.engageReq, e.disengageReq = false, ReasonNone
	if reason != ReasonNone {
		if e.state == Engaged {
			e.state = Disengaged
			return true, reason
		}
		return false, reason
	}
	if engage && e.state == Disengaged {
		e.state = Engaged
		e.hbMismatches = 0
		return true, ReasonButton
	}
	return false, ReasonNone
}

// heartbeat records an upstream liveness message.
func (e *engagement) heartbeat(engaged bool, now time.Time, p Policy) {
	e.lastHB = now
	e.hbLost = false
	e.hbEngaged = engaged
	if e.state == Engaged && !engaged {
		if e.hbMismatches < p.HeartbeatMismatchLimit {
			e.hbMismatches++
		}
		return
	}
	e.hbMismatches = 0
}

func (e *engagement) expire(now time.Time, p Policy) {
	if now.Sub(e.lastHB) > p.HeartbeatTimeout {
		e.hbLost = true
	}
}
