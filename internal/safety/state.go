package safety

import (
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// Quantity names a sampled vehicle signal.
type Quantity uint8

const (
	VehicleSpeed  Quantity = iota // m/s
	SteeringAngle                 // deg
	DriverTorque
	numQuantities
)

// StandstillSpeed is the speed below which the vehicle counts as stopped (m/s).
const StandstillSpeed = 0.1

// State is the mutable safety state handed to plugin hooks. It is owned by
// an Engine and only valid for the duration of a hook call.
type State struct {
	now     time.Time
	samples [numQuantities]Sample
	eng     engagement

	lastAngle    int64
	pendingAngle int64
	pendingSet   bool
	violation    Violation

	inTx bool
}

// Now returns the time of the event being processed.
func (st *State) Now() time.Time { return st.now }

// Update decodes sig from f and records it as q. It returns false and leaves
// the sample untouched when the signal does not fit in the frame.
func (st *State) Update(q Quantity, sig Signal, f *can.Frame) bool {
	if q >= numQuantities {
		return false
	}
	raw, ok := sig.Raw(f)
	if !ok {
		return false
	}
	st.samples[q].Push(raw, sig.Physical(raw), st.now)
	return true
}

// Sample returns a copy of the sampled history for q.
func (st *State) Sample(q Quantity) Sample {
	if q >= numQuantities {
		return Sample{}
	}
	return st.samples[q]
}

// VehicleMoving reports whether any recent speed sample is above standstill.
func (st *State) VehicleMoving() bool {
	s := &st.samples[VehicleSpeed]
	return s.Valid() && s.Max() > StandstillSpeed
}

// RequestEngage asks for engagement at the end of the current event.
// Requests made while validating an outbound frame are ignored.
func (st *State) RequestEngage() {
	if st.inTx {
		return
	}
	st.eng.engageReq = true
}

// RequestDisengage forces disengagement at the end of the current event.
func (st *State) RequestDisengage(r Reason) {
	if r == ReasonNone {
		r = ReasonCancel
	}
	st.eng.requestDisengage(r)
}

// SetMainOn is ignored for vehicles configured WithoutMainSwitch.
func (st *State) SetMainOn(on bool) {
	if st.inTx || st.eng.mainFixed {
		return
	}
	st.eng.mainOn = on
}

// ToggleMain flips the cruise main switch.
func (st *State) ToggleMain() { st.SetMainOn(!st.eng.mainOn) }

func (st *State) SetBrakePressed(v bool) {
	if !st.inTx {
		st.eng.brake = v
	}
}

func (st *State) SetGasPressed(v bool) {
	if !st.inTx {
		st.eng.gas = v
	}
}

func (st *State) ControlsAllowed() bool { return st.eng.state == Engaged }
func (st *State) MainOn() bool          { return st.eng.mainOn }
func (st *State) BrakePressed() bool    { return st.eng.brake }
func (st *State) GasPressed() bool      { return st.eng.gas }

// LastAngle returns the last accepted steering command in raw units.
func (st *State) LastAngle() int64 { return st.lastAngle }

// proposeAngle stages a steering command; the engine commits it only when
// the whole frame is accepted.
func (st *State) proposeAngle(raw int64) {
	st.pendingAngle, st.pendingSet = raw, true
}

func (st *State) flag(v Violation) { st.violation |= v }

// Reject records v against the frame being validated and returns false, so
// plugins can write `return st.Reject(ViolationMalformed)`.
func (st *State) Reject(v Violation) bool {
	st.flag(v)
	return false
}
