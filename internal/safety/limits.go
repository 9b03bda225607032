package safety

import (
	"math"
	"strings"
)

// Lookup is a piecewise linear curve. X must be ascending.
type Lookup struct {
	X []float64
	Y []float64
}

// Interp evaluates the curve at x, clamping outside the breakpoints.
func (l Lookup) Interp(x float64) float64 {
	n := min(len(l.X), len(l.Y))
	if n == 0 {
		return 0
	}
	if x <= l.X[0] {
		return l.Y[0]
	}
	for i := 1; i < n; i++ {
		if x < l.X[i] {
			t := (x - l.X[i-1]) / (l.X[i] - l.X[i-1])
			return l.Y[i-1] + t*(l.Y[i]-l.Y[i-1])
		}
	}
	return l.Y[n-1]
}

// Violation is a bitmask of reasons an outbound command was rejected.
type Violation uint16

const (
	ViolationNotAllowed Violation = 1 << iota
	ViolationMaxAngle
	ViolationRate
	ViolationInactiveNonZero
	ViolationAngleError
	ViolationAccelRange
	ViolationNotWhitelisted
	ViolationRelay
	ViolationMalformed
	ViolationNoVehicle
)

var violationNames = []struct {
	v    Violation
	name string
}{
	{ViolationNotAllowed, "not_allowed"},
	{ViolationMaxAngle, "max_angle"},
	{ViolationRate, "rate"},
	{ViolationInactiveNonZero, "inactive_nonzero"},
	{ViolationAngleError, "angle_error"},
	{ViolationAccelRange, "accel_range"},
	{ViolationNotWhitelisted, "not_whitelisted"},
	{ViolationRelay, "relay"},
	{ViolationMalformed, "malformed"},
	{ViolationNoVehicle, "no_vehicle"},
}

func (v Violation) String() string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for _, n := range violationNames {
		if v&n.v != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Label returns the name of the lowest set bit, for bounded metric labels.
func (v Violation) Label() string {
	for _, n := range violationNames {
		if v&n.v != 0 {
			return n.name
		}
	}
	return "other"
}

func (v Violation) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// AngleLimits bounds angle-based steering commands.
type AngleLimits struct {
	MaxAngle float64 // deg
	DegToCAN float64 // raw units per deg
	RateUp   Lookup  // deg per cycle vs speed (m/s), magnitude increasing
	RateDown Lookup  // deg per cycle vs speed (m/s), magnitude decreasing

	EnforceAngleError   bool
	AngleErrorMax       float64 // deg
	InactiveAngleIsZero bool
}

// SteerAngleCheck validates a steering angle command against lim and stages
// it as the next last-accepted angle.
func SteerAngleCheck(st *State, desired int64, active bool, lim AngleLimits) Violation {
	var v Violation
	allowed := st.ControlsAllowed()
	d := float64(desired)

	if active && !allowed {
		v |= ViolationNotAllowed
	}
	if math.Abs(d) > lim.MaxAngle*lim.DegToCAN {
		v |= ViolationMaxAngle
	}
	if active && allowed {
		last := float64(st.lastAngle)
		curve := lim.RateDown
		if math.Abs(d) > math.Abs(last) {
			curve = lim.RateUp
		}
		bound := curve.Interp(st.samples[VehicleSpeed].Last()) * lim.DegToCAN
		if math.Abs(d-last) > bound {
			v |= ViolationRate
		}
	}
	if !active {
		if lim.InactiveAngleIsZero && desired != 0 {
			v |= ViolationInactiveNonZero
		}
		if lim.EnforceAngleError {
			// Track the measured angle over the sampled window.
			s := &st.samples[SteeringAngle]
			tol := lim.AngleErrorMax * lim.DegToCAN
			lo, hi := s.Min()*lim.DegToCAN-tol, s.Max()*lim.DegToCAN+tol
			if d < lo || d > hi {
				v |= ViolationAngleError
			}
		}
	}
	st.proposeAngle(desired)
	st.flag(v)
	return v
}

// LongLimits bounds acceleration commands (m/s^2).
type LongLimits struct {
	MaxAccel      float64
	MinAccel      float64
	InactiveAccel float64
}

// AccelCheck validates an acceleration command against lim.
func AccelCheck(st *State, accel float64, active bool, lim LongLimits) Violation {
	var v Violation
	switch {
	case active && !st.ControlsAllowed():
		v |= ViolationNotAllowed
	case active && (accel > lim.MaxAccel || accel < lim.MinAccel):
		v |= ViolationAccelRange
	case !active && math.Abs(accel-lim.InactiveAccel) > 1e-9:
		v |= ViolationInactiveNonZero
	}
	st.flag(v)
	return v
}
