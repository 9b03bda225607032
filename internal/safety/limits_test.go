package safety

import (
	"errors"
	"math"
	"testing"
)

func TestLookupInterp(t *testing.T) {
	up := Lookup{X: []float64{0, 5, 15}, Y: []float64{5, 0.8, 0.15}}
	cases := []struct{ x, want float64 }{
		{-1, 5},
		{0, 5},
		{2.5, 2.9},
		{5, 0.8},
		{10, 0.475},
		{15, 0.15},
		{40, 0.15},
	}
	for _, c := range cases {
		if got := up.Interp(c.x); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("Interp(%v)=%v want %v", c.x, got, c.want)
		}
	}
	if (Lookup{}).Interp(3) != 0 {
		t.Fatalf("empty lookup should be 0")
	}
}

func TestViolationString(t *testing.T) {
	if Violation(0).String() != "none" {
		t.Fatalf("zero violation: %s", Violation(0))
	}
	v := ViolationRate | ViolationNotAllowed
	if v.String() != "not_allowed|rate" {
		t.Fatalf("got %s", v)
	}
	if v.Label() != "not_allowed" {
		t.Fatalf("label %s", v.Label())
	}
	if Violation(0).Label() != "other" {
		t.Fatalf("zero label %s", Violation(0).Label())
	}
}

func engagedState(speed float64) *State {
	st := &State{}
	st.eng.state = Engaged
	st.samples[VehicleSpeed].Push(0, speed, st.now)
	return st
}

func TestSteerAngleCheck(t *testing.T) {
	lim := AngleLimits{
		MaxAngle: 476,
		DegToCAN: 10,
		RateUp:   Lookup{X: []float64{0, 5, 15}, Y: []float64{5, 0.8, 0.15}},
		RateDown: Lookup{X: []float64{0, 5, 15}, Y: []float64{5, 3.5, 0.4}},

		InactiveAngleIsZero: true,
	}
	cases := []struct {
		name    string
		allowed bool
		speed   float64
		last    int64
		desired int64
		active  bool
		want    Violation
	}{
		{"within up rate", true, 0, 0, 50, true, 0},
		{"beyond up rate", true, 0, 0, 51, true, ViolationRate},
		{"highway up rate", true, 15, 100, 102, true, ViolationRate},
		{"highway down rate", true, 15, 100, 96, true, 0},
		{"max angle", true, 0, 4760, 4770, true, ViolationMaxAngle},
		{"not allowed", false, 0, 0, 10, true, ViolationNotAllowed},
		{"inactive zero", false, 0, 300, 0, false, 0},
		{"inactive nonzero", false, 0, 0, 5, false, ViolationInactiveNonZero},
	}
	for _, c := range cases {
		st := engagedState(c.speed)
		if !c.allowed {
			st.eng.state = Disengaged
		}
		st.lastAngle = c.last
		if got := SteerAngleCheck(st, c.desired, c.active, lim); got != c.want {
			t.Fatalf("%s: got %s want %s", c.name, got, c.want)
		}
		if !st.pendingSet || st.pendingAngle != c.desired {
			t.Fatalf("%s: command not staged", c.name)
		}
		if st.lastAngle != c.last {
			t.Fatalf("%s: last angle changed by check", c.name)
		}
	}
}

func TestSteerAngleErrorTracking(t *testing.T) {
	lim := AngleLimits{MaxAngle: 100, DegToCAN: 10, EnforceAngleError: true, AngleErrorMax: 2}
	st := &State{}
	st.samples[SteeringAngle].Push(0, 30, st.now)
	if v := SteerAngleCheck(st, 310, false, lim); v != 0 {
		t.Fatalf("tracking command rejected: %s", v)
	}
	if v := SteerAngleCheck(st, 360, false, lim); v != ViolationAngleError {
		t.Fatalf("far command: %s", v)
	}
}

func TestAccelCheck(t *testing.T) {
	lim := LongLimits{MaxAccel: 2.0, MinAccel: -3.5}
	cases := []struct {
		name    string
		allowed bool
		accel   float64
		active  bool
		want    Violation
	}{
		{"ok", true, 1.5, true, 0},
		{"too high", true, 2.1, true, ViolationAccelRange},
		{"too low", true, -3.6, true, ViolationAccelRange},
		{"not allowed", false, 0.5, true, ViolationNotAllowed},
		{"inactive zero", false, 0, false, 0},
		{"inactive nonzero", true, -1, false, ViolationInactiveNonZero},
	}
	for _, c := range cases {
		st := engagedState(0)
		if !c.allowed {
			st.eng.state = Disengaged
		}
		if got := AccelCheck(st, c.accel, c.active, lim); got != c.want {
			t.Fatalf("%s: got %s want %s", c.name, got, c.want)
		}
	}
}

func TestForwardRules(t *testing.T) {
	r := NewForwardRules(0, 2, 0x1BA, 0x244)
	cases := []struct {
		bus  uint8
		addr uint32
		want int
	}{
		{0, 0x1BA, 2},
		{0, 0x123, 2},
		{2, 0x1BA, NoForward},
		{2, 0x244, NoForward},
		{2, 0x123, 0},
		{1, 0x123, NoForward},
	}
	for _, c := range cases {
		if got := r.Dest(c.bus, c.addr); got != c.want {
			t.Fatalf("Dest(%d,0x%X)=%d want %d", c.bus, c.addr, got, c.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", NewConfig(), true},
		{"good", NewConfig(
			WithTx(TxMsg{Addr: 0x1BA, Len: 32}),
			WithRx(RxMsg{Addr: 0x187, Len: 64, Frequency: 50}, RxMsg{Addr: 0x17A, Len: 64, Frequency: 50}),
		), true},
		{"dup tx", NewConfig(WithTx(TxMsg{Addr: 1, Len: 8}, TxMsg{Addr: 1, Len: 8})), false},
		{"same addr other bus", NewConfig(WithTx(TxMsg{Addr: 1, Len: 8}, TxMsg{Addr: 1, Bus: 2, Len: 8})), true},
		{"bad tx len", NewConfig(WithTx(TxMsg{Addr: 1, Len: 9})), false},
		{"zero rx len", NewConfig(WithRx(RxMsg{Addr: 1})), false},
		{"too many alternates", NewConfig(WithRx(
			RxMsg{Addr: 1, Len: 8}, RxMsg{Addr: 2, Len: 8}, RxMsg{Addr: 3, Len: 8}, RxMsg{Addr: 4, Len: 8},
		)), false},
		{"no alternates", NewConfig(WithRx()), false},
		{"dup rx", NewConfig(WithRx(RxMsg{Addr: 1, Len: 8}), WithRx(RxMsg{Addr: 1, Len: 8})), false},
		{"wide counter", NewConfig(WithRx(RxMsg{Addr: 1, Len: 8, CounterWidth: 9})), false},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if c.ok && err != nil {
			t.Fatalf("%s: unexpected %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: want ErrInvalidConfig got %v", c.name, err)
		}
	}
}

func TestConfigImmutableCopies(t *testing.T) {
	cfg := NewConfig(WithTx(TxMsg{Addr: 1, Len: 8}), WithRx(RxMsg{Addr: 2, Len: 8}))
	tx := cfg.TxMsgs()
	tx[0].Addr = 99
	rx := cfg.RxChecks()
	rx[0].Msgs[0].Addr = 99
	if cfg.TxMsgs()[0].Addr != 1 || cfg.RxChecks()[0].Msgs[0].Addr != 2 {
		t.Fatalf("accessor copies alias the config")
	}
	if p := NewConfig(WithPolicy(Policy{MaxMisses: 2})).Policy(); p.MaxMisses != 2 || p.LagCycles != 10 {
		t.Fatalf("policy defaults not applied: %+v", p)
	}
}
