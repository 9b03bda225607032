// Package changan implements the safety hooks for the Changan Z6 and Z6 iDD.
//
// Bit positions follow the vehicle DBC where known; the steering request bit
// and the accel/torque layouts have not been validated on a car.
package changan

import (
	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// Message addresses.
const (
	AddrSteerAngle     = 0x180
	AddrSteerCommand   = 0x1BA
	AddrSteerTorque    = 0x17E
	AddrWheelSpeeds    = 0x187
	AddrIDDWheelSpeeds = 0x17A
	AddrPedals         = 0x196
	AddrIDDPedals      = 0x1A6
	AddrACCCommand     = 0x244
	AddrCruiseButtons  = 0x28C
	AddrACCHUD         = 0x307
	AddrADASInfo       = 0x31A
)

// Buses.
const (
	BusMain   = 0
	BusCamera = 2
)

// FlagIDD selects the plug-in hybrid variant as the primary signal source.
const FlagIDD uint16 = 0x4

// Cruise button bits in the little-endian word formed by bytes 0-1 of 0x28C.
const (
	btnCancel = 0x0002
	btnRes    = 0x0010
	btnSet    = 0x0040
	btnIACC   = 0x1000
	btnMask   = btnCancel | btnRes | btnSet | btnIACC
)

var (
	// Steering limits: 476 deg in 0.1 deg units, rate curves in deg per
	// frame against vehicle speed in m/s.
	SteerLimits = safety.AngleLimits{
		MaxAngle: 476,
		DegToCAN: 10,
		RateUp:   safety.Lookup{X: []float64{0, 5, 15}, Y: []float64{5, 0.8, 0.15}},
		RateDown: safety.Lookup{X: []float64{0, 5, 15}, Y: []float64{5, 3.5, 0.4}},

		EnforceAngleError: true,
		AngleErrorMax:     1,
	}

	LongLimits = safety.LongLimits{
		MaxAccel: 2.0,
		MinAccel: -3.5,
	}

	sigSpeed      = safety.Signal{StartBit: 24, Width: 16, Scale: 0.05 / 3.6}
	sigBrake      = safety.Signal{StartBit: 0, Width: 1}
	sigGas        = safety.Signal{StartBit: 20, Width: 1}
	sigIDDBrake   = safety.Signal{StartBit: 4, Width: 1}
	sigAngle      = safety.Signal{StartBit: 7, Width: 16, Order: safety.BigEndian, Signed: true, Scale: 0.1}
	sigTorque     = safety.Signal{StartBit: 7, Width: 16, Order: safety.BigEndian, Signed: true, Scale: 0.01}
	sigButtons    = safety.Signal{StartBit: 0, Width: 16}
	sigSteerCmd   = safety.Signal{StartBit: 16, Width: 16, Signed: true}
	sigSteerReq   = safety.Signal{StartBit: 32, Width: 1}
	sigAccel      = safety.Signal{StartBit: 7, Width: 16, Order: safety.BigEndian, Signed: true, Scale: 0.01}
	sigACCRequest = safety.Signal{StartBit: 55, Width: 1}

	fwdRules = safety.NewForwardRules(BusMain, BusCamera,
		AddrSteerCommand, AddrACCCommand, AddrACCHUD, AddrADASInfo, AddrSteerTorque)
)

// crcProtected lists the messages carrying a CRC-8/SAE-J1850 in byte 7.
var crcProtected = map[uint32]struct{}{
	AddrSteerAngle: {}, AddrSteerTorque: {}, AddrWheelSpeeds: {}, AddrIDDWheelSpeeds: {},
	AddrPedals: {}, AddrIDDPedals: {}, AddrACCCommand: {}, AddrCruiseButtons: {},
	AddrSteerCommand: {}, AddrACCHUD: {}, AddrADASInfo: {},
}

// Hooks is the Changan safety plugin. The zero value is ready for Init.
type Hooks struct {
	idd         bool
	prevButtons uint16
}

// New returns a fresh plugin instance.
func New() *Hooks { return &Hooks{} }

func (h *Hooks) Name() string {
	if h.idd {
		return "changan_idd"
	}
	return "changan"
}

func (h *Hooks) Init(param uint16) safety.Config {
	h.idd = param&FlagIDD != 0
	h.prevButtons = 0

	speed := []safety.RxMsg{
		{Addr: AddrWheelSpeeds, Bus: BusMain, Len: 8, Frequency: 50},
		{Addr: AddrIDDWheelSpeeds, Bus: BusMain, Len: 8, Frequency: 50},
	}
	pedals := []safety.RxMsg{
		{Addr: AddrPedals, Bus: BusMain, Len: 8, Frequency: 50},
		{Addr: AddrIDDPedals, Bus: BusMain, Len: 8, Frequency: 50},
	}
	if h.idd {
		speed[0], speed[1] = speed[1], speed[0]
		pedals[0], pedals[1] = pedals[1], pedals[0]
	}
	return safety.NewConfig(
		safety.WithTx(
			safety.TxMsg{Addr: AddrSteerCommand, Bus: BusMain, Len: 32, CheckRelay: true},
			safety.TxMsg{Addr: AddrACCCommand, Bus: BusMain, Len: 32, CheckRelay: true},
			safety.TxMsg{Addr: AddrSteerTorque, Bus: BusMain, Len: 8},
			safety.TxMsg{Addr: AddrACCHUD, Bus: BusMain, Len: 64},
			safety.TxMsg{Addr: AddrADASInfo, Bus: BusMain, Len: 64},
		),
		safety.WithRx(safety.RxMsg{Addr: AddrSteerAngle, Bus: BusMain, Len: 8, Frequency: 100,
			IgnoreChecksum: true, IgnoreCounter: true}),
		safety.WithRx(safety.RxMsg{Addr: AddrCruiseButtons, Bus: BusMain, Len: 8, Frequency: 10,
			IgnoreChecksum: true, IgnoreCounter: true}),
		safety.WithRx(speed...),
		safety.WithRx(pedals...),
		safety.WithRx(safety.RxMsg{Addr: AddrSteerTorque, Bus: BusMain, Len: 8, IgnoreCounter: true}),
	)
}

func (h *Hooks) Rx(st *safety.State, f *can.Frame) {
	if f.Bus != BusMain {
		return
	}
	switch f.Addr() {
	case AddrCruiseButtons:
		raw, ok := sigButtons.Raw(f)
		if !ok {
			return
		}
		cur := uint16(raw) & btnMask
		rising := cur &^ h.prevButtons
		h.prevButtons = cur
		if rising&btnIACC != 0 {
			st.ToggleMain()
			if st.MainOn() {
				st.RequestEngage()
			}
		}
		if rising&(btnRes|btnSet) != 0 {
			st.RequestEngage()
		}
		if cur&btnCancel != 0 {
			st.RequestDisengage(safety.ReasonCancel)
		}
	case AddrWheelSpeeds, AddrIDDWheelSpeeds:
		st.Update(safety.VehicleSpeed, sigSpeed, f)
	case AddrPedals:
		if b, ok := sigBrake.Raw(f); ok {
			h.setBrake(st, b == 1)
		}
		if g, ok := sigGas.Raw(f); ok {
			st.SetGasPressed(g == 1)
		}
	case AddrIDDPedals:
		if b, ok := sigIDDBrake.Raw(f); ok {
			h.setBrake(st, b == 1)
		}
		// The gas bit of 0x1A6 is not known. An accelerator that cannot be
		// observed counts as pressed, so the iDD variant cannot engage.
		// TODO: decode gasPressed once the GW_1A6 layout is confirmed on a car.
		st.SetGasPressed(true)
	case AddrSteerAngle:
		st.Update(safety.SteeringAngle, sigAngle, f)
	case AddrSteerTorque:
		st.Update(safety.DriverTorque, sigTorque, f)
	}
}

// setBrake also drops the cruise main switch, matching the stock cruise
// logic that needs iACC pressed again after braking.
func (h *Hooks) setBrake(st *safety.State, pressed bool) {
	st.SetBrakePressed(pressed)
	if pressed {
		st.SetMainOn(false)
	}
}

func (h *Hooks) Tx(st *safety.State, f *can.Frame) bool {
	switch f.Addr() {
	case AddrSteerCommand:
		angle, ok1 := sigSteerCmd.Raw(f)
		req, ok2 := sigSteerReq.Raw(f)
		if !ok1 || !ok2 {
			return st.Reject(safety.ViolationMalformed)
		}
		return safety.SteerAngleCheck(st, angle, req == 1, SteerLimits) == 0
	case AddrACCCommand:
		accel, ok1 := sigAccel.Decode(f)
		req, ok2 := sigACCRequest.Raw(f)
		if !ok1 || !ok2 {
			return st.Reject(safety.ViolationMalformed)
		}
		return safety.AccelCheck(st, accel, req == 1, LongLimits) == 0
	}
	return true
}

func (h *Hooks) Fwd(bus uint8, addr uint32) int { return fwdRules.Dest(bus, addr) }

func (h *Hooks) Checksum(f *can.Frame) (uint32, bool) {
	b, ok := f.Byte(7)
	return uint32(b), ok
}

func (h *Hooks) ComputeChecksum(f *can.Frame) (uint32, bool) {
	if _, ok := crcProtected[f.Addr()]; !ok || f.Len < 8 {
		return 0, false
	}
	return uint32(safety.CRC8J1850(f.Data[:7])), true
}

func (h *Hooks) Counter(f *can.Frame) (uint8, bool) {
	b, ok := f.Byte(6)
	return b & 0x0F, ok
}
