package safety

import "github.com/kstaniek/can-safety-gateway/internal/can"

// Hooks is implemented once per vehicle platform. An Engine owns the hooks
// value it was initialized with and calls it under its own lock, so per
// vehicle state may live in the implementing struct.
//
// Frames passed to hooks must not be modified. Pure functions report a
// payload too short for the expected layout by returning false.
type Hooks interface {
	// Init returns the validation configuration for the vehicle variant
	// selected by param.
	Init(param uint16) Config
	// Rx decodes a validated inbound frame into st. It never rejects.
	Rx(st *State, f *can.Frame)
	// Tx decides whether an outbound frame may be sent.
	Tx(st *State, f *can.Frame) bool
	// Fwd returns the destination bus for a frame received on bus, or NoForward.
	Fwd(bus uint8, addr uint32) int

	Checksum(f *can.Frame) (uint32, bool)
	ComputeChecksum(f *can.Frame) (uint32, bool)
	Counter(f *can.Frame) (uint8, bool)
}

// Namer is optionally implemented by hooks for logging.
type Namer interface {
	Name() string
}

// NoChecksum can be embedded by hooks for vehicles without checksums or
// counters. Rx checks using it must set IgnoreChecksum and IgnoreCounter.
type NoChecksum struct{}

func (NoChecksum) Checksum(*can.Frame) (uint32, bool)        { return 0, false }
func (NoChecksum) ComputeChecksum(*can.Frame) (uint32, bool) { return 0, false }
func (NoChecksum) Counter(*can.Frame) (uint8, bool)          { return 0, false }

func hooksName(h Hooks) string {
	if n, ok := h.(Namer); ok {
		return n.Name()
	}
	return "unnamed"
}
