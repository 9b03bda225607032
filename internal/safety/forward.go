package safety

// NoForward is returned by forwarding decisions that drop the frame.
const NoForward = -1

// ForwardRules is the static forwarding table of a two-port interceptor:
// everything from the main bus reaches the camera bus, and camera traffic
// reaches the main bus unless its address is blocked.
type ForwardRules struct {
	mainBus   uint8
	cameraBus uint8
	blocked   []uint32
}

// NewForwardRules copies blocked so the rules cannot change afterwards.
func NewForwardRules(mainBus, cameraBus uint8, blocked ...uint32) ForwardRules {
	return ForwardRules{
		mainBus:   mainBus,
		cameraBus: cameraBus,
		blocked:   append([]uint32(nil), blocked...),
	}
}

// Dest returns the destination bus for a frame, or NoForward.
func (r ForwardRules) Dest(bus uint8, addr uint32) int {
	switch bus {
	case r.mainBus:
		return int(r.cameraBus)
	case r.cameraBus:
		if r.Blocked(addr) {
			return NoForward
		}
		return int(r.mainBus)
	}
	return NoForward
}

// Blocked reports whether addr is withheld from the main bus.
func (r ForwardRules) Blocked(addr uint32) bool {
	for _, a := range r.blocked {
		if a == addr {
			return true
		}
	}
	return false
}
