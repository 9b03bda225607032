package safety

import (
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

type rxState struct {
	variant     int  // locked alternate, -1 until one is seen
	seen        bool // counter established
	received    bool // at least one frame
	lastCounter uint8
	lastSeen    time.Time
	lastValid   time.Time
	misses      int
	invalid     bool
	lagging     bool
}

// rxResult reports what the validator concluded about one frame.
type rxResult struct {
	matched    bool // frame belongs to an rx check
	valid      bool // frame passed its integrity checks
	decode     bool // frame may be handed to Hooks.Rx
	nowInvalid bool // check crossed into the invalid state on this frame
	recovered  bool // check left the invalid or lagging state on this frame
}

// validator tracks rx-check status. It allocates only in reset.
type validator struct {
	checks []RxCheck
	states []rxState
	policy Policy
}

func (v *validator) reset(cfg *Config, now time.Time) {
	v.checks = cfg.rxChecks
	v.policy = cfg.policy
	v.states = make([]rxState, len(v.checks))
	for i := range v.states {
		v.states[i] = rxState{variant: -1, lastValid: now}
	}
}

// match finds the rx check and alternate f belongs to. known reports that
// the address/bus pair appears anywhere in the table.
func (v *validator) match(f *can.Frame) (idx, alt int, known bool) {
	addr := f.Addr()
	for i := range v.checks {
		locked := v.states[i].variant
		for j := range v.checks[i].Msgs {
			m := &v.checks[i].Msgs[j]
			if m.Addr != addr || m.Bus != f.Bus {
				continue
			}
			known = true
			if locked >= 0 && locked != j {
				continue
			}
			return i, j, true
		}
	}
	return -1, -1, known
}

// check runs the integrity checks for f and updates the owning rx check.
func (v *validator) check(f *can.Frame, h Hooks, now time.Time) rxResult {
	idx, alt, known := v.match(f)
	if idx < 0 {
		// Unlocked alternates are ignored; unknown frames carry no checks.
		return rxResult{valid: !known}
	}
	m := &v.checks[idx].Msgs[alt]
	s := &v.states[idx]
	res := rxResult{matched: true}

	// Checksum, counter and timing are scored independently so the counter
	// keeps tracking the sender across frames with a bad checksum.
	sized := f.Len == m.Len
	ok := sized
	if sized && s.variant < 0 {
		s.variant = alt
	}
	if sized && !m.IgnoreChecksum {
		got, ok1 := h.Checksum(f)
		want, ok2 := h.ComputeChecksum(f)
		if !ok1 || !ok2 || got != want {
			ok = false
		}
	}
	if sized && !m.IgnoreCounter && !v.counterOK(s, m, f, h) {
		ok = false
	}
	// The gap is taken from the previous frame of this check, valid or not.
	if sized && m.Frequency > 0 && s.received {
		gap := now.Sub(s.lastSeen)
		if float64(gap) > v.policy.GapTolerance*float64(m.period()) {
			ok = false
		}
	}
	s.lastSeen = now
	s.received = true

	wasBad := s.invalid || s.lagging
	if ok {
		if s.misses > 0 {
			s.misses--
		}
		s.lastValid = now
		s.lagging = false
	} else if s.misses < v.policy.MaxMisses {
		s.misses++
	}
	prevInvalid := s.invalid
	s.invalid = s.misses >= v.policy.MaxMisses
	res.valid = ok
	res.nowInvalid = s.invalid && !prevInvalid
	res.recovered = wasBad && !s.invalid && !s.lagging
	res.decode = ok && !s.invalid
	return res
}

// counterOK compares f's counter with the previous one and records it.
// The first frame of a check establishes the sequence.
func (v *validator) counterOK(s *rxState, m *RxMsg, f *can.Frame, h Hooks) bool {
	c, ok := h.Counter(f)
	if !ok {
		return false
	}
	mask := m.counterMask()
	c &= mask
	prev, seen := s.lastCounter, s.seen
	s.lastCounter, s.seen = c, true
	return !seen || c == (prev+1)&mask
}

// expire marks checks lagging when their messages stopped arriving.
// It returns the number of checks that started lagging.
func (v *validator) expire(now time.Time) int {
	n := 0
	for i := range v.states {
		s := &v.states[i]
		m := v.primary(i)
		if m.Frequency == 0 || s.lagging {
			continue
		}
		window := time.Duration(v.policy.LagCycles) * m.period()
		if window < v.policy.MinLag {
			window = v.policy.MinLag
		}
		if now.Sub(s.lastValid) > window {
			s.lagging = true
			n++
		}
	}
	return n
}

func (v *validator) primary(i int) *RxMsg {
	alt := v.states[i].variant
	if alt < 0 {
		alt = 0
	}
	return &v.checks[i].Msgs[alt]
}

// fault returns the disengage reason derived from rx-check status.
func (v *validator) fault() Reason {
	lag := false
	for i := range v.states {
		if v.states[i].invalid {
			return ReasonRxInvalid
		}
		lag = lag || v.states[i].lagging
	}
	if lag {
		return ReasonRxLagging
	}
	return ReasonNone
}

func (v *validator) counts() (invalid, lagging int) {
	for i := range v.states {
		if v.states[i].invalid {
			invalid++
		}
		if v.states[i].lagging {
			lagging++
		}
	}
	return invalid, lagging
}
