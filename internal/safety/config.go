package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/can-safety-gateway/internal/can"
)

// MaxRxAlternates bounds the number of interchangeable messages one rx check
// may list (e.g. petrol and hybrid drivetrains publishing speed on different ids).
const MaxRxAlternates = 3

// ErrInvalidConfig is returned by Config.Validate and Engine.Init.
var ErrInvalidConfig = errors.New("safety: invalid config")

// TxMsg whitelists one outbound message shape.
// CheckRelay marks messages the stock ECU must stop sending once the
// assistance computer owns them; seeing one on the bus latches a relay fault.
type TxMsg struct {
	Addr       uint32
	Bus        uint8
	Len        uint8
	CheckRelay bool
}

// RxMsg describes one inbound message subject to integrity checks.
// Frequency is in Hz; 0 disables timing checks.
type RxMsg struct {
	Addr           uint32
	Bus            uint8
	Len            uint8
	Frequency      uint32
	IgnoreChecksum bool
	IgnoreCounter  bool
	CounterWidth   uint8 // bits, 0 means 4
}

func (m RxMsg) counterMask() uint8 {
	w := m.CounterWidth
	if w == 0 {
		w = 4
	}
	if w >= 8 {
		return 0xFF
	}
	return uint8(1)<<w - 1
}

func (m RxMsg) period() time.Duration {
	if m.Frequency == 0 {
		return 0
	}
	return time.Second / time.Duration(m.Frequency)
}

// RxCheck groups alternates for a single logical signal source. The first
// alternate observed on the bus locks the check to that message.
type RxCheck struct {
	Msgs []RxMsg
}

// Policy holds the integrity and heartbeat thresholds. Zero fields take the
// defaults from DefaultPolicy.
type Policy struct {
	MaxMisses              int           // misses before a check is invalid
	GapTolerance           float64       // allowed inter-frame gap in periods
	LagCycles              int           // missed periods before a check is lagging
	MinLag                 time.Duration // lower bound of the lagging window
	HeartbeatMismatchLimit int           // engaged/not-engaged disagreements tolerated
	HeartbeatTimeout       time.Duration // silence before the upstream is presumed dead
}

// DefaultPolicy returns the compiled-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxMisses:              5,
		GapTolerance:           3.0,
		LagCycles:              10,
		MinLag:                 time.Second,
		HeartbeatMismatchLimit: 3,
		HeartbeatTimeout:       time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxMisses <= 0 {
		p.MaxMisses = d.MaxMisses
	}
	if p.GapTolerance <= 0 {
		p.GapTolerance = d.GapTolerance
	}
	if p.LagCycles <= 0 {
		p.LagCycles = d.LagCycles
	}
	if p.MinLag <= 0 {
		p.MinLag = d.MinLag
	}
	if p.HeartbeatMismatchLimit <= 0 {
		p.HeartbeatMismatchLimit = d.HeartbeatMismatchLimit
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = d.HeartbeatTimeout
	}
	return p
}

// Config is the validation configuration returned by Hooks.Init. It is built
// once with NewConfig and never mutated afterwards; accessors return copies.
type Config struct {
	txMsgs       []TxMsg
	rxChecks     []RxCheck
	policy       Policy
	mainAlwaysOn bool
}

// ConfigOption customizes NewConfig.
type ConfigOption func(*Config)

// NewConfig builds an immutable Config.
func NewConfig(opts ...ConfigOption) Config {
	c := Config{policy: DefaultPolicy()}
	for _, o := range opts {
		o(&c)
	}
	c.policy = c.policy.withDefaults()
	return c
}

// WithTx appends outbound whitelist entries.
func WithTx(msgs ...TxMsg) ConfigOption {
	return func(c *Config) { c.txMsgs = append(c.txMsgs, msgs...) }
}

// WithRx appends one rx check made of the given alternates.
func WithRx(alternates ...RxMsg) ConfigOption {
	return func(c *Config) {
		msgs := make([]RxMsg, len(alternates))
		copy(msgs, alternates)
		c.rxChecks = append(c.rxChecks, RxCheck{Msgs: msgs})
	}
}

// WithPolicy overrides the integrity/heartbeat thresholds.
func WithPolicy(p Policy) ConfigOption {
	return func(c *Config) { c.policy = p }
}

// WithoutMainSwitch is for vehicles with no cruise main switch: the
// engagement precondition is treated as always satisfied.
func WithoutMainSwitch() ConfigOption {
	return func(c *Config) { c.mainAlwaysOn = true }
}

func (c Config) TxMsgs() []TxMsg {
	out := make([]TxMsg, len(c.txMsgs))
	copy(out, c.txMsgs)
	return out
}

func (c Config) RxChecks() []RxCheck {
	out := make([]RxCheck, len(c.rxChecks))
	for i, rc := range c.rxChecks {
		out[i] = RxCheck{Msgs: append([]RxMsg(nil), rc.Msgs...)}
	}
	return out
}

func (c Config) Policy() Policy     { return c.policy }
func (c Config) MainAlwaysOn() bool { return c.mainAlwaysOn }

// clone deep-copies c so the engine holds a private value.
func (c Config) clone() Config {
	return Config{
		txMsgs:       c.TxMsgs(),
		rxChecks:     c.RxChecks(),
		policy:       c.policy.withDefaults(),
		mainAlwaysOn: c.mainAlwaysOn,
	}
}

// Validate rejects duplicate or malformed table entries.
func (c Config) Validate() error {
	seen := make(map[[2]uint32]struct{}, len(c.txMsgs))
	for _, m := range c.txMsgs {
		if _, ok := can.LenToDLC(m.Len); !ok {
			return fmt.Errorf("%w: tx 0x%X bad length %d", ErrInvalidConfig, m.Addr, m.Len)
		}
		k := [2]uint32{m.Addr, uint32(m.Bus)}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate tx 0x%X bus %d", ErrInvalidConfig, m.Addr, m.Bus)
		}
		seen[k] = struct{}{}
	}
	rxSeen := make(map[[2]uint32]struct{})
	for i, rc := range c.rxChecks {
		if len(rc.Msgs) == 0 || len(rc.Msgs) > MaxRxAlternates {
			return fmt.Errorf("%w: rx check %d has %d alternates", ErrInvalidConfig, i, len(rc.Msgs))
		}
		for _, m := range rc.Msgs {
			if m.Len == 0 {
				return fmt.Errorf("%w: rx 0x%X zero length", ErrInvalidConfig, m.Addr)
			}
			if _, ok := can.LenToDLC(m.Len); !ok {
				return fmt.Errorf("%w: rx 0x%X bad length %d", ErrInvalidConfig, m.Addr, m.Len)
			}
			if m.CounterWidth > 8 {
				return fmt.Errorf("%w: rx 0x%X counter width %d", ErrInvalidConfig, m.Addr, m.CounterWidth)
			}
			k := [2]uint32{m.Addr, uint32(m.Bus)}
			if _, dup := rxSeen[k]; dup {
				return fmt.Errorf("%w: duplicate rx 0x%X bus %d", ErrInvalidConfig, m.Addr, m.Bus)
			}
			rxSeen[k] = struct{}{}
		}
	}
	return nil
}

// txAllowed reports whether f matches a whitelisted outbound shape.
func (c *Config) txAllowed(f *can.Frame) bool {
	addr := f.Addr()
	for i := range c.txMsgs {
		m := &c.txMsgs[i]
		if m.Addr == addr && m.Bus == f.Bus && m.Len == f.Len {
			return true
		}
	}
	return false
}

// relayConflict reports whether a received frame is one the assistance
// computer should be the sole sender of.
func (c *Config) relayConflict(f *can.Frame) bool {
	addr := f.Addr()
	for i := range c.txMsgs {
		m := &c.txMsgs[i]
		if m.CheckRelay && m.Addr == addr && m.Bus == f.Bus {
			return true
		}
	}
	return false
}
