// Package vehicles is the static table of safety modes.
package vehicles

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kstaniek/can-safety-gateway/internal/safety"
	"github.com/kstaniek/can-safety-gateway/internal/safety/changan"
	"github.com/kstaniek/can-safety-gateway/internal/safety/nooutput"
)

// Mode identifies a vehicle platform.
type Mode uint16

const (
	ModeNoOutput Mode = 0
	ModeChangan  Mode = 40
)

var ErrUnknownMode = errors.New("vehicles: unknown safety mode")

type entry struct {
	name string
	new  func() safety.Hooks
}

var table = map[Mode]entry{
	ModeNoOutput: {"no_output", func() safety.Hooks { return nooutput.New() }},
	ModeChangan:  {"changan", func() safety.Hooks { return changan.New() }},
}

// Lookup returns a fresh hooks instance for mode.
func Lookup(mode Mode) (safety.Hooks, error) {
	e, ok := table[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
	return e.new(), nil
}

// ParseMode accepts a mode name or its numeric id.
func ParseMode(s string) (Mode, error) {
	for m, e := range table {
		if e.name == s {
			return m, nil
		}
	}
	var n uint16
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		if _, ok := table[Mode(n)]; ok {
			return Mode(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) String() string {
	if e, ok := table[m]; ok {
		return e.name
	}
	return fmt.Sprintf("mode(%d)", uint16(m))
}

// Modes lists registered modes in ascending order.
func Modes() []Mode {
	out := make([]Mode, 0, len(table))
	for m := range table {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Select initializes e with mode and param. Any failure leaves e running the
// no-output plugin and is returned to the caller.
func Select(e *safety.Engine, mode Mode, param uint16) error {
	h, err := Lookup(mode)
	if err == nil {
		err = e.Init(h, param)
	}
	if err != nil {
		if ferr := e.Init(nooutput.New(), 0); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}
