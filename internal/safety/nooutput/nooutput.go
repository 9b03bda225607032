// Package nooutput is the default vehicle: it never transmits, never
// forwards and never engages.
package nooutput

import (
	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

type Hooks struct {
	safety.NoChecksum
}

func New() *Hooks { return &Hooks{} }

func (*Hooks) Name() string { return "no_output" }

func (*Hooks) Init(uint16) safety.Config { return safety.NewConfig() }

func (*Hooks) Rx(*safety.State, *can.Frame) {}

func (*Hooks) Tx(*safety.State, *can.Frame) bool { return false }

func (*Hooks) Fwd(uint8, uint32) int { return safety.NoForward }
