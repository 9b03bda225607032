package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// ErrNoRoute is returned when no sink is bound to a frame's bus.
var ErrNoRoute = errors.New("no sink for bus")

// BusSet routes frames to the sink bound to their Bus field.
type BusSet struct {
	mu    sync.RWMutex
	sinks map[uint8]FrameSink
}

// NewBusSet returns an empty set.
func NewBusSet() *BusSet { return &BusSet{sinks: make(map[uint8]FrameSink)} }

// Bind attaches sink to bus, replacing any previous binding. A nil sink
// removes the binding.
func (b *BusSet) Bind(bus uint8, sink FrameSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sink == nil {
		delete(b.sinks, bus)
		return
	}
	b.sinks[bus] = sink
}

// SendFrame delivers fr to the sink for fr.Bus.
func (b *BusSet) SendFrame(fr can.Frame) error {
	b.mu.RLock()
	s, ok := b.sinks[fr.Bus]
	b.mu.RUnlock()
	if !ok {
		metrics.IncError(metrics.ErrNoRoute)
		return fmt.Errorf("%w: %d", ErrNoRoute, fr.Bus)
	}
	return s.SendFrame(fr)
}

// Has reports whether bus has a sink.
func (b *BusSet) Has(bus uint8) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sinks[bus]
	return ok
}

// Buses lists bound bus indices in ascending order.
func (b *BusSet) Buses() []uint8 {
	b.mu.RLock()
	out := make([]uint8, 0, len(b.sinks))
	for k := range b.sinks {
		out = append(out, k)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
