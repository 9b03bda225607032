// Package telemetry distributes safety events to external consumers:
// websocket clients, MQTT and Kafka.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// Hub fans safety events out to subscribers. OnEvent never blocks: a
// subscriber with a full queue loses the event and the drop is counted.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one consumer queue.
type Subscription struct {
	name    string
	ch      chan safety.Event
	dropped atomic.Uint64
}

// C returns the event channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan safety.Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func NewHub() *Hub { return &Hub{subs: make(map[*Subscription]struct{})} }

var _ safety.Observer = (*Hub)(nil)

// OnEvent implements safety.Observer.
func (h *Hub) OnEvent(ev safety.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			metrics.IncEventDropped(s.name)
		}
	}
}

// Subscribe registers a consumer named name with a queue of buf events.
func (h *Hub) Subscribe(name string, buf int) *Subscription {
	if buf <= 0 {
		buf = 64
	}
	s := &Subscription{name: name, ch: make(chan safety.Event, buf)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel; safe to call twice.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

// Count returns the number of subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }

// Sink publishes events to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev safety.Event) error
	Close() error
}

// Pump forwards events from h to sink until ctx is done, then closes the
// sink. Publish failures are counted and logged; the event is not retried.
func Pump(ctx context.Context, h *Hub, sink Sink, buf int) {
	Drain(ctx, h, h.Subscribe(sink.Name(), buf), sink)
}

// Drain is Pump for a subscription taken by the caller.
func Drain(ctx context.Context, h *Hub, sub *Subscription, sink Sink) {
	defer h.Unsubscribe(sub)
	l := logging.L().With("sink", sink.Name())
	defer func() {
		if err := sink.Close(); err != nil {
			l.Warn("telemetry_close_error", "error", err)
		}
	}()
	var failing bool
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			err := sink.Publish(ctx, ev)
			failing = report(l, err, failing)
		}
	}
}

// report logs only the first failure of a streak and the recovery.
func report(l *slog.Logger, err error, failing bool) bool {
	if err != nil {
		metrics.IncError(metrics.ErrTelemetry)
		if !failing {
			l.Warn("telemetry_publish_error", "error", err)
		}
		return true
	}
	if failing {
		l.Info("telemetry_publish_recovered")
	}
	return false
}
