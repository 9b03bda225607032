// Package hub fans bus traffic out to upstream clients.
package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/can-safety-gateway/internal/can"
	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/metrics"
)

// BackpressurePolicy decides what happens when a client queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // close the client
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("hub: unknown policy %q", s)
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// BusMask selects bus indices 0..31. The zero mask selects every bus.
type BusMask uint32

// MaskOf builds a mask from bus indices; indices above 31 are ignored.
func MaskOf(buses ...uint8) BusMask {
	var m BusMask
	for _, b := range buses {
		if b < 32 {
			m |= 1 << b
		}
	}
	return m
}

// Has reports whether bus is selected.
func (m BusMask) Has(bus uint8) bool {
	return m == 0 || (bus < 32 && m&(1<<bus) != 0)
}

// Client is one upstream consumer.
type Client struct {
	Out    chan can.Frame
	Closed chan struct{}
	Buses  BusMask
	once   sync.Once
}

// NewClient allocates a client with an output queue of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close marks the client closed. Repeated calls are no-ops.
func (c *Client) Close() { c.once.Do(func() { close(c.Closed) }) }

// Wants reports whether frames from bus should be delivered.
func (c *Client) Wants(bus uint8) bool { return c.Buses.Has(bus) }

func (c *Client) closed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}

// Hub holds the registered clients. OutBufSize is read by the server when
// allocating new clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers c.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes c. Safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if known && n == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues fr on every interested client without blocking.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	if len(clients) == 0 {
		return
	}
	depth := 0
	for _, c := range clients {
		depth = max(depth, len(c.Out))
		if c.Wants(fr.Bus) && !c.closed() {
			h.offer(c, fr)
		}
	}
	metrics.SetQueueDepth(depth)
}

func (h *Hub) offer(c *Client, fr can.Frame) {
	select {
	case c.Out <- fr:
		return
	default:
	}
	switch h.Policy {
	case PolicyKick:
		metrics.IncHubKick()
		// The client's writer sees Closed and unregisters.
		c.Close()
	default:
		metrics.IncHubDrop()
	}
}

// Snapshot copies the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
