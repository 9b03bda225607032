package telemetry

import (
	"encoding/json"

	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// Message types on the websocket.
const (
	TypeEvent     = "event"
	TypeStatus    = "status"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// Message is the JSON envelope exchanged with websocket clients.
// Inbound messages use Type and Engaged; outbound carry Event or Status.
type Message struct {
	Type    string         `json:"type"`
	Engaged *bool          `json:"engaged,omitempty"`
	Event   *safety.Event  `json:"event,omitempty"`
	Status  *safety.Status `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func encodeEvent(ev safety.Event) ([]byte, error) { return json.Marshal(ev) }
