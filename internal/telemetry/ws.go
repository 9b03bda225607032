package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// Controller is the gateway surface a websocket client may drive.
type Controller interface {
	Heartbeat(engaged bool)
	Snapshot() safety.Status
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
)

// WSHandler streams events to websocket clients and accepts heartbeat and
// status requests from them:
//
//	-> {"type":"heartbeat","engaged":true}
//	-> {"type":"status"}
//	<- {"type":"status","status":{...}}
//	<- {"type":"event","event":{...}}
type WSHandler struct {
	hub      *Hub
	ctl      Controller
	upgrader websocket.Upgrader
	buf      int
	log      *slog.Logger
}

// NewWSHandler serves events from h. ctl may be nil for a read-only stream.
func NewWSHandler(h *Hub, ctl Controller) *WSHandler {
	return &WSHandler{
		hub: h,
		ctl: ctl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buf: 256,
		log: logging.L(),
	}
}

func (w *WSHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warn("ws_upgrade_error", "error", err, "remote", r.RemoteAddr)
		return
	}
	l := w.log.With("remote", r.RemoteAddr)
	l.Info("ws_connected")
	sub := w.hub.Subscribe("ws", w.buf)
	statusReq := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		w.readLoop(conn, statusReq, l)
	}()
	w.writeLoop(conn, sub, statusReq, done)
	w.hub.Unsubscribe(sub)
	_ = conn.Close()
	<-done
	l.Info("ws_disconnected", "dropped", sub.Dropped())
}

func (w *WSHandler) readLoop(conn *websocket.Conn, statusReq chan<- struct{}, l *slog.Logger) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug("ws_read_error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			l.Debug("ws_bad_message", "error", err)
			continue
		}
		switch m.Type {
		case TypeHeartbeat:
			if w.ctl != nil && m.Engaged != nil {
				w.ctl.Heartbeat(*m.Engaged)
			}
		case TypeStatus:
			select {
			case statusReq <- struct{}{}:
			default:
			}
		default:
			l.Debug("ws_unknown_type", "type", m.Type)
		}
	}
}

func (w *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription, statusReq <-chan struct{}, done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	if w.send(conn, w.status()) != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if w.send(conn, Message{Type: TypeEvent, Event: &ev}) != nil {
				return
			}
		case <-statusReq:
			if w.send(conn, w.status()) != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (w *WSHandler) status() Message {
	if w.ctl == nil {
		return Message{Type: TypeError, Error: "no controller"}
	}
	st := w.ctl.Snapshot()
	return Message{Type: TypeStatus, Status: &st}
}

func (w *WSHandler) send(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(m)
}
