// Package wsrelay is the thin adapter from an internal/events.Bus room
// subscription to a WebSocket connection's fan-out channel, grounded on
// ui/transports/websocket/websocket.go's upgrade-then-writePump/readPump
// shape: one goroutine drains the bus subscription into a buffered send
// channel, a second drains that channel onto the wire with periodic
// pings, and a tiny read loop exists only to notice the client going away.
package wsrelay

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Relay serves the WebSocket endpoints, subscribing each connection to a
// room on the shared event bus.
type Relay struct {
	bus      *events.Bus
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// New builds a Relay over bus.
func New(bus *events.Bus, log *logging.Logger) *Relay {
	return &Relay{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// envelope is the wire shape for every relayed message, per spec §6.
type envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServeSession streams every event for one session room.
func (rl *Relay) ServeSession(w http.ResponseWriter, r *http.Request) {
	rl.serveRoom(w, r, mux.Vars(r)["id"])
}

// ServeSessions streams every session event across the tenant, using the
// literal "global" room convention internal/events documents.
func (rl *Relay) ServeSessions(w http.ResponseWriter, r *http.Request) {
	rl.serveRoom(w, r, "global")
}

// ServeAgent streams events for one agent room.
func (rl *Relay) ServeAgent(w http.ResponseWriter, r *http.Request) {
	rl.serveRoom(w, r, mux.Vars(r)["id"])
}

// ServeAgents streams every agent event.
func (rl *Relay) ServeAgents(w http.ResponseWriter, r *http.Request) {
	rl.serveRoom(w, r, "global")
}

// ServeSystem streams every event regardless of room, for an operator
// dashboard's system-wide feed.
func (rl *Relay) ServeSystem(w http.ResponseWriter, r *http.Request) {
	rl.serveRoom(w, r, "")
}

func (rl *Relay) serveRoom(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	evCh, unsubscribe := rl.bus.Subscribe(ctx, room)

	client := &client{conn: conn, send: make(chan envelope, sendBufferSize), cancel: cancel}
	go client.writePump()
	go client.readPump()

	client.send <- envelope{
		Type:      "connection.established",
		Payload:   map[string]string{"client_id": uuid.NewString()},
		Timestamp: time.Now().UTC(),
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-evCh:
				if !ok {
					return
				}
				select {
				case client.send <- envelope{Type: string(e.Kind), Payload: e.Payload, Timestamp: e.Timestamp}:
				default:
					// Slow consumer: drop rather than block the relay goroutine.
				}
			}
		}
	}()
}

// client owns one WebSocket connection's read/write pumps.
type client struct {
	conn   *websocket.Conn
	send   chan envelope
	cancel context.CancelFunc
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump's only job is to notice the client disconnecting or sending a
// close frame; the relay is a server-push feed and accepts no client
// commands.
func (c *client) readPump() {
	defer c.cancel()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
