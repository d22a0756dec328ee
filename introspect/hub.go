// Package introspect is a host-side, optional observer of scheduling
// decisions: it broadcasts dispatch/stop/recharge/exhaust/admission-
// reject events over WebSocket to any connected client. This is the
// "textual dump... formatting is the host's concern" surface — it is
// never on the scheduler's critical path and the core has no idea it
// exists beyond the narrow scheduler.EventSink interface it satisfies.
// Adapted from control_plane/ws_hub.go's MetricsHub.
package introspect

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxConnections bounds how many observers may attach at once, the
// same overload guard MetricsHub applies.
const maxConnections = 200

// Event is one scheduling-decision notification.
type Event struct {
	Kind      string    `json:"kind"`
	ServerID  int       `json:"server_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub manages connected WebSocket observers and broadcasts every
// Event to all of them. Unlike MetricsHub, which polls on a ticker,
// events here are pushed as they happen — there is no periodic
// re-fetch, since an Event carries everything worth telling an
// observer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
}

// NewHub returns an unstarted Hub; call Run to begin serving.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
	}
}

// Run drives the hub's main loop until ctx is cancelled, closing every
// connection on exit.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("introspect: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("introspect: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// Emit satisfies scheduler.EventSink. It never blocks the caller: a
// full event queue (meaning Run is not draining it fast enough, or is
// not running at all) drops the event rather than stall a scheduling
// decision.
func (h *Hub) Emit(kind string, serverID int, taskID string, detail string) {
	ev := Event{Kind: kind, ServerID: serverID, TaskID: taskID, Detail: detail, Timestamp: time.Now()}
	select {
	case h.events <- ev:
	default:
		log.Printf("introspect: dropped %s event for server %d, queue full", kind, serverID)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new observer connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes an observer connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a WebSocket and streams events to
// it until the client disconnects, mirroring handleDashboardStream's
// ping/pong keepalive and read-pump-for-disconnect shape.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("introspect: upgrade failed: %v", err)
		return
	}

	h.Register(conn)
	defer h.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("introspect: read error: %v", err)
			}
			break
		}
	}
}
