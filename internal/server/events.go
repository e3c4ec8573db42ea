package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"missionctl/internal/domain/state"
	"missionctl/internal/shared/logging"
	"missionctl/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// StateEvent is the compact commit notification pushed to subscribers.
// Clients that need the full picture call state.get over RPC.
type StateEvent struct {
	Version        int64     `json:"version"`
	At             time.Time `json:"at"`
	Missions       int       `json:"missions"`
	Tasks          int       `json:"tasks"`
	Agents         int       `json:"agents"`
	Artifacts      int       `json:"artifacts"`
	Approvals      int       `json:"approvals"`
	ArmedMode      bool      `json:"armedMode"`
	BreakerTripped bool      `json:"breakerTripped"`
}

func eventOf(st *state.State) StateEvent {
	return StateEvent{
		Version:        st.Version,
		At:             st.LastUpdated,
		Missions:       len(st.Missions),
		Tasks:          len(st.Tasks),
		Agents:         len(st.Agents),
		Artifacts:      len(st.Artifacts),
		Approvals:      len(st.Approvals),
		ArmedMode:      st.ArmedMode,
		BreakerTripped: st.CircuitBreaker.Tripped,
	}
}

// eventHub fans committed-state notifications out to WebSocket clients.
// Both the store subscription and the per-client channels are lossy: a
// slow reader misses events instead of stalling the write lane.
type eventHub struct {
	store    *store.Store
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan StateEvent
	closed  bool
}

func newEventHub(st *store.Store, logger logging.Logger) *eventHub {
	return &eventHub{
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan StateEvent),
	}
}

// run pumps store commits to every connected client until ctx ends.
func (h *eventHub) run(ctx context.Context) {
	commits, unsubscribe := h.store.Subscribe()
	defer unsubscribe()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-commits:
			if !ok {
				return
			}
			h.broadcast(eventOf(st))
		}
	}
}

func (h *eventHub) broadcast(ev StateEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// serve upgrades one connection and streams events until the client
// disconnects or the hub shuts down.
func (h *eventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade event stream: %v", err)
		return
	}

	ch := make(chan StateEvent, 16)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = ch
	h.mu.Unlock()

	// The initial event gives the client the current state version
	// without waiting for the next commit.
	select {
	case ch <- eventOf(h.store.Snapshot()):
	default:
	}

	go h.drainReads(conn)
	h.writeLoop(conn, ch)
}

// drainReads consumes client frames so pings and close handshakes get
// processed; the event stream is server-to-client only.
func (h *eventHub) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *eventHub) writeLoop(conn *websocket.Conn, ch chan StateEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(conn)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
	_ = conn.Close()
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.drop(conn)
	}
}
