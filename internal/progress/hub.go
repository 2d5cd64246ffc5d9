package progress

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxObservers = 200
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Hub fans workflow run events out to websocket observers. Observers
// register against a run id; the single run loop owns the client map.
type Hub struct {
	log        zerolog.Logger
	register   chan registration
	unregister chan *websocket.Conn
	events     chan runEvent
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*websocket.Conn]string
}

type registration struct {
	conn  *websocket.Conn
	runID string
}

type runEvent struct {
	runID string
	ev    Event
}

// NewHub builds a Hub. Run must be started for it to deliver anything.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "progress_hub").Logger(),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan runEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]string),
	}
}

// Run is the hub's main loop. All writes to observer connections happen
// here, including keepalive pings.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxObservers {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warn().Int("max", maxObservers).Msg("observer rejected, hub full")
				continue
			}
			h.clients[reg.conn] = reg.runID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case re := <-h.events:
			h.deliver(re)

		case <-ping.C:
			h.pingAll()
		}
	}
}

// Publish queues an event for the run's observers. Drops when the hub
// is saturated rather than blocking the caller.
func (h *Hub) Publish(runID string, ev Event) {
	select {
	case h.events <- runEvent{runID: runID, ev: ev}:
	default:
		h.log.Warn().Str("run_id", runID).Msg("progress event dropped, hub saturated")
	}
}

// Register attaches an observer to a run id. After the hub shuts down
// it closes the connection instead of blocking the caller.
func (h *Hub) Register(conn *websocket.Conn, runID string) {
	select {
	case h.register <- registration{conn: conn, runID: runID}:
	case <-h.done:
		if conn != nil {
			conn.Close()
		}
	}
}

// Unregister detaches an observer. Safe to call after shutdown.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(re runEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, runID := range h.clients {
		if runID != re.runID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(re.ev); err != nil {
			h.log.Debug().Err(err).Msg("observer write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}
