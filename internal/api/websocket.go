package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailqueue/internal/models"
)

const wsWriteWait = time.Second

// StatsSource reports queue statistics.
type StatsSource interface {
	Stats(ctx context.Context) (models.Stats, error)
}

type statsMessage struct {
	Type  string       `json:"type"`
	At    time.Time    `json:"at"`
	Stats models.Stats `json:"stats"`
	Error string       `json:"error,omitempty"`
}

// StatsHub pushes queue statistics to connected websocket clients.
type StatsHub struct {
	src      StatsSource
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewStatsHub(src StatsSource, logger *zap.Logger) *StatsHub {
	return &StatsHub{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the connection, sends a first snapshot and keeps the
// client registered until it goes away.
func (h *StatsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	msg := h.snapshot(r.Context())

	h.mu.Lock()
	h.clients[conn] = true
	h.write(conn, msg)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("stats client connected", zap.Int("clients", count))

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends the current statistics to every client.
func (h *StatsHub) Broadcast(ctx context.Context) {
	if h.ClientCount() == 0 {
		return
	}

	msg := h.snapshot(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.write(conn, msg)
	}
}

// Run broadcasts every interval until ctx is done, then disconnects all clients.
func (h *StatsHub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.Broadcast(ctx)
		}
	}
}

func (h *StatsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatsHub) snapshot(ctx context.Context) statsMessage {
	stats, err := h.src.Stats(ctx)
	msg := statsMessage{Type: "stats", At: time.Now().UTC(), Stats: stats}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// write must be called with h.mu held. A client that cannot keep up is dropped.
func (h *StatsHub) write(conn *websocket.Conn, msg statsMessage) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Debug("dropping stats client", zap.Error(err))
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *StatsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()
	conn.Close()

	h.log.Info("stats client disconnected", zap.Int("clients", count))
}

func (h *StatsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait),
		)
		conn.Close()
		delete(h.clients, conn)
	}
}
