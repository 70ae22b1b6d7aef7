package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
	"github.com/easybet/market-engine/internal/settlement"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type            string              `json:"type"`
	PurchaseID      string              `json:"purchase_id"`
	ProjectID       uint64              `json:"project_id"`
	Option          uint32              `json:"option"`
	State           model.PurchaseState `json:"state"`
	Requested       uint64              `json:"requested_quantity"`
	SettledQuantity uint64              `json:"settled_quantity"`
	SettledPaid     model.Wei           `json:"settled_paid"`
	FailedBatch     int                 `json:"failed_batch"`
	Batch           *model.BatchResult  `json:"batch,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts settlement progress to
// all connected clients. It is the executor's event sink.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopped    chan struct{}
}

var _ settlement.EventSink = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
	}
}

// Run owns the client set until ctx ends, then closes every connection.
// Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		close(h.stopped)
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.clients[conn] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Set(float64(len(h.clients)))
			}

		case msg := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
		}
	}
}

// Publish implements settlement.EventSink.
func (h *WSHub) Publish(ev settlement.Event) {
	p := ev.Purchase
	h.Broadcast(WSMessage{
		Type:            ev.Type,
		PurchaseID:      p.ID,
		ProjectID:       p.ProjectID,
		Option:          p.Option,
		State:           p.State,
		Requested:       p.Requested,
		SettledQuantity: p.SettledQuantity,
		SettledPaid:     p.SettledPaid,
		FailedBatch:     p.FailedBatch,
		Batch:           ev.Batch,
		Error:           p.Error,
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.stopped:
		conn.Close()
		return
	}
	done := make(chan struct{})

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- conn:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe to call concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
