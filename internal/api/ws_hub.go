package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/cdp-indexer/internal/metrics"
	"github.com/atmx/cdp-indexer/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	CdpID         string `json:"cdp_id"`
	Owner         string `json:"owner"`
	ActionID      string `json:"action_id"`
	Action        string `json:"action"`
	Value         string `json:"value,omitempty"`
	Block         uint64 `json:"block"`
	Debt          string `json:"debt"`
	Collateral    string `json:"collateral"`
	CollateralUsd string `json:"collateral_usd"`
	Ratio         string `json:"ratio"`
	Closed        bool   `json:"closed,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts CDP updates to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case conn := <-h.register:
			id := uuid.NewString()
			h.mu.Lock()
			h.clients[conn] = id
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "client", id, "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	id, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(total))
		h.logger.Info("ws client disconnected", "client", id, "total", total)
	}
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full so event processing never blocks.
	}
}

// CdpUpdated broadcasts a cdp_updated message.
func (h *WSHub) CdpUpdated(cdp *model.Cdp, action *model.Action) {
	h.Broadcast(WSMessage{
		Type:          "cdp_updated",
		CdpID:         cdp.ID,
		Owner:         cdp.Owner.Hex(),
		ActionID:      action.ID,
		Action:        string(action.Type),
		Value:         action.Value(),
		Block:         action.Block,
		Debt:          cdp.Debt.String(),
		Collateral:    cdp.Collateral.String(),
		CollateralUsd: cdp.CollateralUsd.String(),
		Ratio:         cdp.Ratio.String(),
		Closed:        cdp.IsClosed(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			if ok {
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				ok = err == nil
			}
			h.mu.RUnlock()
			if !ok {
				return
			}
		}
	}()
}
