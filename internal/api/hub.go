package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
)

// PoolMessage is the JSON message sent to WebSocket clients when a pool
// changes.
type PoolMessage struct {
	Type       string          `json:"type"`
	DisputeID  string          `json:"dispute_id"`
	TotalPool  decimal.Decimal `json:"total_pool"`
	PartyAPool decimal.Decimal `json:"party_a_pool"`
	PartyBPool decimal.Decimal `json:"party_b_pool"`
	PartyAOdds decimal.Decimal `json:"party_a_odds"`
	PartyBOdds decimal.Decimal `json:"party_b_odds"`
	IsActive   bool            `json:"is_active"`
}

type outbound struct {
	disputeID string
	data      []byte
}

type subscription struct {
	conn      *websocket.Conn
	disputeID string // empty receives every pool
}

// Hub manages WebSocket connections and pushes pool odds to subscribers.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.disputeID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "dispute_id", sub.disputeID, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, filter := range h.clients {
				if filter != "" && filter != msg.disputeID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
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

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// PoolUpdated broadcasts the pool's new totals and odds.
func (h *Hub) PoolUpdated(pool *model.BettingPool) {
	data, err := json.Marshal(PoolMessage{
		Type:       "pool_update",
		DisputeID:  pool.DisputeID,
		TotalPool:  pool.TotalPoolAmount,
		PartyAPool: pool.PartyAAmount,
		PartyBPool: pool.PartyBAmount,
		PartyAOdds: pool.PartyAOdds,
		PartyBOdds: pool.PartyBOdds,
		IsActive:   pool.IsActive,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{disputeID: pool.DisputeID, data: data}:
	default:
		// Drop if buffer full so bet placement never blocks on clients.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, disputeID: r.URL.Query().Get("dispute_id")}:
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
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
