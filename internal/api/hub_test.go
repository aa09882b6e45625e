package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		got := len(h.clients)
		h.mu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", n)
}

func TestHub_BroadcastsFilteredPoolUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dialHub(t, srv, "")
	onlyD2 := dialHub(t, srv, "?dispute_id=d2")
	waitClients(t, hub, 2)

	hub.PoolUpdated(&model.BettingPool{
		DisputeID:       "d1",
		TotalPoolAmount: decimal.NewFromInt(100),
		PartyAAmount:    decimal.NewFromInt(100),
		PartyAOdds:      decimal.NewFromFloat(1.1),
		IsActive:        true,
	})

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := all.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg PoolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "pool_update" || msg.DisputeID != "d1" || !msg.TotalPool.Equal(decimal.NewFromInt(100)) {
		t.Errorf("message = %+v", msg)
	}

	onlyD2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := onlyD2.ReadMessage(); err == nil {
		t.Error("filtered client received another dispute's update")
	}
}
