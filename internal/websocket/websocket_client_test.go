package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chartfeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWebSocketServer is a minimal upstream feed used by the client tests.
type TestWebSocketServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]byte

	// onConnect runs after the upgrade; it may write frames to the client.
	onConnect func(conn *websocket.Conn)
	reject    bool
}

func NewTestWebSocketServer(t *testing.T) *TestWebSocketServer {
	t.Helper()
	ts := &TestWebSocketServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *TestWebSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.mu.Unlock()

	if ts.onConnect != nil {
		ts.onConnect(conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.received = append(ts.received, data)
		ts.mu.Unlock()
	}
}

func (ts *TestWebSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *TestWebSocketServer) Received() [][]byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([][]byte, len(ts.received))
	copy(out, ts.received)
	return out
}

func (ts *TestWebSocketServer) Close() {
	ts.mu.Lock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.mu.Unlock()
	ts.server.Close()
}

// echoPriceHandler turns every frame into a tick priced at the frame length.
func echoPriceHandler(raw []byte, ticks chan<- model.PriceTick) error {
	if string(raw) == "bad" {
		return errors.New("bad frame")
	}
	if string(raw) == "panic" {
		panic("handler exploded")
	}
	ticks <- model.PriceTick{
		Pair:      model.Pair{Base: "ETH", Quote: "USD"},
		Price:     decimal.NewFromInt(int64(len(raw))),
		Timestamp: time.Now(),
	}
	return nil
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "Missing endpoint", cfg: Config{Handler: echoPriceHandler}},
		{name: "Missing handler", cfg: Config{Endpoint: "ws://localhost:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewWebsocketClient(context.Background(), tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, client)
		})
	}
}

func TestNewWebsocketClient_ConnectionRejected(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	ts.reject = true

	client, err := NewWebsocketClient(context.Background(), Config{Endpoint: ts.URL(), Handler: echoPriceHandler})
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestNewWebsocketClient_SubscriptionMessages(t *testing.T) {
	ts := NewTestWebSocketServer(t)

	client, err := NewWebsocketClient(context.Background(), Config{
		Endpoint:             ts.URL(),
		Handler:              echoPriceHandler,
		SubscriptionMessages: [][]byte{[]byte(`{"op":"subscribe"}`)},
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool {
		received := ts.Received()
		return len(received) == 1 && string(received[0]) == `{"op":"subscribe"}`
	}, time.Second, 10*time.Millisecond)
}

func TestClient_MessageHandling(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	ts.onConnect = func(conn *websocket.Conn) {
		for _, frame := range []string{"a", "bad", "panic", "abc"} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
	}

	client, err := NewWebsocketClient(context.Background(), Config{Endpoint: ts.URL(), Handler: echoPriceHandler})
	require.NoError(t, err)
	defer client.Close()

	var prices []int64
	timeout := time.After(2 * time.Second)
	for len(prices) < 2 {
		select {
		case tick := <-client.TickChan:
			prices = append(prices, tick.Price.IntPart())
		case <-timeout:
			t.Fatalf("timed out waiting for ticks, got %v", prices)
		}
	}

	assert.Equal(t, []int64{1, 3}, prices, "bad and panicking frames are skipped in order")
}

func TestClient_Close(t *testing.T) {
	ts := NewTestWebSocketServer(t)

	client, err := NewWebsocketClient(context.Background(), Config{Endpoint: ts.URL(), Handler: echoPriceHandler})
	require.NoError(t, err)

	client.Close()
	client.Close()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel not closed")
	}

	_, open := <-client.TickChan
	assert.False(t, open, "tick channel is closed after shutdown")
	assert.True(t, client.Wait(2*time.Second))
}

func TestClient_ContextCancellation(t *testing.T) {
	ts := NewTestWebSocketServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	client, err := NewWebsocketClient(ctx, Config{Endpoint: ts.URL(), Handler: echoPriceHandler})
	require.NoError(t, err)

	cancel()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop on context cancellation")
	}
}

func TestClient_ServerDisconnect(t *testing.T) {
	ts := NewTestWebSocketServer(t)
	ts.onConnect = func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_ = conn.Close()
	}

	client, err := NewWebsocketClient(context.Background(), Config{Endpoint: ts.URL(), Handler: echoPriceHandler})
	require.NoError(t, err)
	defer client.Close()

	select {
	case err := <-client.ErrChan():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal read error")
	}
}
