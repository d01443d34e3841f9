package service

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverConn returns the server side of a fresh websocket connection.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			conns <- conn
		}
	}))
	t.Cleanup(srv.Close)

	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}
	return nil
}

func Test_Session_ConnectionErrorsAreLogged(t *testing.T) {
	conn := serverConn(t)
	require.NoError(t, conn.Close())

	feed := new(MockDatafeed)
	cfg := Config{PingPeriod: time.Second, WriteTimeout: time.Second, ReadLimit: 1024, SendBuffer: 1}
	s := newSession("test", conn, feed, cfg, validator.New())
	var logs bytes.Buffer
	s.logger = zerolog.New(&logs).Level(zerolog.DebugLevel)

	s.readPump()
	s.push(Ack{OK: true})
	s.writePump()

	out := logs.String()
	assert.Contains(t, out, "error setting read deadline")
	assert.Contains(t, out, "error setting write deadline")
	assert.Contains(t, out, "error sending close message")
	assert.Equal(t, int32(1), feed.closed.Load())
}
