package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, f *fixture) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", f.hub.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestServeWsHandshake(t *testing.T) {
	f := newFixture(t)
	url := wsServer(t, f)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// the id push is the first frame on every connection
	msg := readMessage(t, conn)
	assert.Equal(t, "id", msg["type"])
	id := msg["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, f.clients.Count())

	// a real round trip over the wire
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "room": "R", "requestId": "r1"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "joined", msg["type"])
	assert.Equal(t, id, msg["id"])
	assert.Equal(t, "r1", msg["requestId"])

	conn.Close()
	require.Eventually(t, func() bool { return f.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond,
		"disconnect cleanup did not run")
	assert.Nil(t, f.rooms.Get("R"))
}

func TestServeWsAuthRequired(t *testing.T) {
	f := newFixture(t)
	f.cfg.EnableAuth = true
	url := wsServer(t, f)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unauthorized", msg["message"])

	// the channel is closed right after the error
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, f.clients.Count())
}

func TestServeWsRejectsBadOrigin(t *testing.T) {
	f := newFixture(t)
	url := wsServer(t, f)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
}

func TestServeWsAllowsConfiguredOrigin(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")
	f := newFixture(t)
	url := wsServer(t, f)

	header := http.Header{"Origin": []string{"https://app.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, "id", msg["type"])

	conn.Close()
	require.Eventually(t, func() bool { return f.clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
