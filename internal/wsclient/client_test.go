package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoInterviewAnalyzer/internal/protocol"
)

// flakyServer 第一个连接在 session_started 之后立即断开
func flakyServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil || env.Event != protocol.EventStartSession {
				continue
			}
			id := "s1"
			if n > 1 {
				id = "s2"
			}
			msg, _ := protocol.Encode(protocol.EventSessionStarted, protocol.SessionStartedPayload{SessionID: id})
			conn.WriteMessage(websocket.TextMessage, msg)
			if n == 1 {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

func testConfig(url string) *ClientConfig {
	cfg := DefaultClientConfig(url)
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectTries = 5
	cfg.PingInterval = time.Hour
	return cfg
}

func TestClient_ReconnectResumesSession(t *testing.T) {
	url, conns := flakyServer(t)
	c := New(testConfig(url))

	var started atomic.Int32
	c.SetEventHandler(func(env *protocol.Envelope) {
		if env.Event == protocol.EventSessionStarted {
			started.Add(1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	require.NoError(t, c.StartSession())

	require.Eventually(t, func() bool {
		return c.SessionID() == "s2" && started.Load() == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.Equal(t, 1, c.Reconnects())
}

func TestClient_SummaryClearsResume(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1/ws"))
	c.wantSession.Store(true)

	started, _ := protocol.Encode(protocol.EventSessionStarted, protocol.SessionStartedPayload{SessionID: "abc"})
	env, err := protocol.Decode(started)
	require.NoError(t, err)
	c.handleEvent(env)
	assert.Equal(t, "abc", c.SessionID())
	assert.True(t, c.wantSession.Load())

	c.handleEvent(&protocol.Envelope{Event: protocol.EventSessionSummary})
	assert.False(t, c.wantSession.Load())
}

func TestClient_SendRequiresConnection(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1/ws"))
	assert.Error(t, c.StartSession())
	assert.Error(t, c.SendFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_ConnectFailure(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1/ws"))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, "DISCONNECTED", c.GetStats()["state"])
}
