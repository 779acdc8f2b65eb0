package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseops/pulse-engine/internal/engine"
	"github.com/pulseops/pulse-engine/pkg/logging"
)

func newSocketServer(t *testing.T, statusInterval time.Duration) (*Server, *httptest.Server) {
	t.Helper()

	e, err := engine.New(engine.Config{
		MonitorInterval:    time.Hour,
		RebalanceInterval:  time.Hour,
		FaultSweepInterval: time.Hour,
		EventSweepInterval: time.Hour,
	}, logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	s := NewServer(Config{Port: "0", StatusInterval: statusInterval}, Dependencies{
		Logger: logging.NewNoOpLogger(),
		Engine: e,
	})
	go s.hub.Run()
	t.Cleanup(s.hub.Shutdown)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialStatus(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame skips frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, want MessageType) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestStatusSocketPushesSnapshotOnConnect(t *testing.T) {
	_, ts := newSocketServer(t, time.Hour)
	conn := dialStatus(t, ts)

	msg := readFrame(t, conn, MessageTypeStatus)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "queue_capacity")
	assert.Contains(t, data, "pool_size")
}

func TestStatusSocketBroadcastsOnInterval(t *testing.T) {
	_, ts := newSocketServer(t, 50*time.Millisecond)
	conn := dialStatus(t, ts)

	// Connect push plus two periodic broadcasts.
	for i := 0; i < 3; i++ {
		readFrame(t, conn, MessageTypeStatus)
	}
}

func TestStatusSocketAnswersPing(t *testing.T) {
	_, ts := newSocketServer(t, time.Hour)
	conn := dialStatus(t, ts)

	require.NoError(t, conn.WriteJSON(NewMessage(MessageTypePing, nil)))
	readFrame(t, conn, MessageTypePong)
}

func TestStatusSocketRejectsUnknownTypes(t *testing.T) {
	_, ts := newSocketServer(t, time.Hour)
	conn := dialStatus(t, ts)

	require.NoError(t, conn.WriteJSON(NewMessage("SNAPSHOT_PLEASE", nil)))

	msg := readFrame(t, conn, MessageTypeError)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "INVALID_MESSAGE_TYPE", data["code"])
}

func TestHubDropsClientsOnShutdown(t *testing.T) {
	s, ts := newSocketServer(t, time.Hour)
	conn := dialStatus(t, ts)

	// Registration is complete once the connect snapshot arrives.
	readFrame(t, conn, MessageTypeStatus)
	require.Equal(t, 1, s.hub.ClientCount())

	s.hub.Shutdown()
	assert.Equal(t, 0, s.hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr error
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			closeErr = err
			break
		}
	}
	assert.True(t, websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived),
		"expected a close frame, got: %v", closeErr)
}
