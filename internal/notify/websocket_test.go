package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kioskbox/update-service/internal/update"
)

func dialTestWS(t *testing.T, hub *Hub, tracker *update.Tracker) *websocket.Conn {
	t.Helper()
	log := newTestLogger()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(log, hub, tracker, w, r)
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestServeWSSendsSnapshotOnConnect(t *testing.T) {
	hub := NewHub(newTestLogger())
	tracker := update.NewTracker(func(st update.State) {
		hub.Broadcast(NewStatusMessage(st))
	})

	conn := dialTestWS(t, hub, tracker)

	env := readEnvelope(t, conn)
	require.Equal(t, "updateStatus", env["type"])
	require.Equal(t, "idle", env["status"])
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServeWSReceivesBroadcasts(t *testing.T) {
	hub := NewHub(newTestLogger())
	tracker := update.NewTracker(func(st update.State) {
		hub.Broadcast(NewStatusMessage(st))
	})

	conn := dialTestWS(t, hub, tracker)
	_ = readEnvelope(t, conn) // initial snapshot

	require.NoError(t, tracker.Begin(func() (bool, error) { return true, nil }))
	tracker.Apply(update.Event{Kind: update.EventOutput, Message: "Installing", Progress: 50})

	// updating, then the progress refresh, in order
	env := readEnvelope(t, conn)
	require.Equal(t, "updating", env["status"])
	env = readEnvelope(t, conn)
	require.EqualValues(t, 50, env["progress"])
}

func TestSubscriberQueueOverflowClosesConnection(t *testing.T) {
	subscribers := make(chan *wsSubscriber, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		subscribers <- &wsSubscriber{
			conn:  conn,
			queue: make(chan []byte, 1),
			done:  make(chan struct{}),
		}
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	sub := <-subscribers

	// No writer is draining yet, so the second enqueue overflows.
	require.NoError(t, sub.Send([]byte(`{"n":1}`)))
	require.ErrorIs(t, sub.Send([]byte(`{"n":2}`)), errQueueFull)
	require.False(t, sub.IsAlive())

	// The writer must observe the overflow and close the connection so the
	// client falls into its reconnect path instead of idling.
	go sub.writePump()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			require.False(t, websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure),
				"expected a clean close, got: %v", err)
			break
		}
	}
}

func TestServeWSUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(newTestLogger())
	tracker := update.NewTracker(nil)

	conn := dialTestWS(t, hub, tracker)
	_ = readEnvelope(t, conn)
	require.Equal(t, 1, hub.Count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
}
