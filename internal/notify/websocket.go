package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kioskbox/update-service/internal/update"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 32
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The service binds to the kiosk's loopback; no cross-origin concern.
		return true
	},
}

var errQueueFull = errors.New("subscriber send queue is full")

// wsSubscriber adapts one WebSocket connection to the Subscriber interface.
// Send enqueues and returns immediately; a writer goroutine owns the
// connection. A full queue marks the subscriber dead rather than blocking a
// broadcast.
type wsSubscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	dead  atomic.Bool
	done  chan struct{}
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	s := &wsSubscriber{
		conn:  conn,
		queue: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSubscriber) Send(msg []byte) error {
	if s.dead.Load() {
		return errors.New("subscriber is closed")
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		// Close the connection too, so the client notices the drop and
		// reconnects instead of idling on pings with no status updates.
		s.close()
		return errQueueFull
	}
}

func (s *wsSubscriber) IsAlive() bool {
	return !s.dead.Load()
}

func (s *wsSubscriber) close() {
	if s.dead.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *wsSubscriber) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.dead.Store(true)
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dead.Store(true)
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeWS upgrades the request, registers the connection with the hub, and
// immediately sends the current tracker snapshot so late joiners start from
// the live state.
func ServeWS(log *logrus.Logger, hub *Hub, tracker *update.Tracker, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	sub := newWSSubscriber(conn)
	hub.Register(sub)

	if snapshot, err := json.Marshal(NewStatusMessage(tracker.Snapshot())); err == nil {
		_ = sub.Send(snapshot)
	}

	// Read loop: the browser never sends application messages; this only
	// services pongs and detects disconnects.
	go func() {
		defer func() {
			hub.Unregister(sub)
			sub.close()
		}()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debugf("websocket read error: %v", err)
				}
				return
			}
		}
	}()
}
