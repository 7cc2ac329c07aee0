package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kioskbox/update-service/internal/update"
)

// Subscriber is a registered live connection. The hub only needs a way to
// hand a subscriber a serialized message and to probe liveness; it knows
// nothing about the underlying channel.
type Subscriber interface {
	Send(msg []byte) error
	IsAlive() bool
}

// StatusMessage mirrors the status endpoint on the live channel.
type StatusMessage struct {
	Type            string                  `json:"type"`
	Status          update.Status           `json:"status"`
	Message         string                  `json:"message"`
	Progress        int                     `json:"progress"`
	Timestamp       time.Time               `json:"timestamp"`
	Error           string                  `json:"error,omitempty"`
	Troubleshooting *update.Troubleshooting `json:"troubleshooting,omitempty"`
}

// NewStatusMessage wraps a tracker state in the live-channel envelope.
func NewStatusMessage(st update.State) StatusMessage {
	return StatusMessage{
		Type:            "updateStatus",
		Status:          st.Status,
		Message:         st.Message,
		Progress:        st.Progress,
		Timestamp:       st.Timestamp,
		Error:           st.Error,
		Troubleshooting: st.Troubleshooting,
	}
}

// ShutdownMessage announces an impending intentional service interruption so
// clients can tell it apart from an unexpected connection drop.
type ShutdownMessage struct {
	Type                  string `json:"type"`
	ExpectedDowntimeSecs  int    `json:"expectedDowntime"`
	ReconnectInstructions string `json:"reconnectInstructions"`
}

func NewShutdownMessage(expectedDowntime time.Duration) ShutdownMessage {
	return ShutdownMessage{
		Type:                  "serverShutdown",
		ExpectedDowntimeSecs:  int(expectedDowntime.Seconds()),
		ReconnectInstructions: "reconnect with exponential backoff and poll /update/status to resynchronize",
	}
}

// Hub is the subscriber registry. Broadcast is fire-and-forget: delivery never
// blocks the caller, and a subscriber that fails a send or reports itself dead
// is pruned immediately.
type Hub struct {
	log *logrus.Logger

	mu   sync.Mutex
	subs map[Subscriber]time.Time
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[Subscriber]time.Time),
	}
}

func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.subs[s] = time.Now()
	h.mu.Unlock()
	h.log.Debugf("subscriber registered, %d connected", h.Count())
}

func (h *Hub) Unregister(s Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast serializes the message once and delivers it to every subscriber.
// Each subscriber sees messages in broadcast order; subscribers never delay
// one another because Send only enqueues.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Errorf("could not marshal broadcast message: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.IsAlive() {
			h.Unregister(s)
			continue
		}
		if err := s.Send(data); err != nil {
			h.log.Debugf("dropping dead subscriber: %v", err)
			h.Unregister(s)
		}
	}
}
