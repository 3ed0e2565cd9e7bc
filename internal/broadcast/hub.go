// Package broadcast fans committed pipeline output to websocket
// subscribers. Publishing never blocks: a subscriber whose send buffer
// is full has the message dropped, and one that stops reading is
// disconnected by the ping/pong deadline.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Topics a subscriber can select with ?topics=a,b. No topics parameter
// subscribes to everything.
const (
	TopicScrapeProgress = "scrape_progress"
	TopicOddsUpdates    = "odds_updates"
	TopicRiskAlerts     = "risk_alerts"
	TopicUnmappedAlerts = "unmapped_alerts"
)

const writeDeadline = 5 * time.Second

var allTopics = []string{TopicScrapeProgress, TopicOddsUpdates, TopicRiskAlerts, TopicUnmappedAlerts}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Envelope is the wire shape of every message.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscriber struct {
	id     string
	topics map[string]bool
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// Hub owns the subscriber set.
type Hub struct {
	logger       *slog.Logger
	pingInterval time.Duration
	pongWait     time.Duration
	sendBuffer   int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a hub with the given keepalive parameters.
func NewHub(logger *slog.Logger, pingInterval, pongWait time.Duration, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		logger:       logger,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		sendBuffer:   sendBuffer,
		subs:         make(map[*subscriber]struct{}),
	}
}

// Publish serializes one envelope and enqueues it to every subscriber of
// the topic. Called from the writer and scheduler goroutines.
func (h *Hub) Publish(topic, msgType string, data any) {
	payload, err := json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Warn("broadcast marshal failed", "type", msgType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.topics[topic] {
			continue
		}
		select {
		case s.send <- payload:
		default:
			h.logger.Warn("dropping message for slow subscriber",
				"subscriber_id", s.id, "topic", topic)
		}
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleWS upgrades the request and registers the subscriber.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		http.Error(w, "unknown topics", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{
		id:     uuid.NewString(),
		topics: topics,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	ack, _ := json.Marshal(Envelope{
		Type:      "connection_ack",
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"subscriber_id": s.id,
			"topics":        topicList(topics),
		},
	})
	s.send <- ack

	h.logger.Info("subscriber connected", "subscriber_id", s.id, "topics", topicList(topics))

	go h.writePump(s)
	go h.readPump(s)
}

// parseTopics resolves the ?topics= parameter. Empty means all topics;
// unknown names are ignored, and nil is returned when nothing valid
// remains.
func parseTopics(raw string) map[string]bool {
	topics := make(map[string]bool, len(allTopics))
	if raw == "" {
		for _, t := range allTopics {
			topics[t] = true
		}
		return topics
	}

	known := make(map[string]bool, len(allTopics))
	for _, t := range allTopics {
		known[t] = true
	}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if known[t] {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		return nil
	}
	return topics
}

func topicList(topics map[string]bool) []string {
	out := make([]string, 0, len(topics))
	for _, t := range allTopics {
		if topics[t] {
			out = append(out, t)
		}
	}
	return out
}

// writePump owns the subscriber lifecycle: on exit it deregisters and
// closes the connection, so Publish never sends to a stale channel.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(s)
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes pongs and close frames; subscribers send nothing
// else. Signals writePump via done on exit.
func (h *Hub) readPump(s *subscriber) {
	defer close(s.done)

	s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	h.logger.Info("subscriber disconnected", "subscriber_id", s.id)
}
