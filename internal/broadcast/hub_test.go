package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute, 2*time.Minute, 8)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return env
}

func TestHandleWS_ConnectionAck(t *testing.T) {
	hub, srv := testHub(t)
	conn := dial(t, srv, "?topics=odds_updates,risk_alerts")

	ack := readEnvelope(t, conn)
	if ack.Type != "connection_ack" {
		t.Fatalf("first frame should be the ack, got %s", ack.Type)
	}
	data := ack.Data.(map[string]any)
	if data["subscriber_id"] == "" {
		t.Error("ack should carry a subscriber id")
	}
	topics := data["topics"].([]any)
	if len(topics) != 2 {
		t.Errorf("ack topics %v", topics)
	}

	waitSubscribers(t, hub, 1)
}

func TestPublish_TopicFiltering(t *testing.T) {
	hub, srv := testHub(t)

	oddsOnly := dial(t, srv, "?topics=odds_updates")
	everything := dial(t, srv, "")
	readEnvelope(t, oddsOnly)
	readEnvelope(t, everything)
	waitSubscribers(t, hub, 2)

	hub.Publish(TopicRiskAlerts, "risk_alerts", map[string]any{"alert_id": 7})
	hub.Publish(TopicOddsUpdates, "odds_updates", map[string]any{"event_id": 1})

	// The odds-only subscriber must see the odds frame first: the risk
	// frame was never enqueued for it.
	env := readEnvelope(t, oddsOnly)
	if env.Type != "odds_updates" {
		t.Errorf("odds-only subscriber got %s", env.Type)
	}

	env = readEnvelope(t, everything)
	if env.Type != "risk_alerts" {
		t.Errorf("all-topics subscriber should see risk first, got %s", env.Type)
	}
	env = readEnvelope(t, everything)
	if env.Type != "odds_updates" {
		t.Errorf("all-topics subscriber should see odds second, got %s", env.Type)
	}
}

func TestHandleWS_UnknownTopicsRejected(t *testing.T) {
	_, srv := testHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with only unknown topics should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %+v", resp)
	}
}

func TestHandleWS_UnknownMixedWithKnownIsIgnored(t *testing.T) {
	hub, srv := testHub(t)
	conn := dial(t, srv, "?topics=bogus,odds_updates")

	ack := readEnvelope(t, conn)
	topics := ack.Data.(map[string]any)["topics"].([]any)
	if len(topics) != 1 || topics[0] != TopicOddsUpdates {
		t.Errorf("unknown topic should be ignored, got %v", topics)
	}
	waitSubscribers(t, hub, 1)
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	hub, srv := testHub(t)
	conn := dial(t, srv, "")
	readEnvelope(t, conn)
	waitSubscribers(t, hub, 1)

	conn.Close()
	waitSubscribers(t, hub, 0)

	// Publishing to an empty hub is a no-op, not a panic.
	hub.Publish(TopicOddsUpdates, "odds_updates", nil)
}

// waitSubscribers polls because registration and removal happen on the
// connection goroutines.
func waitSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d (have %d)", want, hub.Subscribers())
}
