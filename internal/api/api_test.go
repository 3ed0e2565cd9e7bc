package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/internal/config"
	"github.com/XavierBriggs/Argus/internal/scheduler"
	"github.com/XavierBriggs/Argus/pkg/models"
	"github.com/XavierBriggs/Argus/pkg/testutil"
)

type stubSettings struct{}

func (stubSettings) LoadSettings(context.Context) (models.Settings, error) {
	return models.DefaultSettings(), nil
}

type stubMaintainer struct{}

func (stubMaintainer) Cleanup(context.Context, models.Settings, time.Time) error { return nil }
func (stubMaintainer) MarkPastAlerts(context.Context, time.Time) (int64, error)  { return 0, nil }

type stubRunner struct{}

func (stubRunner) Run(context.Context, models.Settings) (<-chan models.Progress, error) {
	ch := make(chan models.Progress)
	close(ch)
	return ch, nil
}

func (stubRunner) Running() bool { return false }

func newTestServer(t *testing.T, c *cache.Cache) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := broadcast.NewHub(logger, time.Minute, 2*time.Minute, 8)
	sched := scheduler.New(stubSettings{}, stubMaintainer{}, stubRunner{}, hub, logger)
	srv := NewServer(config.ServerConfig{}, c, nil, sched, hub, logger)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, cache.New())

	var body map[string]any
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestListEvents_SortedByKickoff(t *testing.T) {
	c := cache.New()
	later := testutil.NewTestEvent(1, "100", "A", "B", 5)
	sooner := testutil.NewTestEvent(2, "200", "C", "D", 1)
	c.TrackEvents([]models.Event{later, sooner})
	capturedAt := time.Now().UTC().Truncate(time.Second)
	c.Apply(map[models.SnapshotKey]models.BookSnapshot{
		{EventID: 2, BookSlug: "primary"}: testutil.NewSnapshot(capturedAt,
			testutil.NewMarketState("1x2_ft", nil, capturedAt,
				testutil.Outcomes("C", 1.9, "Draw", 3.6, "D", 4.1))),
	})
	ts := newTestServer(t, c)

	var body struct {
		Events []struct {
			EventID int64 `json:"event_id"`
			Books   map[string]struct {
				CapturedAt      time.Time `json:"captured_at"`
				LastConfirmedAt time.Time `json:"last_confirmed_at"`
				Markets         []struct {
					MarketID  string           `json:"canonical_market_id"`
					Line      *float64         `json:"line"`
					Outcomes  []models.Outcome `json:"outcomes"`
					Available bool             `json:"available"`
				} `json:"markets"`
			} `json:"books"`
		} `json:"events"`
	}
	if code := getJSON(t, ts.URL+"/api/events", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Events) != 2 || body.Events[0].EventID != 2 {
		t.Fatalf("events should sort by kickoff, got %+v", body.Events)
	}

	// List items carry per-book state inline.
	book, ok := body.Events[0].Books["primary"]
	if !ok {
		t.Fatalf("list item missing primary book: %+v", body.Events[0].Books)
	}
	if !book.CapturedAt.Equal(capturedAt) || !book.LastConfirmedAt.Equal(capturedAt) {
		t.Errorf("book timestamps %v / %v, want %v", book.CapturedAt, book.LastConfirmedAt, capturedAt)
	}
	if len(book.Markets) != 1 || book.Markets[0].MarketID != "1x2_ft" {
		t.Fatalf("unexpected inline markets %+v", book.Markets)
	}
	if !book.Markets[0].Available || len(book.Markets[0].Outcomes) != 3 {
		t.Errorf("unexpected market %+v", book.Markets[0])
	}
}

func TestListEvents_UnavailableMarket(t *testing.T) {
	c := cache.New()
	c.TrackEvents([]models.Event{testutil.NewTestEvent(3, "300", "E", "F", 2)})

	capturedAt := time.Now().UTC().Truncate(time.Second)
	since := capturedAt.Add(-10 * time.Minute)
	gone := testutil.NewMarketState("btts", nil, capturedAt, testutil.Outcomes("Yes", 1.9, "No", 1.9))
	gone.UnavailableSince = &since
	c.Apply(map[models.SnapshotKey]models.BookSnapshot{
		{EventID: 3, BookSlug: "primary"}: testutil.NewSnapshot(capturedAt, gone),
	})
	ts := newTestServer(t, c)

	var body struct {
		Events []struct {
			Books map[string]struct {
				Markets []struct {
					Available        bool       `json:"available"`
					UnavailableSince *time.Time `json:"unavailable_since"`
				} `json:"markets"`
			} `json:"books"`
		} `json:"events"`
	}
	if code := getJSON(t, ts.URL+"/api/events", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	m := body.Events[0].Books["primary"].Markets[0]
	if m.Available {
		t.Error("flagged market should report available=false")
	}
	if m.UnavailableSince == nil || !m.UnavailableSince.Equal(since) {
		t.Errorf("unavailable_since %v, want %v", m.UnavailableSince, since)
	}
}

func TestEventDetail(t *testing.T) {
	c := cache.New()
	event := testutil.NewTestEvent(7, "700", "Home", "Away", 2)
	c.TrackEvents([]models.Event{event})
	c.Apply(map[models.SnapshotKey]models.BookSnapshot{
		{EventID: 7, BookSlug: "primary"}: testutil.NewSnapshot(time.Now(),
			testutil.NewMarketState("1x2_ft", nil, time.Now(),
				testutil.Outcomes("Home", 2.0, "Draw", 4.0, "Away", 4.0))),
	})
	ts := newTestServer(t, c)

	var body struct {
		SharedKey string `json:"shared_key"`
		Books     map[string]struct {
			Markets []struct {
				MarketID string  `json:"canonical_market_id"`
				Margin   float64 `json:"margin"`
			} `json:"markets"`
		} `json:"books"`
	}
	if code := getJSON(t, ts.URL+"/api/events/7", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.SharedKey != "700" {
		t.Errorf("shared key %q", body.SharedKey)
	}
	markets := body.Books["primary"].Markets
	if len(markets) != 1 || markets[0].MarketID != "1x2_ft" {
		t.Fatalf("unexpected markets %+v", markets)
	}
	// 1/2 + 1/4 + 1/4 - 1 = 0.
	if markets[0].Margin != 0 {
		t.Errorf("margin %v, want 0", markets[0].Margin)
	}

	if code := getJSON(t, ts.URL+"/api/events/999", nil); code != http.StatusNotFound {
		t.Errorf("missing event should 404, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/events/nope", nil); code != http.StatusBadRequest {
		t.Errorf("bad id should 400, got %d", code)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t, cache.New())

	var status scheduler.Status
	if code := getJSON(t, ts.URL+"/api/scheduler/status", &status); code != http.StatusOK {
		t.Fatalf("status endpoint %d", code)
	}
	if status.State != scheduler.StateStopped {
		t.Errorf("state %s, want STOPPED", status.State)
	}

	// Pausing a stopped scheduler conflicts.
	resp, err := http.Post(ts.URL+"/api/scheduler/pause", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause while stopped should 409, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/scheduler/trigger", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("trigger should 202, got %d", resp.StatusCode)
	}
}

func TestEventHistory_RequiresBookAndMarket(t *testing.T) {
	ts := newTestServer(t, cache.New())

	// Parameter validation happens before any store access.
	if code := getJSON(t, ts.URL+"/api/events/1/history", nil); code != http.StatusBadRequest {
		t.Errorf("missing params should 400, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/events/1/history?book=primary&market=1x2_ft&line=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad line should 400, got %d", code)
	}
}

func TestPutSettings_Validation(t *testing.T) {
	ts := newTestServer(t, cache.New())

	bad := `{"scrape_interval_secs": 300, "batch_size": 50, "enabled_books": ["primary"],
		"warning_pct": 12, "elevated_pct": 7, "critical_pct": 20}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/settings", strings.NewReader(bad))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted thresholds should 400, got %d", resp.StatusCode)
	}
}
