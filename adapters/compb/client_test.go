package compb

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler, minGap time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 4, minGap, 5*time.Second, testLogger())
}

func TestDiscoverEvents_DropsRefless(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed/prematch/football" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"items": [
			{"event_id": "evt-771", "external_ref": "51237", "kickoff": "2026-09-01T18:30:00Z",
			 "home": "Arsenal", "away": "Chelsea",
			 "tournament": "Premier League", "country": "England", "tournament_id": "t-9"},
			{"event_id": "evt-772", "external_ref": "", "kickoff": "2026-09-01T20:00:00Z",
			 "home": "A", "away": "B"}
		]}`)
	}), 0)

	events, err := c.DiscoverEvents(context.Background())
	if err != nil {
		t.Fatalf("DiscoverEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("refless events should be dropped, got %d", len(events))
	}
	evt := events[0]
	if evt.SharedKey != "51237" || evt.ExternalID != "evt-771" {
		t.Errorf("unexpected ids %+v", evt)
	}
	if evt.TournamentName != "Premier League" || evt.TournamentCountry != "England" {
		t.Errorf("unexpected tournament %+v", evt)
	}
}

func TestFetchEventMarkets(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed/events/evt-771" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"markets": [
			{"code": "MAH", "title": "Handicap", "handicap_home": -1.0, "rates": [
				{"name": "Home", "rate": 2.1, "open": true},
				{"name": "Away", "rate": 1.75, "open": false}
			]}
		]}`)
	}), 0)

	markets, err := c.FetchEventMarkets(context.Background(), "evt-771")
	if err != nil {
		t.Fatalf("FetchEventMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets", len(markets))
	}
	m := markets[0]
	if m.RawMarketID != "MAH" || m.HandicapHome == nil || *m.HandicapHome != -1.0 {
		t.Errorf("unexpected market %+v", m)
	}
	if len(m.Outcomes) != 2 {
		t.Fatalf("got %d outcomes", len(m.Outcomes))
	}
	if m.Outcomes[1].IsActive == nil || *m.Outcomes[1].IsActive {
		t.Error("closed rate should decode as inactive")
	}
}

func TestRequestPacing(t *testing.T) {
	const minGap = 60 * time.Millisecond

	var (
		mu    sync.Mutex
		times []time.Time
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"markets": []}`)
	}), minGap)

	// Issue three requests concurrently; the pacer must still space them.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.FetchEventMarkets(context.Background(), "evt-771"); err != nil {
				t.Errorf("FetchEventMarkets: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(times))
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		// Allow a little transit jitter below the configured gap.
		if gap := times[i].Sub(times[i-1]); gap < minGap/2 {
			t.Errorf("requests %d and %d only %v apart, want about %v", i-1, i, gap, minGap)
		}
	}
}
