package primary

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 4, 5*time.Second, testLogger())
}

func TestDiscoverEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/prematch/football/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"events": [
			{"id": "evt-1", "match_id": "51237", "kickoff": "2026-09-01T18:30:00Z",
			 "home_team": "Arsenal", "away_team": "Chelsea",
			 "tournament": {"id": "t-1", "name": "Premier League", "country": "England"}},
			{"id": "evt-2", "match_id": "51238", "kickoff": "not-a-time",
			 "home_team": "A", "away_team": "B", "tournament": {}},
			{"id": "evt-3", "match_id": "", "kickoff": "2026-09-01T20:00:00Z",
			 "home_team": "C", "away_team": "D", "tournament": {}}
		]}`)
	}))

	events, err := c.DiscoverEvents(context.Background())
	if err != nil {
		t.Fatalf("DiscoverEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("bad records should be skipped, got %d events", len(events))
	}
	evt := events[0]
	if evt.SharedKey != "51237" || evt.ExternalID != "evt-1" {
		t.Errorf("unexpected ids %+v", evt)
	}
	if evt.HomeTeam != "Arsenal" || evt.AwayTeam != "Chelsea" {
		t.Errorf("unexpected teams %+v", evt)
	}
	if evt.TournamentName != "Premier League" || evt.TournamentCountry != "England" {
		t.Errorf("unexpected tournament %+v", evt)
	}
	want := time.Date(2026, 9, 1, 18, 30, 0, 0, time.UTC)
	if !evt.Kickoff.Equal(want) {
		t.Errorf("kickoff %v, want %v", evt.Kickoff, want)
	}
}

func TestFetchEventMarkets(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/prematch/events/evt-1/markets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"markets": [
			{"id": "OU", "name": "Total Goals", "line": 2.5, "outcomes": [
				{"name": "Over", "price": 1.9},
				{"name": "Under", "price": 1.9, "active": false}
			]},
			{"id": "AH", "name": "Asian Handicap", "handicap_home": -0.5, "outcomes": [
				{"name": "Home", "price": 2.05, "active": true},
				{"name": "Away", "price": 1.8, "active": true}
			]}
		]}`)
	}))

	markets, err := c.FetchEventMarkets(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("FetchEventMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("got %d markets", len(markets))
	}

	ou := markets[0]
	if ou.RawMarketID != "OU" || ou.Line == nil || *ou.Line != 2.5 {
		t.Errorf("unexpected total goals market %+v", ou)
	}
	if len(ou.Outcomes) != 2 {
		t.Fatalf("got %d outcomes", len(ou.Outcomes))
	}
	if ou.Outcomes[0].IsActive != nil {
		t.Error("absent active flag should stay nil")
	}
	if ou.Outcomes[1].IsActive == nil || *ou.Outcomes[1].IsActive {
		t.Error("explicit active=false should survive decoding")
	}

	ah := markets[1]
	if ah.HandicapHome == nil || *ah.HandicapHome != -0.5 {
		t.Errorf("unexpected handicap %+v", ah)
	}
}

func TestFetchEventMarkets_HTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such event", http.StatusNotFound)
	}))

	if _, err := c.FetchEventMarkets(context.Background(), "evt-404"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
