package mapper

import (
	"testing"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
	"github.com/XavierBriggs/Argus/pkg/testutil"
)

func TestNormalize_BaselinePerBook(t *testing.T) {
	m := New(nil)

	cases := []struct {
		book  string
		rawID string
		want  string
	}{
		{"primary", "1X2", Market1X2FullTime},
		{"primary", "OU_CORNERS", MarketTotalCorners},
		{"comp_a", "800100", Market1X2FullTime},
		{"comp_a", "800120", MarketDrawNoBet},
		{"comp_b", "M1X2", Market1X2FullTime},
		{"comp_b", "MBTTS", MarketBTTS},
	}
	for _, tc := range cases {
		raw := models.RawMarket{RawMarketID: tc.rawID}
		mapped, ok := m.Normalize(tc.book, raw)
		if !ok {
			t.Fatalf("%s/%s: expected a mapping", tc.book, tc.rawID)
		}
		if mapped.MarketID != tc.want {
			t.Errorf("%s/%s: got %s, want %s", tc.book, tc.rawID, mapped.MarketID, tc.want)
		}
	}
}

func TestNormalize_UnknownMarketIsUnmapped(t *testing.T) {
	m := New(nil)

	if _, ok := m.Normalize("primary", models.RawMarket{RawMarketID: "EXOTIC_99"}); ok {
		t.Error("unknown raw id should not map")
	}
	if _, ok := m.Normalize("unknown_book", models.RawMarket{RawMarketID: "1X2"}); ok {
		t.Error("unknown book should not map")
	}
}

func TestNormalize_OverrideBeatsBaseline(t *testing.T) {
	m := New([]Override{
		{BookSlug: "primary", RawMarketID: "1X2", MarketID: MarketDoubleChance, Priority: 1},
	})

	mapped, ok := m.Normalize("primary", models.RawMarket{RawMarketID: "1X2"})
	if !ok {
		t.Fatal("expected a mapping")
	}
	if mapped.MarketID != MarketDoubleChance {
		t.Errorf("override should win over baseline, got %s", mapped.MarketID)
	}
}

func TestNormalize_OverridePriorityAndTieBreak(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	m := New([]Override{
		{BookSlug: "comp_a", RawMarketID: "999", MarketID: MarketBTTS, Priority: 1, CreatedAt: early},
		{BookSlug: "comp_a", RawMarketID: "999", MarketID: MarketHandicap, Priority: 5, CreatedAt: late},
	})
	mapped, _ := m.Normalize("comp_a", models.RawMarket{RawMarketID: "999"})
	if mapped.MarketID != MarketHandicap {
		t.Errorf("highest priority should win, got %s", mapped.MarketID)
	}

	// Equal priority: earliest creation time wins.
	m = New([]Override{
		{BookSlug: "comp_a", RawMarketID: "999", MarketID: MarketBTTS, Priority: 3, CreatedAt: late},
		{BookSlug: "comp_a", RawMarketID: "999", MarketID: MarketDrawNoBet, Priority: 3, CreatedAt: early},
	})
	mapped, _ = m.Normalize("comp_a", models.RawMarket{RawMarketID: "999"})
	if mapped.MarketID != MarketDrawNoBet {
		t.Errorf("earliest override should win the tie, got %s", mapped.MarketID)
	}
}

func TestNormalize_HandicapHomeSubstitution(t *testing.T) {
	m := New(nil)

	raw := models.RawMarket{
		RawMarketID:  "MAH",
		HandicapHome: testutil.Float(-1.5),
	}
	mapped, ok := m.Normalize("comp_b", raw)
	if !ok {
		t.Fatal("expected a mapping")
	}
	if mapped.Line == nil || *mapped.Line != -1.5 {
		t.Errorf("handicap market without line should take handicap_home, got %v", mapped.Line)
	}

	// An explicit line is never overwritten.
	raw.Line = testutil.Float(0.5)
	mapped, _ = m.Normalize("comp_b", raw)
	if *mapped.Line != 0.5 {
		t.Errorf("explicit line should win, got %v", *mapped.Line)
	}

	// Non-line markets never take the substitution.
	raw = models.RawMarket{RawMarketID: "M1X2", HandicapHome: testutil.Float(-1.5)}
	mapped, _ = m.Normalize("comp_b", raw)
	if mapped.Line != nil {
		t.Errorf("1x2 should not carry a line, got %v", *mapped.Line)
	}
}

func TestNormalize_OutcomeDefaults(t *testing.T) {
	m := New(nil)
	inactive := false

	raw := models.RawMarket{
		RawMarketID: "1X2",
		Outcomes: []models.RawOutcome{
			{Name: "Home", Price: 1.85},
			{Name: "Draw", Price: 3.4, IsActive: &inactive},
		},
	}
	mapped, _ := m.Normalize("primary", raw)
	if !mapped.Outcomes[0].Active {
		t.Error("missing active flag should default to true")
	}
	if mapped.Outcomes[1].Active {
		t.Error("explicit inactive flag should be preserved")
	}
}

func TestNormalizeOutcomeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Home", "Home"},
		{"  Home   Team ", "Home Team"},
		{"Home - Draw", "Home/Draw"},
		{"Home & Draw", "Home/Draw"},
		{"Home or Draw", "Home/Draw"},
		{"Home / Draw", "Home/Draw"},
		{"Over 2.5", "Over 2.5"},
		// Hyphenated names without surrounding spaces stay intact.
		{"Saint-Etienne", "Saint-Etienne"},
	}
	for _, tc := range cases {
		if got := NormalizeOutcomeName(tc.in); got != tc.want {
			t.Errorf("NormalizeOutcomeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
