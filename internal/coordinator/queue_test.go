package coordinator

import (
	"testing"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
	"github.com/XavierBriggs/Argus/pkg/testutil"
)

func TestUrgencyTier(t *testing.T) {
	now := time.Now()
	cases := []struct {
		until time.Duration
		want  int
	}{
		{10 * time.Minute, tierImminent},
		{29 * time.Minute, tierImminent},
		{31 * time.Minute, tierSoon},
		{119 * time.Minute, tierSoon},
		{121 * time.Minute, tierFuture},
		{48 * time.Hour, tierFuture},
	}
	for _, tc := range cases {
		if got := urgencyTier(now.Add(tc.until), now); got != tc.want {
			t.Errorf("kickoff in %v: got tier %d, want %d", tc.until, got, tc.want)
		}
	}
}

func TestQueueOrdering(t *testing.T) {
	now := time.Now()
	soonKick := now.Add(time.Hour)

	imminent := testutil.NewTestEvent(1, "1", "A", "B", 0.25)
	soonWide := testutil.NewTestEvent(2, "2", "C", "D", 1)
	soonWide.Kickoff = soonKick
	future := testutil.NewTestEvent(4, "4", "G", "H", 5)

	// Same tier, kickoff, and coverage as noPrimary; only the primary
	// book separates them.
	soonNarrow := testutil.NewTestEvent(3, "3", "E", "F", 1)
	soonNarrow.Kickoff = soonKick
	soonNarrow.CompetitorExternalIDs = map[string]string{"comp_a": "x"}

	noPrimary := testutil.NewTestEvent(5, "5", "I", "J", 1)
	noPrimary.Kickoff = soonKick
	noPrimary.PrimaryExternalID = nil
	noPrimary.CompetitorExternalIDs = map[string]string{"comp_a": "y", "comp_b": "z"}

	q := newEventQueue([]models.Event{future, noPrimary, soonNarrow, soonWide, imminent}, now)

	var order []int64
	for q.Len() > 0 {
		batch := q.popBatch(1)
		order = append(order, batch[0].EventID)
	}

	// imminent first; among equal kickoffs higher coverage first, and
	// with coverage tied the primary-book event wins; future last.
	want := []int64{1, 2, 3, 5, 4}
	if len(order) != len(want) {
		t.Fatalf("got %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestPopBatchSize(t *testing.T) {
	now := time.Now()
	events := []models.Event{
		testutil.NewTestEvent(1, "1", "A", "B", 1),
		testutil.NewTestEvent(2, "2", "C", "D", 2),
		testutil.NewTestEvent(3, "3", "E", "F", 3),
	}
	q := newEventQueue(events, now)

	if got := q.popBatch(2); len(got) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(got))
	}
	if got := q.popBatch(2); len(got) != 1 {
		t.Fatalf("expected remainder of 1, got %d", len(got))
	}
	if got := q.popBatch(2); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
}
