package coordinator

import (
	"container/heap"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// Urgency tiers by time to kickoff.
const (
	tierImminent = 0 // kickoff < 30 min away
	tierSoon     = 1 // 30 min to 2 h
	tierFuture   = 2 // beyond 2 h
)

func urgencyTier(kickoff, now time.Time) int {
	until := kickoff.Sub(now)
	switch {
	case until < 30*time.Minute:
		return tierImminent
	case until < 2*time.Hour:
		return tierSoon
	default:
		return tierFuture
	}
}

type queueItem struct {
	event models.Event
	tier  int
}

// eventQueue orders events smallest-first by the lexicographic tuple
// (urgency tier, kickoff, -coverage, no primary book): sooner events
// first, better-covered events first among equals, primary-book events
// winning the final tie.
type eventQueue []queueItem

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if !a.event.Kickoff.Equal(b.event.Kickoff) {
		return a.event.Kickoff.Before(b.event.Kickoff)
	}
	if ca, cb := a.event.Coverage(), b.event.Coverage(); ca != cb {
		return ca > cb
	}
	return a.event.HasPrimary() && !b.event.HasPrimary()
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// newEventQueue builds a heap over the given events with tiers fixed at
// cycle start.
func newEventQueue(events []models.Event, now time.Time) *eventQueue {
	q := make(eventQueue, 0, len(events))
	for _, e := range events {
		q = append(q, queueItem{event: e, tier: urgencyTier(e.Kickoff, now)})
	}
	heap.Init(&q)
	return &q
}

// popBatch removes up to n events in priority order.
func (q *eventQueue) popBatch(n int) []models.Event {
	if n <= 0 {
		n = 1
	}
	batch := make([]models.Event, 0, n)
	for len(batch) < n && q.Len() > 0 {
		item := heap.Pop(q).(queueItem)
		batch = append(batch, item.event)
	}
	return batch
}
