package models

import "time"

// ScrapeStatus is the per-event outcome of one cycle. An event with at
// least one book succeeding is COMPLETED; total failure is FAILED.
type ScrapeStatus string

const (
	ScrapeCompleted ScrapeStatus = "COMPLETED"
	ScrapeFailed    ScrapeStatus = "FAILED"
)

// EventScrapeStatus records how one event fared in a cycle.
type EventScrapeStatus struct {
	EventID        int64
	Status         ScrapeStatus
	BooksSucceeded int
	FirstError     string
	ScrapedAt      time.Time
}

// MarketUpsert is one current-table upsert. Changed markets also append a
// history row and advance last_updated_at; unchanged ones only confirm.
type MarketUpsert struct {
	EventID    int64
	BookSlug   string
	MarketID   string
	Line       *float64
	Outcomes   []Outcome
	Changed    bool
	CapturedAt time.Time
}

// Key returns the market's identity within its (event, book).
func (u MarketUpsert) Key() MarketKey {
	return MarketKey{MarketID: u.MarketID, Line: u.Line}
}

// AvailabilityFlip marks a market unavailable at At. Reappearance is not
// a flip: the upsert for the reappearing market clears the timestamp.
type AvailabilityFlip struct {
	EventID  int64
	BookSlug string
	MarketID string
	Line     *float64
	At       time.Time
}

// SnapshotKey addresses one cache entry.
type SnapshotKey struct {
	EventID  int64
	BookSlug string
}

// WriteBatch is the unit handed to the async write queue: everything one
// scrape batch learned, committed in a single transaction. Result carries
// the commit outcome back to the coordinator; the cache is updated with
// Snapshots only after a successful commit.
type WriteBatch struct {
	CycleID int64
	BatchID int

	Upserts   []MarketUpsert
	Flips     []AvailabilityFlip
	Unmapped  []UnmappedMarket
	Alerts    []RiskAlert
	Statuses  []EventScrapeStatus
	Snapshots map[SnapshotKey]BookSnapshot

	// EventIDs with at least one changed or new market, for the
	// odds_update broadcast.
	ChangedEventIDs []int64
	ChangedCount    int

	Result chan error
}

// Empty reports whether the batch would write nothing.
func (b *WriteBatch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Flips) == 0 && len(b.Unmapped) == 0 &&
		len(b.Alerts) == 0 && len(b.Statuses) == 0
}
