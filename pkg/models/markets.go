package models

import (
	"fmt"
	"time"
)

// LineSentinel is the value a NULL line collapses to for uniqueness, so
// two line-less markets for the same (event, book, market) collide.
const LineSentinel = 0.0

// Outcome is one priced outcome of a market, named canonically after
// mapper normalization.
type Outcome struct {
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
	Active bool    `json:"active"`
}

// MarketKey identifies one market within an (event, book) pair.
type MarketKey struct {
	MarketID string
	Line     *float64
}

// LineKey returns the line with NULL collapsed to the sentinel.
func (k MarketKey) LineKey() float64 {
	if k.Line == nil {
		return LineSentinel
	}
	return *k.Line
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s@%g", k.MarketID, k.LineKey())
}

// MappedMarket is the mapper's output for one raw market: canonical id,
// optional line, and canonically named outcomes.
type MappedMarket struct {
	MarketID string
	Line     *float64
	Outcomes []Outcome
}

// Key returns the market's identity within its (event, book).
func (m MappedMarket) Key() MarketKey {
	return MarketKey{MarketID: m.MarketID, Line: m.Line}
}

// MarketState is the cached (and persisted) state of one market for an
// (event, book) pair. A non-nil UnavailableSince means the market was
// observed before but is currently absent from the book.
type MarketState struct {
	MarketID         string
	Line             *float64
	Outcomes         []Outcome
	LastUpdatedAt    time.Time
	LastConfirmedAt  time.Time
	UnavailableSince *time.Time
}

// Key returns the market's identity within its (event, book).
func (m MarketState) Key() MarketKey {
	return MarketKey{MarketID: m.MarketID, Line: m.Line}
}

// Available reports whether the market is currently offered.
func (m MarketState) Available() bool {
	return m.UnavailableSince == nil
}

// BookSnapshot is the cache entry for one (event, book): all known
// markets plus when the book was last scraped and last confirmed.
// Snapshots are immutable value objects; updates replace them wholesale.
type BookSnapshot struct {
	CapturedAt      time.Time
	LastConfirmedAt time.Time
	Markets         []MarketState
}

// Market returns the state for the given key, if present.
func (s BookSnapshot) Market(key MarketKey) (MarketState, bool) {
	want := key.LineKey()
	for _, m := range s.Markets {
		if m.MarketID == key.MarketID && m.Key().LineKey() == want {
			return m, true
		}
	}
	return MarketState{}, false
}

// SamePrices reports whether two outcome sets carry identical numbers.
// Outcomes are matched by canonical name; a differing outcome set counts
// as a change.
func SamePrices(a, b []Outcome) bool {
	if len(a) != len(b) {
		return false
	}
	prices := make(map[string]float64, len(a))
	for _, o := range a {
		prices[o.Name] = o.Price
	}
	for _, o := range b {
		p, ok := prices[o.Name]
		if !ok || p != o.Price {
			return false
		}
	}
	return true
}

// Margin returns the overround of a market: sum(1/price) - 1 over its
// outcomes. Inactive or zero-priced outcomes are skipped.
func Margin(outcomes []Outcome) float64 {
	var sum float64
	for _, o := range outcomes {
		if o.Price > 0 {
			sum += 1 / o.Price
		}
	}
	if sum == 0 {
		return 0
	}
	return sum - 1
}
