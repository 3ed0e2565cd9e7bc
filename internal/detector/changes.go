// Package detector compares previous committed cache state with freshly
// scraped state. It is pure: no I/O, no clock reads, no mutation of its
// inputs. One event's detection failing is isolated by the coordinator;
// the detector itself never panics on inconsistent state, it just treats
// unknown markets as new.
package detector

import (
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// EventInput is everything detection needs for one event in a batch.
type EventInput struct {
	Event models.Event

	// Prev is the committed cache state per book; a missing book means
	// never observed.
	Prev map[string]models.BookSnapshot

	// New holds the mapped markets per book that succeeded this batch.
	// Books that errored are absent and keep their previous state.
	New map[string][]models.MappedMarket

	CapturedAt time.Time
}

// PriceMove is one outcome whose price changed between the previous and
// new state, with a usable (non-zero) predecessor.
type PriceMove struct {
	EventID  int64
	BookSlug string
	MarketID string
	Line     *float64
	Outcome  string
	Old      float64
	New      float64
}

// Direction returns "up" or "down".
func (m PriceMove) Direction() string {
	if m.New > m.Old {
		return "up"
	}
	return "down"
}

// EventChanges is the detection output for one event.
type EventChanges struct {
	Upserts   []models.MarketUpsert
	Flips     []models.AvailabilityFlip
	Snapshots map[string]models.BookSnapshot
	Moves     []PriceMove

	NewCount     int
	ChangedCount int
}

// DetectChanges runs the market-level change and availability passes for
// one event. For every (book, market, line):
//
//   - absent before, present now: new (insert current + history)
//   - present in both, prices differ: changed (update current + history)
//   - present in both, prices equal: unchanged (confirm only)
//   - present before, absent now: availability flip (unavailable_since)
//   - previously unavailable, present again: flag cleared by the upsert
func DetectChanges(in EventInput) EventChanges {
	out := EventChanges{
		Snapshots: make(map[string]models.BookSnapshot, len(in.New)),
	}

	for book, markets := range in.New {
		prev := in.Prev[book] // zero value when never observed
		seen := make(map[stateKey]bool, len(markets))
		states := make([]models.MarketState, 0, len(markets)+len(prev.Markets))

		for _, m := range markets {
			key := m.Key()
			ck := canonKey(key)
			// Two raw markets can collapse to one canonical (market_id,
			// line), e.g. an override pointing at an id the baseline also
			// maps. A repeated key would upsert the same row twice inside
			// one transaction, so the first mapping wins.
			if seen[ck] {
				continue
			}
			seen[ck] = true

			prevState, existed := prev.Market(key)
			changed := !existed || !models.SamePrices(prevState.Outcomes, m.Outcomes)

			if !existed {
				out.NewCount++
			} else if changed {
				out.ChangedCount++
				out.Moves = append(out.Moves, movesFor(in.Event.EventID, book, m, prevState)...)
			}

			out.Upserts = append(out.Upserts, models.MarketUpsert{
				EventID:    in.Event.EventID,
				BookSlug:   book,
				MarketID:   m.MarketID,
				Line:       m.Line,
				Outcomes:   m.Outcomes,
				Changed:    changed,
				CapturedAt: in.CapturedAt,
			})

			lastUpdated := in.CapturedAt
			if existed && !changed {
				lastUpdated = prevState.LastUpdatedAt
			}
			states = append(states, models.MarketState{
				MarketID:        m.MarketID,
				Line:            m.Line,
				Outcomes:        m.Outcomes,
				LastUpdatedAt:   lastUpdated,
				LastConfirmedAt: in.CapturedAt,
			})
		}

		// Markets previously known but absent now. A market that was
		// available flips to unavailable; one already unavailable is
		// carried forward without a duplicate flip.
		for _, prevState := range prev.Markets {
			if seen[canonKey(prevState.Key())] {
				continue
			}
			carried := prevState
			if prevState.UnavailableSince == nil {
				at := in.CapturedAt
				carried.UnavailableSince = &at
				out.Flips = append(out.Flips, models.AvailabilityFlip{
					EventID:  in.Event.EventID,
					BookSlug: book,
					MarketID: prevState.MarketID,
					Line:     prevState.Line,
					At:       in.CapturedAt,
				})
			}
			states = append(states, carried)
		}

		out.Snapshots[book] = models.BookSnapshot{
			CapturedAt:      in.CapturedAt,
			LastConfirmedAt: in.CapturedAt,
			Markets:         states,
		}
	}

	return out
}

// stateKey is a comparable market identity with the NULL line collapsed
// to the sentinel, so lookups collide the same way the storage
// uniqueness key does.
type stateKey struct {
	MarketID string
	Line     float64
}

func canonKey(k models.MarketKey) stateKey {
	return stateKey{MarketID: k.MarketID, Line: k.LineKey()}
}

// movesFor pairs new outcome prices with their predecessors. Outcomes
// with no predecessor, or a zero predecessor, produce no move: a zero
// old price cannot band a percent change and is treated as new.
func movesFor(eventID int64, book string, m models.MappedMarket, prev models.MarketState) []PriceMove {
	oldPrices := make(map[string]float64, len(prev.Outcomes))
	for _, o := range prev.Outcomes {
		oldPrices[o.Name] = o.Price
	}

	var moves []PriceMove
	for _, o := range m.Outcomes {
		old, ok := oldPrices[o.Name]
		if !ok || old == 0 || old == o.Price {
			continue
		}
		moves = append(moves, PriceMove{
			EventID:  eventID,
			BookSlug: book,
			MarketID: m.MarketID,
			Line:     m.Line,
			Outcome:  o.Name,
			Old:      old,
			New:      o.Price,
		})
	}
	return moves
}
