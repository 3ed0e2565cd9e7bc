// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// NewTestEvent creates an event with ids already assigned, kicking off
// the given number of hours from now.
func NewTestEvent(eventID int64, sharedKey, home, away string, hoursUntilKickoff float64) models.Event {
	primaryID := sharedKey
	return models.Event{
		EventID:           eventID,
		SharedKey:         sharedKey,
		HomeTeam:          home,
		AwayTeam:          away,
		Kickoff:           time.Now().Add(time.Duration(hoursUntilKickoff * float64(time.Hour))),
		PrimaryExternalID: &primaryID,
		CompetitorExternalIDs: map[string]string{
			"comp_a": "sr:match:" + sharedKey,
			"comp_b": "evt-" + sharedKey,
		},
	}
}

// Outcomes builds an outcome list from alternating name, price pairs.
func Outcomes(pairs ...any) []models.Outcome {
	out := make([]models.Outcome, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.Outcome{
			Name:   pairs[i].(string),
			Price:  pairs[i+1].(float64),
			Active: true,
		})
	}
	return out
}

// NewMappedMarket creates a canonical market with the given outcomes.
func NewMappedMarket(marketID string, line *float64, outcomes []models.Outcome) models.MappedMarket {
	return models.MappedMarket{
		MarketID: marketID,
		Line:     line,
		Outcomes: outcomes,
	}
}

// NewSnapshot wraps market states into a book snapshot captured at t.
func NewSnapshot(t time.Time, markets ...models.MarketState) models.BookSnapshot {
	return models.BookSnapshot{
		CapturedAt:      t,
		LastConfirmedAt: t,
		Markets:         markets,
	}
}

// NewMarketState creates a committed market state captured at t.
func NewMarketState(marketID string, line *float64, t time.Time, outcomes []models.Outcome) models.MarketState {
	return models.MarketState{
		MarketID:        marketID,
		Line:            line,
		Outcomes:        outcomes,
		LastUpdatedAt:   t,
		LastConfirmedAt: t,
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
