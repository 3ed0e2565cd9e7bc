package detector

import (
	"fmt"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// MatchedSet records which (event, market, line) keys each book offers
// in a batch's new state. Risk alerts are only emitted for markets
// matched between the primary book and at least one competitor.
type MatchedSet struct {
	primarySlug string
	presence    map[string]map[string]bool // event/market/line -> book -> present
}

// NewMatchedSet creates an empty matched set for the given primary slug.
func NewMatchedSet(primarySlug string) *MatchedSet {
	return &MatchedSet{
		primarySlug: primarySlug,
		presence:    make(map[string]map[string]bool),
	}
}

func marketRef(eventID int64, marketID string, line *float64) string {
	key := models.MarketKey{MarketID: marketID, Line: line}
	return fmt.Sprintf("%d/%s", eventID, key.String())
}

// Add marks a market as present on a book in the new state.
func (s *MatchedSet) Add(eventID int64, book, marketID string, line *float64) {
	ref := marketRef(eventID, marketID, line)
	books := s.presence[ref]
	if books == nil {
		books = make(map[string]bool, 3)
		s.presence[ref] = books
	}
	books[book] = true
}

// AddMarkets marks all of a book's new-state markets present.
func (s *MatchedSet) AddMarkets(eventID int64, book string, markets []models.MappedMarket) {
	for _, m := range markets {
		s.Add(eventID, book, m.MarketID, m.Line)
	}
}

// Matched reports whether the market is present on the primary book and
// at least one competitor. extraBook, when non-empty, is counted as
// present in addition to the recorded state; availability checks pass
// the disappearing book here, since the market is by definition absent
// from that book's new state.
func (s *MatchedSet) Matched(eventID int64, marketID string, line *float64, extraBook string) bool {
	books := s.presence[marketRef(eventID, marketID, line)]
	hasPrimary := books[s.primarySlug]
	competitors := 0
	for b := range books {
		if b != s.primarySlug {
			competitors++
		}
	}
	if extraBook != "" && !books[extraBook] {
		if extraBook == s.primarySlug {
			hasPrimary = true
		} else {
			competitors++
		}
	}
	return hasPrimary && competitors > 0
}

// RiskInput is everything the risk pass needs for one batch.
type RiskInput struct {
	Settings    models.Settings
	PrimarySlug string
	Moves       []PriceMove
	Flips       []models.AvailabilityFlip
	Matched     *MatchedSet
	Now         time.Time
}

// DetectRisk runs the three risk passes over one batch:
//
//   - price change: |pct| >= warning threshold, banded by severity
//   - direction disagreement: primary and a competitor moved the same
//     outcome opposite ways in the same batch (elevated, any magnitude)
//   - availability: each present-to-absent transition (warning)
//
// Alerts are restricted to matched markets. Returns nil when alerting is
// disabled in settings.
func DetectRisk(in RiskInput) []models.RiskAlert {
	if !in.Settings.AlertsEnabled {
		return nil
	}

	var alerts []models.RiskAlert

	// Price-change alerts.
	for _, m := range in.Moves {
		if !in.Matched.Matched(m.EventID, m.MarketID, m.Line, "") {
			continue
		}
		pct := 100 * (m.New - m.Old) / m.Old
		severity, ok := in.Settings.SeverityFor(abs(pct))
		if !ok {
			continue
		}
		alerts = append(alerts, models.RiskAlert{
			EventID:       m.EventID,
			BookSlug:      m.BookSlug,
			MarketID:      m.MarketID,
			Line:          m.Line,
			OutcomeName:   m.Outcome,
			Type:          models.AlertPriceChange,
			Severity:      severity,
			OldValue:      m.Old,
			NewValue:      m.New,
			ChangePercent: pct,
			DetectedAt:    in.Now,
			Status:        models.AlertNew,
		})
	}

	alerts = append(alerts, disagreements(in)...)

	// Availability alerts. The disappearing book counts as present for
	// the matched check; its market is absent from the new state by
	// definition.
	for _, f := range in.Flips {
		if !in.Matched.Matched(f.EventID, f.MarketID, f.Line, f.BookSlug) {
			continue
		}
		alerts = append(alerts, models.RiskAlert{
			EventID:     f.EventID,
			BookSlug:    f.BookSlug,
			MarketID:    f.MarketID,
			Line:        f.Line,
			Type:        models.AlertAvailability,
			Severity:    models.SeverityWarning,
			DetectedAt:  f.At,
			Status:      models.AlertNew,
		})
	}

	return alerts
}

// disagreements emits one elevated alert per outcome where the primary
// book and any competitor moved in opposite directions within the batch,
// regardless of magnitude.
func disagreements(in RiskInput) []models.RiskAlert {
	type outcomeRef struct {
		ref     string
		outcome string
	}
	primaryMoves := make(map[outcomeRef]PriceMove)
	competitorMoves := make(map[outcomeRef][]PriceMove)

	for _, m := range in.Moves {
		key := outcomeRef{ref: marketRef(m.EventID, m.MarketID, m.Line), outcome: m.Outcome}
		if m.BookSlug == in.PrimarySlug {
			primaryMoves[key] = m
		} else {
			competitorMoves[key] = append(competitorMoves[key], m)
		}
	}

	var alerts []models.RiskAlert
	for key, pm := range primaryMoves {
		if !in.Matched.Matched(pm.EventID, pm.MarketID, pm.Line, "") {
			continue
		}
		for _, cm := range competitorMoves[key] {
			if cm.Direction() == pm.Direction() {
				continue
			}
			pct := 100 * (pm.New - pm.Old) / pm.Old
			alerts = append(alerts, models.RiskAlert{
				EventID:             pm.EventID,
				BookSlug:            pm.BookSlug,
				MarketID:            pm.MarketID,
				Line:                pm.Line,
				OutcomeName:         pm.Outcome,
				Type:                models.AlertDirectionDisagreement,
				Severity:            models.SeverityElevated,
				OldValue:            pm.Old,
				NewValue:            pm.New,
				ChangePercent:       pct,
				CompetitorDirection: cm.Direction(),
				DetectedAt:          in.Now,
				Status:              models.AlertNew,
			})
			break // one alert per outcome, however many competitors disagree
		}
	}
	return alerts
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
