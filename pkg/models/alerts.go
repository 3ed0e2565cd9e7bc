package models

import "time"

// AlertType classifies a risk alert.
type AlertType string

const (
	AlertPriceChange           AlertType = "price_change"
	AlertDirectionDisagreement AlertType = "direction_disagreement"
	AlertAvailability          AlertType = "availability"
)

// Severity bands a price move by magnitude. Direction disagreements are
// always Elevated; availability alerts always Warning.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityElevated Severity = "elevated"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the operator-facing lifecycle of an alert. PAST is
// derived from the event's kickoff having passed.
type AlertStatus string

const (
	AlertNew          AlertStatus = "NEW"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertPast         AlertStatus = "PAST"
)

// RiskAlert is one movement worth operator attention.
type RiskAlert struct {
	ID            int64     `json:"alert_id"`
	EventID       int64     `json:"event_id"`
	BookSlug      string    `json:"book_slug"`
	MarketID      string    `json:"market_id"`
	Line          *float64  `json:"line,omitempty"`
	OutcomeName   string    `json:"outcome_name,omitempty"`
	Type          AlertType `json:"alert_type"`
	Severity      Severity  `json:"severity"`
	OldValue      float64   `json:"old_value"`
	NewValue      float64   `json:"new_value"`
	ChangePercent float64   `json:"change_percent"`

	// CompetitorDirection is set on direction_disagreement alerts: the
	// direction ("up" or "down") the disagreeing competitor moved.
	CompetitorDirection string `json:"competitor_direction,omitempty"`

	DetectedAt time.Time   `json:"detected_at"`
	Status     AlertStatus `json:"status"`
}

// UnmappedStatus is the operator-facing lifecycle of an unmapped market.
type UnmappedStatus string

const (
	UnmappedNew          UnmappedStatus = "NEW"
	UnmappedAcknowledged UnmappedStatus = "ACKNOWLEDGED"
	UnmappedMapped       UnmappedStatus = "MAPPED"
	UnmappedIgnored      UnmappedStatus = "IGNORED"
)

// UnmappedMarket records one (book, raw market id) the mapper could not
// translate. Deduplicated by that pair.
type UnmappedMarket struct {
	BookSlug        string         `json:"book_slug"`
	RawMarketID     string         `json:"raw_market_id"`
	RawMarketName   string         `json:"raw_market_name"`
	FirstSeenAt     time.Time      `json:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	OccurrenceCount int            `json:"occurrence_count"`
	SampleOutcomes  []string       `json:"sample_outcomes,omitempty"`
	Status          UnmappedStatus `json:"status"`

	// FreshlySeen is set by the writer when the upsert inserted a new
	// row; only fresh records are broadcast.
	FreshlySeen bool `json:"-"`
}
