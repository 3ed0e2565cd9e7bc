package models

import "time"

// Settings is the single-row operational configuration. The scheduler
// snapshots it at the start of each cycle; mid-cycle mutations take
// effect on the next cycle.
type Settings struct {
	ScrapeInterval time.Duration
	EnabledBooks   []string
	BatchSize      int

	// HistoryRetentionDays bounds market_history; AlertRetentionDays
	// bounds risk_alerts. EventGrace is how long past kickoff events stay
	// cached and warmable.
	HistoryRetentionDays int
	AlertRetentionDays   int
	EventGrace           time.Duration

	AlertsEnabled bool
	WarningPct    float64
	ElevatedPct   float64
	CriticalPct   float64

	// LookbackWindow bounds how far ahead discovery keeps events.
	LookbackWindow time.Duration
}

// BookEnabled reports whether the given slug is in the enabled set.
func (s Settings) BookEnabled(slug string) bool {
	for _, b := range s.EnabledBooks {
		if b == slug {
			return true
		}
	}
	return false
}

// SeverityFor bands an absolute percent change, returning false below the
// warning threshold.
func (s Settings) SeverityFor(absPct float64) (Severity, bool) {
	switch {
	case absPct >= s.CriticalPct:
		return SeverityCritical, true
	case absPct >= s.ElevatedPct:
		return SeverityElevated, true
	case absPct >= s.WarningPct:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// DefaultSettings are applied when the settings row is missing at first
// startup.
func DefaultSettings() Settings {
	return Settings{
		ScrapeInterval:       5 * time.Minute,
		EnabledBooks:         []string{"primary", "comp_a", "comp_b"},
		BatchSize:            50,
		HistoryRetentionDays: 90,
		AlertRetentionDays:   30,
		EventGrace:           2 * time.Hour,
		AlertsEnabled:        true,
		WarningPct:           7,
		ElevatedPct:          12,
		CriticalPct:          20,
		LookbackWindow:       7 * 24 * time.Hour,
	}
}
