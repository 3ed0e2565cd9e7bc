package models

import "time"

// ProgressKind enumerates the phases a cycle reports.
type ProgressKind string

const (
	ProgressDiscoveryStarted  ProgressKind = "discovery_started"
	ProgressDiscoveryComplete ProgressKind = "discovery_complete"
	ProgressBatchScraping     ProgressKind = "batch_scraping"
	ProgressBatchScraped      ProgressKind = "batch_scraped"
	ProgressBatchStored       ProgressKind = "batch_stored"
	ProgressCycleComplete     ProgressKind = "cycle_complete"
)

// CycleCounts summarizes one completed cycle.
type CycleCounts struct {
	Events     int `json:"events"`
	Batches    int `json:"batches"`
	Commits    int `json:"commits"`
	NewMarkets int `json:"new_markets"`
	Changed    int `json:"changed"`
	Alerts     int `json:"alerts"`
	Unmapped   int `json:"unmapped"`
	Errors     int `json:"errors"`
}

// Progress is one element of the finite sequence a cycle yields. The
// sequence terminates with cycle_complete (or an error-carrying
// cycle_complete when the cycle aborted).
type Progress struct {
	Kind          ProgressKind   `json:"kind"`
	At            time.Time      `json:"at"`
	PerBookCounts map[string]int `json:"per_book_counts,omitempty"`
	BatchID       int            `json:"batch_id,omitempty"`
	Events        int            `json:"events,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Counts        *CycleCounts   `json:"counts,omitempty"`
	Error         string         `json:"error,omitempty"`
}
