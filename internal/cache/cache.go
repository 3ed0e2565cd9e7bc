// Package cache holds the process-local odds read model. Keyed by
// (event id, book slug), warmed from the database at startup, and
// mutated only by the write queue consumer after successful commits.
// Entries are immutable value objects replaced wholesale, so readers
// always see a consistent snapshot for a given (event, book).
package cache

import (
	"sync"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// Cache is the authoritative in-process read model. It never fetches
// from the database synchronously.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]map[string]models.BookSnapshot
	events  map[int64]models.Event
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[int64]map[string]models.BookSnapshot),
		events:  make(map[int64]models.Event),
	}
}

// Get returns the snapshot for one (event, book). A missing entry means
// the pair was never observed.
func (c *Cache) Get(eventID int64, book string) (models.BookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[eventID][book]
	return snap, ok
}

// EventBooks returns a copy of all book snapshots for one event.
func (c *Cache) EventBooks(eventID int64) map[string]models.BookSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	books := c.entries[eventID]
	if books == nil {
		return nil
	}
	out := make(map[string]models.BookSnapshot, len(books))
	for slug, snap := range books {
		out[slug] = snap
	}
	return out
}

// State returns the per-book snapshots for the given events, used by the
// detector as the previous committed state of a batch.
func (c *Cache) State(eventIDs []int64) map[int64]map[string]models.BookSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]map[string]models.BookSnapshot, len(eventIDs))
	for _, id := range eventIDs {
		books := c.entries[id]
		if books == nil {
			continue
		}
		cp := make(map[string]models.BookSnapshot, len(books))
		for slug, snap := range books {
			cp[slug] = snap
		}
		out[id] = cp
	}
	return out
}

// Apply replaces the entries for the given keys wholesale. Called by the
// write queue consumer after its transaction commits, in commit order.
func (c *Cache) Apply(snapshots map[models.SnapshotKey]models.BookSnapshot) {
	if len(snapshots) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, snap := range snapshots {
		books := c.entries[key.EventID]
		if books == nil {
			books = make(map[string]models.BookSnapshot)
			c.entries[key.EventID] = books
		}
		books[key.BookSlug] = snap
	}
}

// TrackEvents records event metadata (teams, kickoff, tournament) for
// API reads and kickoff-based eviction.
func (c *Cache) TrackEvents(events []models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		c.events[e.EventID] = e
	}
}

// Event returns the tracked metadata for one event.
func (c *Cache) Event(eventID int64) (models.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[eventID]
	return e, ok
}

// Events returns all tracked events.
func (c *Cache) Events() []models.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e)
	}
	return out
}

// EvictBefore drops every cached event whose kickoff is older than the
// cutoff. Events with no tracked metadata are kept.
func (c *Cache) EvictBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, e := range c.events {
		if e.Kickoff.Before(cutoff) {
			delete(c.entries, id)
			delete(c.events, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
