// Package mapper translates book-specific raw markets into canonical
// markets so outcomes cross-match between books. The mapping source has
// two tiers: a compiled-in baseline table per book, and operator
// overrides loaded from storage. Overrides win; among overrides for the
// same raw id the highest priority wins, ties broken by creation time.
package mapper

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// Override is one operator-supplied mapping row.
type Override struct {
	BookSlug    string
	RawMarketID string
	MarketID    string
	Priority    int
	CreatedAt   time.Time
}

// Mapper is a pure translator; Normalize is deterministic for a given
// (book, raw market) input.
type Mapper struct {
	overrides map[string]string // book slug + "\x00" + raw id -> canonical id
}

// New builds a Mapper from operator overrides. Conflicting overrides for
// the same (book, raw id) are resolved by priority (highest wins), then
// by earliest creation time.
func New(overrides []Override) *Mapper {
	sorted := make([]Override, len(overrides))
	copy(sorted, overrides)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	m := &Mapper{overrides: make(map[string]string, len(sorted))}
	for _, o := range sorted {
		key := overrideKey(o.BookSlug, o.RawMarketID)
		if _, exists := m.overrides[key]; !exists {
			m.overrides[key] = o.MarketID
		}
	}
	return m
}

func overrideKey(book, rawID string) string {
	return book + "\x00" + rawID
}

// Normalize translates one raw market. The second return is false when
// no mapping exists; the caller routes such markets to the unmapped
// buffer. Never blocks and never errors.
func (m *Mapper) Normalize(book string, raw models.RawMarket) (models.MappedMarket, bool) {
	canonical, ok := m.overrides[overrideKey(book, raw.RawMarketID)]
	if !ok {
		canonical, ok = baselineLookup(book, raw.RawMarketID)
	}
	if !ok {
		return models.MappedMarket{}, false
	}

	mapped := models.MappedMarket{
		MarketID: canonical,
		Line:     raw.Line,
	}

	// Handicap/total variants sometimes omit line but carry the home
	// handicap; substitute it so the market keys collide across books.
	if mapped.Line == nil && lineMarkets[canonical] && raw.HandicapHome != nil {
		line := *raw.HandicapHome
		mapped.Line = &line
	}

	mapped.Outcomes = make([]models.Outcome, 0, len(raw.Outcomes))
	for _, o := range raw.Outcomes {
		active := true
		if o.IsActive != nil {
			active = *o.IsActive
		}
		mapped.Outcomes = append(mapped.Outcomes, models.Outcome{
			Name:   NormalizeOutcomeName(o.Name),
			Price:  o.Price,
			Active: active,
		})
	}
	return mapped, true
}

// combinedSeparator matches the separators books use between the legs of
// combined outcomes ("Home - Draw", "Home & Draw", "Home or Draw").
var combinedSeparator = regexp.MustCompile(`\s+(?:[-&+/]|or)\s+`)

// NormalizeOutcomeName canonicalizes outcome names so the same outcome
// cross-matches between books: whitespace is collapsed and combined-
// outcome separators unify to "/".
func NormalizeOutcomeName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	return combinedSeparator.ReplaceAllString(name, "/")
}
