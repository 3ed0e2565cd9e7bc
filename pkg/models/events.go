package models

import "time"

// BookRole distinguishes the house book from the competitor books.
type BookRole string

const (
	RolePrimary    BookRole = "primary"
	RoleCompetitor BookRole = "competitor"
)

// Tournament groups events by competition. One row per observed
// (name, country) pair.
type Tournament struct {
	ID         int64
	Name       string
	Country    string
	Sport      string
	ExternalID string
}

// Event is one football fixture, aligned across books by SharedKey.
// EventID is assigned by the database on first discovery.
type Event struct {
	EventID      int64
	SharedKey    string
	HomeTeam     string
	AwayTeam     string
	Kickoff      time.Time
	TournamentID int64

	// PrimaryExternalID is the primary book's id for this event, nil when
	// the primary book does not offer it.
	PrimaryExternalID *string

	// CompetitorExternalIDs maps competitor book slug to that book's
	// external event id. Competitor A ids must be passed back verbatim.
	CompetitorExternalIDs map[string]string
}

// Coverage returns how many books currently offer the event.
func (e Event) Coverage() int {
	n := len(e.CompetitorExternalIDs)
	if e.PrimaryExternalID != nil {
		n++
	}
	return n
}

// HasPrimary reports whether the primary book offers the event.
func (e Event) HasPrimary() bool {
	return e.PrimaryExternalID != nil
}

// ExternalID returns the external id used to fetch markets from the given
// book, and whether the book offers the event at all.
func (e Event) ExternalID(slug string, primarySlug string) (string, bool) {
	if slug == primarySlug {
		if e.PrimaryExternalID == nil {
			return "", false
		}
		return *e.PrimaryExternalID, true
	}
	id, ok := e.CompetitorExternalIDs[slug]
	return id, ok
}

// RawEvent is one event as returned by a book's discovery endpoint,
// decoded but not yet merged across books.
type RawEvent struct {
	SharedKey            string
	ExternalID           string
	Kickoff              time.Time
	HomeTeam             string
	AwayTeam             string
	TournamentName       string
	TournamentCountry    string
	TournamentExternalID string
}

// RawOutcome is one selectable outcome as decoded from a book payload.
type RawOutcome struct {
	Name     string
	Price    float64
	IsActive *bool
}

// RawMarket is one market as decoded from a book payload, prior to
// canonical mapping.
type RawMarket struct {
	RawMarketID   string
	RawMarketName string
	Line          *float64
	HandicapHome  *float64
	Outcomes      []RawOutcome
}
