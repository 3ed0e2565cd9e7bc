package contracts

import (
	"context"

	"github.com/XavierBriggs/Argus/pkg/models"
)

// BookClient is the interface every book adapter implements. Clients own
// their rate control: a counting semaphore caps in-flight requests, and
// books that throttle bursts additionally pace request issues. Transient
// failures are retried internally on idempotent GETs with bounded,
// jittered attempts before surfacing an error.
type BookClient interface {
	// Slug is the stable book identifier used in storage and the cache.
	Slug() string

	// Role reports whether this is the house book or a competitor.
	Role() models.BookRole

	// DiscoverEvents returns the book's upcoming football fixtures.
	// Events whose shared key cannot be determined are omitted.
	DiscoverEvents(ctx context.Context) ([]models.RawEvent, error)

	// FetchEventMarkets returns the market snapshot for one event. The
	// externalID must be the exact id the book's discovery returned.
	FetchEventMarkets(ctx context.Context, externalID string) ([]models.RawMarket, error)
}
