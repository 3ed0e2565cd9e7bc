// Package primary implements the house book client. The primary book
// supplies the shared match id directly on each discovered event.
package primary

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"

	"github.com/XavierBriggs/Argus/pkg/contracts"
	"github.com/XavierBriggs/Argus/pkg/models"
)

const (
	// Slug identifies the primary book in storage and the cache.
	Slug = "primary"

	userAgent  = "Argus/1.0 (Odds Monitor)"
	maxRetries = 3
)

// Client fetches tournament, event, and market data from the primary
// book's prematch API.
type Client struct {
	http   *resty.Client
	sem    *semaphore.Weighted
	logger *slog.Logger
}

var _ contracts.BookClient = (*Client)(nil)

// NewClient creates a primary book client. maxInFlight caps concurrent
// requests via a counting semaphore held for the full request duration.
func NewClient(baseURL string, maxInFlight int64, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(maxRetries - 1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("User-Agent", userAgent)

	return &Client{
		http:   httpClient,
		sem:    semaphore.NewWeighted(maxInFlight),
		logger: logger.With("book", Slug),
	}
}

// Slug implements contracts.BookClient.
func (c *Client) Slug() string { return Slug }

// Role implements contracts.BookClient.
func (c *Client) Role() models.BookRole { return models.RolePrimary }

// DiscoverEvents fetches the upcoming football fixtures. Records that
// fail to decode are skipped and logged, never aborting discovery.
func (c *Client) DiscoverEvents(ctx context.Context) ([]models.RawEvent, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var result eventsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/prematch/football/events")
	if err != nil {
		return nil, fmt.Errorf("primary discovery: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	events := make([]models.RawEvent, 0, len(result.Events))
	for _, evt := range result.Events {
		kickoff, err := time.Parse(time.RFC3339, evt.Kickoff)
		if err != nil {
			c.logger.Warn("skipping event with bad kickoff", "event_id", evt.ID, "kickoff", evt.Kickoff)
			continue
		}
		if evt.MatchID == "" {
			c.logger.Warn("skipping event without match id", "event_id", evt.ID)
			continue
		}
		events = append(events, models.RawEvent{
			SharedKey:            evt.MatchID,
			ExternalID:           evt.ID,
			Kickoff:              kickoff.UTC(),
			HomeTeam:             evt.HomeTeam,
			AwayTeam:             evt.AwayTeam,
			TournamentName:       evt.Tournament.Name,
			TournamentCountry:    evt.Tournament.Country,
			TournamentExternalID: evt.Tournament.ID,
		})
	}
	return events, nil
}

// FetchEventMarkets fetches the market snapshot for one event.
func (c *Client) FetchEventMarkets(ctx context.Context, externalID string) ([]models.RawMarket, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var result marketsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetPathParam("id", externalID).
		Get("/v1/prematch/events/{id}/markets")
	if err != nil {
		return nil, fmt.Errorf("primary markets %s: %w", externalID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	markets := make([]models.RawMarket, 0, len(result.Markets))
	for _, m := range result.Markets {
		raw := models.RawMarket{
			RawMarketID:   m.ID,
			RawMarketName: m.Name,
			Line:          m.Line,
			HandicapHome:  m.HandicapHome,
		}
		for _, o := range m.Outcomes {
			raw.Outcomes = append(raw.Outcomes, models.RawOutcome{
				Name:     o.Name,
				Price:    o.Price,
				IsActive: o.Active,
			})
		}
		markets = append(markets, raw)
	}
	return markets, nil
}

// httpError represents an HTTP error with status code.
type httpError struct {
	StatusCode int
	Message    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// API response structures matching the primary book's JSON format.

type eventsResponse struct {
	Events []eventRecord `json:"events"`
}

type eventRecord struct {
	ID         string           `json:"id"`
	MatchID    string           `json:"match_id"`
	Kickoff    string           `json:"kickoff"`
	HomeTeam   string           `json:"home_team"`
	AwayTeam   string           `json:"away_team"`
	Tournament tournamentRecord `json:"tournament"`
}

type tournamentRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type marketsResponse struct {
	Markets []marketRecord `json:"markets"`
}

type marketRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Line         *float64        `json:"line,omitempty"`
	HandicapHome *float64        `json:"handicap_home,omitempty"`
	Outcomes     []outcomeRecord `json:"outcomes"`
}

type outcomeRecord struct {
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
	Active *bool   `json:"active,omitempty"`
}
