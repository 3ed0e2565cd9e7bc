// Package compb implements the competitor B client. Competitor B
// supplies the shared match id as a distinct external_ref field, while
// per-event fetches use the book's own internal event id. Its upstream
// throttles bursts, so the client paces request issues in addition to
// capping in-flight requests.
package compb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/XavierBriggs/Argus/pkg/contracts"
	"github.com/XavierBriggs/Argus/pkg/models"
)

const (
	// Slug identifies competitor B in storage and the cache.
	Slug = "comp_b"

	userAgent  = "Argus/1.0 (Odds Monitor)"
	maxRetries = 3
)

// Client fetches event and market data from competitor B's feed API.
type Client struct {
	http   *resty.Client
	sem    *semaphore.Weighted
	pace   *rate.Limiter
	logger *slog.Logger
}

var _ contracts.BookClient = (*Client)(nil)

// NewClient creates a competitor B client. minGap is the minimum spacing
// between request issues (the upstream rejects bursts); maxInFlight caps
// concurrent requests.
func NewClient(baseURL string, maxInFlight int64, minGap, timeout time.Duration, logger *slog.Logger) *Client {
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

	pace := rate.NewLimiter(rate.Inf, 1)
	if minGap > 0 {
		pace = rate.NewLimiter(rate.Every(minGap), 1)
	}

	return &Client{
		http:   httpClient,
		sem:    semaphore.NewWeighted(maxInFlight),
		pace:   pace,
		logger: logger.With("book", Slug),
	}
}

// Slug implements contracts.BookClient.
func (c *Client) Slug() string { return Slug }

// Role implements contracts.BookClient.
func (c *Client) Role() models.BookRole { return models.RoleCompetitor }

// acquire takes a semaphore slot and waits out the inter-request gap.
// The caller must release the returned slot when the request finishes.
func (c *Client) acquire(ctx context.Context) (release func(), err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := c.pace.Wait(ctx); err != nil {
		c.sem.Release(1)
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

// DiscoverEvents fetches upcoming football fixtures. Events without an
// external_ref are dropped: they cannot be aligned across books.
func (c *Client) DiscoverEvents(ctx context.Context) ([]models.RawEvent, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var result feedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/feed/prematch/football")
	if err != nil {
		return nil, fmt.Errorf("comp_b discovery: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	events := make([]models.RawEvent, 0, len(result.Items))
	for _, item := range result.Items {
		if item.ExternalRef == "" {
			c.logger.Debug("dropping event without external ref", "event_id", item.EventID)
			continue
		}
		kickoff, err := time.Parse(time.RFC3339, item.Kickoff)
		if err != nil {
			c.logger.Warn("skipping event with bad kickoff", "event_id", item.EventID, "kickoff", item.Kickoff)
			continue
		}
		events = append(events, models.RawEvent{
			SharedKey:            item.ExternalRef,
			ExternalID:           item.EventID,
			Kickoff:              kickoff.UTC(),
			HomeTeam:             item.Home,
			AwayTeam:             item.Away,
			TournamentName:       item.Tournament,
			TournamentCountry:    item.Country,
			TournamentExternalID: item.TournamentID,
		})
	}
	return events, nil
}

// FetchEventMarkets fetches the market snapshot for one event by the
// book's internal event id.
func (c *Client) FetchEventMarkets(ctx context.Context, externalID string) ([]models.RawMarket, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var result eventFeedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetPathParam("id", externalID).
		Get("/feed/events/{id}")
	if err != nil {
		return nil, fmt.Errorf("comp_b markets %s: %w", externalID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	markets := make([]models.RawMarket, 0, len(result.Markets))
	for _, m := range result.Markets {
		raw := models.RawMarket{
			RawMarketID:   m.Code,
			RawMarketName: m.Title,
			Line:          m.Line,
			HandicapHome:  m.HandicapHome,
		}
		for _, o := range m.Rates {
			raw.Outcomes = append(raw.Outcomes, models.RawOutcome{
				Name:     o.Name,
				Price:    o.Rate,
				IsActive: o.Open,
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

// API response structures matching competitor B's JSON format.

type feedResponse struct {
	Items []feedItem `json:"items"`
}

type feedItem struct {
	EventID      string `json:"event_id"`
	ExternalRef  string `json:"external_ref"`
	Kickoff      string `json:"kickoff"`
	Home         string `json:"home"`
	Away         string `json:"away"`
	Tournament   string `json:"tournament"`
	Country      string `json:"country"`
	TournamentID string `json:"tournament_id"`
}

type eventFeedResponse struct {
	Markets []marketRecord `json:"markets"`
}

type marketRecord struct {
	Code         string       `json:"code"`
	Title        string       `json:"title"`
	Line         *float64     `json:"line,omitempty"`
	HandicapHome *float64     `json:"handicap_home,omitempty"`
	Rates        []rateRecord `json:"rates"`
}

type rateRecord struct {
	Name string  `json:"name"`
	Rate float64 `json:"rate"`
	Open *bool   `json:"open,omitempty"`
}
