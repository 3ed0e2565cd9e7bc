// Package compa implements the competitor A client. Competitor A embeds
// the shared match id inside the event's external id, a URL-encoded
// token of form "<prefix>:match:<digits>". The token must be passed back
// verbatim when fetching markets; the upstream rejects normalized forms.
package compa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"

	"github.com/XavierBriggs/Argus/pkg/contracts"
	"github.com/XavierBriggs/Argus/pkg/models"
)

const (
	// Slug identifies competitor A in storage and the cache.
	Slug = "comp_a"

	userAgent  = "Argus/1.0 (Odds Monitor)"
	maxRetries = 3
)

// matchToken matches the decoded external id and captures the shared
// match digits, e.g. "sr:match:51237" -> "51237".
var matchToken = regexp.MustCompile(`^[a-z]+:match:(\d+)$`)

// Client fetches event and market data from competitor A's public API.
type Client struct {
	http   *resty.Client
	sem    *semaphore.Weighted
	logger *slog.Logger
}

var _ contracts.BookClient = (*Client)(nil)

// NewClient creates a competitor A client with a counting semaphore
// bounding concurrent in-flight requests.
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
func (c *Client) Role() models.BookRole { return models.RoleCompetitor }

// SharedKeyFromToken extracts the shared match id from a (possibly
// URL-encoded) external id token. Returns false when the token does not
// carry a match id; such events cannot be aligned across books.
func SharedKeyFromToken(externalID string) (string, bool) {
	decoded, err := url.QueryUnescape(externalID)
	if err != nil {
		decoded = externalID
	}
	m := matchToken.FindStringSubmatch(decoded)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DiscoverEvents fetches upcoming football fixtures. Events whose
// external id carries no match token are dropped: they cannot be joined
// against the other books.
func (c *Client) DiscoverEvents(ctx context.Context) ([]models.RawEvent, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var result discoveryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("sport", "football").
		SetResult(&result).
		Get("/api/events")
	if err != nil {
		return nil, fmt.Errorf("comp_a discovery: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	events := make([]models.RawEvent, 0, len(result.Data))
	for _, evt := range result.Data {
		sharedKey, ok := SharedKeyFromToken(evt.ID)
		if !ok {
			c.logger.Debug("dropping event without match token", "external_id", evt.ID)
			continue
		}
		kickoff, err := time.Parse(time.RFC3339, evt.Start)
		if err != nil {
			c.logger.Warn("skipping event with bad start time", "external_id", evt.ID, "start", evt.Start)
			continue
		}
		events = append(events, models.RawEvent{
			SharedKey:            sharedKey,
			ExternalID:           evt.ID, // verbatim, including URL encoding
			Kickoff:              kickoff.UTC(),
			HomeTeam:             evt.Competitors.Home,
			AwayTeam:             evt.Competitors.Away,
			TournamentName:       evt.League.Name,
			TournamentCountry:    evt.League.Country,
			TournamentExternalID: evt.League.ID,
		})
	}
	return events, nil
}

// FetchEventMarkets fetches the market snapshot for one event. The
// externalID is interpolated into the path exactly as discovery returned
// it; re-encoding the token makes the upstream return 404.
func (c *Client) FetchEventMarkets(ctx context.Context, externalID string) ([]models.RawMarket, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var result oddsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetRawPathParam("id", externalID).
		Get("/api/events/{id}/odds")
	if err != nil {
		return nil, fmt.Errorf("comp_a markets %s: %w", externalID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	markets := make([]models.RawMarket, 0, len(result.Markets))
	for _, m := range result.Markets {
		raw := models.RawMarket{
			RawMarketID:   fmt.Sprintf("%d", m.MarketID),
			RawMarketName: m.MarketName,
			Line:          m.Line,
			HandicapHome:  m.HandicapHome,
		}
		for _, sel := range m.Selections {
			raw.Outcomes = append(raw.Outcomes, models.RawOutcome{
				Name:     sel.Label,
				Price:    sel.Odds,
				IsActive: sel.Enabled,
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

// API response structures matching competitor A's JSON format.

type discoveryResponse struct {
	Data []eventRecord `json:"data"`
}

type eventRecord struct {
	ID          string            `json:"id"`
	Start       string            `json:"start"`
	Competitors competitorsRecord `json:"competitors"`
	League      leagueRecord      `json:"league"`
}

type competitorsRecord struct {
	Home string `json:"home"`
	Away string `json:"away"`
}

type leagueRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type oddsResponse struct {
	Markets []marketRecord `json:"markets"`
}

type marketRecord struct {
	MarketID     int64             `json:"market_id"`
	MarketName   string            `json:"market_name"`
	Line         *float64          `json:"line,omitempty"`
	HandicapHome *float64          `json:"handicap_home,omitempty"`
	Selections   []selectionRecord `json:"selections"`
}

type selectionRecord struct {
	Label   string  `json:"label"`
	Odds    float64 `json:"odds"`
	Enabled *bool   `json:"enabled,omitempty"`
}
