// Package discovery lists candidate markets from the venues' REST APIs and
// resolves human-readable identifiers to subscription IDs. It runs at
// startup, never on the streaming path.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

const (
	DefaultGammaURL  = "https://gamma-api.polymarket.com"
	DefaultKalshiURL = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultLimit     = 50

	conditionIDLen = 32
	maxBodyBytes   = 4 << 20
)

var (
	// ErrNotFound is returned when a slug matches no market.
	ErrNotFound = errors.New("discovery: market not found")
	// ErrInvalidConditionID marks a Polymarket ID that is not 32 bytes of hex.
	ErrInvalidConditionID = errors.New("discovery: invalid condition id")
)

// Filter narrows a candidate listing.
type Filter struct {
	Venue adapter.Venue
	Limit int

	// Kalshi only.
	SeriesTicker string
	EventTicker  string
}

// Client talks to the Polymarket Gamma API and the Kalshi markets API. All
// requests share one rate limiter.
type Client struct {
	gammaURL  string
	kalshiURL string
	http      *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithGammaURL(u string) Option          { return func(c *Client) { c.gammaURL = u } }
func WithKalshiURL(u string) Option         { return func(c *Client) { c.kalshiURL = u } }

// WithRateLimit sets the request rate shared by both venues.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// New creates a Client with a 15s HTTP timeout and 5 requests per second.
func New(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		gammaURL:  DefaultGammaURL,
		kalshiURL: DefaultKalshiURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 2),
		log:       log.With().Str("component", "discovery").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type gammaMarket struct {
	ConditionID string `json:"conditionId"`
	Slug        string `json:"slug"`
	Question    string `json:"question"`
}

type kalshiMarkets struct {
	Markets []struct {
		Ticker string `json:"ticker"`
	} `json:"markets"`
}

// FetchCandidateMarkets lists active markets on f.Venue in the order the
// venue returns them. Any failure is logged and yields an empty list so
// startup can proceed with nothing to track.
func (c *Client) FetchCandidateMarkets(ctx context.Context, f Filter) []adapter.MarketID {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}

	var (
		ids []adapter.MarketID
		err error
	)
	switch f.Venue {
	case adapter.VenuePolymarket:
		ids, err = c.polymarketMarkets(ctx, f)
	case adapter.VenueKalshi:
		ids, err = c.kalshiMarkets(ctx, f)
	default:
		err = fmt.Errorf("discovery: unknown venue %q", f.Venue)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("venue", string(f.Venue)).Msg("market discovery failed")
		return []adapter.MarketID{}
	}

	c.log.Info().Str("venue", string(f.Venue)).Int("markets", len(ids)).Msg("markets discovered")
	return ids
}

func (c *Client) polymarketMarkets(ctx context.Context, f Filter) ([]adapter.MarketID, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(f.Limit))

	var markets []gammaMarket
	if err := c.getJSON(ctx, c.gammaURL+"/markets?"+q.Encode(), &markets); err != nil {
		return nil, fmt.Errorf("discovery: gamma markets: %w", err)
	}

	ids := make([]adapter.MarketID, 0, len(markets))
	for _, m := range markets {
		if err := ValidateConditionID(m.ConditionID); err != nil {
			c.log.Debug().Err(err).Str("slug", m.Slug).Msg("skipping market")
			continue
		}
		ids = append(ids, adapter.MarketID(m.ConditionID))
	}
	return ids, nil
}

func (c *Client) kalshiMarkets(ctx context.Context, f Filter) ([]adapter.MarketID, error) {
	q := url.Values{}
	q.Set("status", "open")
	q.Set("limit", strconv.Itoa(f.Limit))
	if f.SeriesTicker != "" {
		q.Set("series_ticker", f.SeriesTicker)
	}
	if f.EventTicker != "" {
		q.Set("event_ticker", f.EventTicker)
	}

	var resp kalshiMarkets
	if err := c.getJSON(ctx, c.kalshiURL+"/markets?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("discovery: kalshi markets: %w", err)
	}

	ids := make([]adapter.MarketID, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		if m.Ticker != "" {
			ids = append(ids, adapter.MarketID(m.Ticker))
		}
	}
	return ids, nil
}

// ResolvePolymarketSlug looks up the condition ID of the market with the
// given URL slug.
func (c *Client) ResolvePolymarketSlug(ctx context.Context, slug string) (adapter.MarketID, error) {
	q := url.Values{}
	q.Set("slug", slug)

	var markets []gammaMarket
	if err := c.getJSON(ctx, c.gammaURL+"/markets?"+q.Encode(), &markets); err != nil {
		return "", fmt.Errorf("discovery: resolve slug %s: %w", slug, err)
	}
	if len(markets) == 0 {
		return "", fmt.Errorf("%w: slug=%s", ErrNotFound, slug)
	}
	id := markets[0].ConditionID
	if err := ValidateConditionID(id); err != nil {
		return "", fmt.Errorf("discovery: resolve slug %s: %w", slug, err)
	}
	return adapter.MarketID(id), nil
}

// ValidateConditionID reports whether id is a 0x-prefixed 32-byte hex string.
func ValidateConditionID(id string) error {
	b, err := hexutil.Decode(id)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidConditionID, id, err)
	}
	if len(b) != conditionIDLen {
		return fmt.Errorf("%w: %q is %d bytes", ErrInvalidConditionID, id, len(b))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
