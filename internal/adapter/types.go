package adapter

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies the source of market data.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// MarketID is a venue-specific market identifier: a condition or asset ID on
// Polymarket, a market ticker on Kalshi.
type MarketID string

// QuoteKey is the identity of a quote in the store.
type QuoteKey struct {
	Venue  Venue
	Market MarketID
}

func (k QuoteKey) String() string {
	return string(k.Venue) + ":" + string(k.Market)
}

// PriceLevel represents a single bid or ask at a given price.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

var (
	probMin = decimal.Zero
	probMax = decimal.NewFromInt(1)
)

// NormalizedQuote is the venue-independent top-of-book view of one market.
// Prices are probabilities in [0,1]; BestYes + BestNo need not equal 1.
// Quotes are values: a newer quote for the same key replaces, never mutates,
// the previous one.
type NormalizedQuote struct {
	Venue      Venue
	Market     MarketID
	BestYes    decimal.Decimal
	BestNo     decimal.Decimal
	ObservedAt time.Time
}

// NewQuote validates the prices and builds a quote. Prices outside [0,1]
// are rejected with ErrPriceOutOfRange.
func NewQuote(venue Venue, market MarketID, yes, no decimal.Decimal, at time.Time) (NormalizedQuote, error) {
	if market == "" {
		return NormalizedQuote{}, fmt.Errorf("%w: empty market id", ErrDecode)
	}
	if !InUnitRange(yes) {
		return NormalizedQuote{}, fmt.Errorf("%w: yes=%s", ErrPriceOutOfRange, yes)
	}
	if !InUnitRange(no) {
		return NormalizedQuote{}, fmt.Errorf("%w: no=%s", ErrPriceOutOfRange, no)
	}
	return NormalizedQuote{
		Venue:      venue,
		Market:     market,
		BestYes:    yes,
		BestNo:     no,
		ObservedAt: at,
	}, nil
}

// Key returns the store identity of the quote.
func (q NormalizedQuote) Key() QuoteKey {
	return QuoteKey{Venue: q.Venue, Market: q.Market}
}

// Validate re-checks the invariants NewQuote enforces.
func (q NormalizedQuote) Validate() error {
	_, err := NewQuote(q.Venue, q.Market, q.BestYes, q.BestNo, q.ObservedAt)
	return err
}

// InUnitRange reports whether p lies in [0,1].
func InUnitRange(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(probMin) && p.LessThanOrEqual(probMax)
}

// Complement returns 1 - p.
func Complement(p decimal.Decimal) decimal.Decimal {
	return probMax.Sub(p)
}

// Credentials are the per-attempt authentication material for a venue
// connection. They are derived fresh for every dial and never cached across
// reconnects.
type Credentials struct {
	Header http.Header
	Query  url.Values
}

// Apply returns rawURL with the credential query parameters merged in.
func (c Credentials) Apply(rawURL string) (string, error) {
	if len(c.Query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range c.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
