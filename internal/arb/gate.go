package arb

import (
	"errors"
	"time"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// Reasons a quote is excluded from evaluation.
var (
	ErrVenueDown     = errors.New("arb: venue not streaming")
	ErrCoolingOff    = errors.New("arb: venue cooling off after reconnect")
	ErrStale         = errors.New("arb: quote older than max age")
	ErrPriorSession  = errors.New("arb: quote predates current connection")
	errMissingQuote  = errors.New("arb: no quote yet")
	errOutsideBounds = errors.New("arb: cost outside bounds")
	errDebounced     = errors.New("arb: debounced")
)

// VenueStatus reports whether a venue is streaming and since when.
type VenueStatus interface {
	VenueStreaming(v adapter.Venue) (since time.Time, ok bool)
}

// GateConfig holds the freshness rules.
type GateConfig struct {
	// MaxQuoteAge excludes quotes observed longer ago than this. Zero
	// disables the age check.
	MaxQuoteAge time.Duration

	// CoolOff is the duration of continuous streaming required after a
	// reconnection before a venue's quotes are trusted again.
	CoolOff time.Duration
}

// Gate decides whether a quote is fresh enough to evaluate. A quote passes
// only if all of the following hold:
//  1. Its venue is currently streaming.
//  2. The cool-off period has elapsed since the venue started streaming.
//  3. It was observed on the current connection, not carried over from a
//     previous one.
//  4. It is no older than MaxQuoteAge.
type Gate struct {
	cfg    GateConfig
	venues VenueStatus

	nowFunc func() time.Time // injectable clock for testing
}

// NewGate creates a Gate. A nil VenueStatus treats every venue as streaming
// since the beginning of time.
func NewGate(cfg GateConfig, venues VenueStatus) *Gate {
	return &Gate{cfg: cfg, venues: venues, nowFunc: time.Now}
}

// Check returns nil if q may be evaluated, or the reason it may not.
func (g *Gate) Check(q adapter.NormalizedQuote) error {
	now := g.nowFunc()

	if g.venues != nil {
		since, ok := g.venues.VenueStreaming(q.Venue)
		if !ok {
			return ErrVenueDown
		}
		if now.Sub(since) < g.cfg.CoolOff {
			return ErrCoolingOff
		}
		if q.ObservedAt.Before(since) {
			return ErrPriorSession
		}
	}

	if g.cfg.MaxQuoteAge > 0 && now.Sub(q.ObservedAt) > g.cfg.MaxQuoteAge {
		return ErrStale
	}
	return nil
}
