package app

import (
	"iter"
	"time"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
	"github.com/caesar-terminal/arbwatch/internal/arb"
	"github.com/caesar-terminal/arbwatch/internal/quote"
	"github.com/caesar-terminal/arbwatch/internal/supervisor"
)

// Core is the read-only facade presentation clients pull from. It also
// tells the evaluator's gate which venues are streaming.
type Core struct {
	store       *quote.Store
	supervisors []*supervisor.Supervisor
	signals     *arb.SignalLog
}

// Snapshot returns a copy of every current quote. Repeated calls with no
// intervening write return equal maps.
func (c *Core) Snapshot() map[adapter.QuoteKey]adapter.NormalizedQuote {
	return c.store.Snapshot()
}

// Health returns the state of every configured venue. It never blocks on
// a connection.
func (c *Core) Health() map[adapter.Venue]supervisor.Health {
	out := make(map[adapter.Venue]supervisor.Health, len(c.supervisors))
	for _, s := range c.supervisors {
		out[s.Venue()] = s.Health()
	}
	return out
}

// Signals yields signals with a sequence number above since. Each call is
// finite; poll again with the last Seq seen to continue.
func (c *Core) Signals(since uint64) iter.Seq[arb.Signal] {
	return c.signals.Since(since)
}

// VenueStreaming implements arb.VenueStatus.
func (c *Core) VenueStreaming(v adapter.Venue) (time.Time, bool) {
	for _, s := range c.supervisors {
		if s.Venue() != v {
			continue
		}
		h := s.Health()
		return h.Since, h.Streaming()
	}
	return time.Time{}, false
}
