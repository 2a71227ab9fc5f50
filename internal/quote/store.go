package quote

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// ErrInvalidQuote is returned by Put for quotes that violate the price or
// identity invariants.
var ErrInvalidQuote = errors.New("quote: invalid quote")

// DefaultSubscriberBuffer is the channel capacity handed out by Subscribe
// when the caller passes zero.
const DefaultSubscriberBuffer = 512

// Store holds the latest NormalizedQuote per (venue, market). Writers are
// the venue supervisors; readers are the evaluator and the presentation
// layer. A reader observes either a complete quote or absence, never a
// partially written record.
//
// Every accepted Put is also fanned out to subscribers without blocking:
// a subscriber that falls behind loses updates, not the writer.
type Store struct {
	log zerolog.Logger

	mu     sync.RWMutex
	quotes map[adapter.QuoteKey]adapter.NormalizedQuote

	subMu  sync.RWMutex
	subs   []chan adapter.NormalizedQuote
	closed bool

	dropped atomic.Uint64
}

// NewStore creates an empty Store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:    log.With().Str("component", "quote_store").Logger(),
		quotes: make(map[adapter.QuoteKey]adapter.NormalizedQuote),
	}
}

// Put replaces the quote for q's key.
func (s *Store) Put(q adapter.NormalizedQuote) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuote, err)
	}

	s.mu.Lock()
	s.quotes[q.Key()] = q
	s.mu.Unlock()

	s.distribute(q)
	return nil
}

// Get returns the latest quote for key. The boolean is false when the venue
// has not produced a quote for the market yet; absence is never reported as
// zero prices.
func (s *Store) Get(key adapter.QuoteKey) (adapter.NormalizedQuote, bool) {
	s.mu.RLock()
	q, ok := s.quotes[key]
	s.mu.RUnlock()
	return q, ok
}

// Remove deletes the quote for key and reports whether one was present.
// Subscribers are not notified.
func (s *Store) Remove(key adapter.QuoteKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.quotes[key]
	delete(s.quotes, key)
	return ok
}

// Snapshot returns a point-in-time copy of every quote. Later writes do not
// affect the returned map.
func (s *Store) Snapshot() map[adapter.QuoteKey]adapter.NormalizedQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[adapter.QuoteKey]adapter.NormalizedQuote, len(s.quotes))
	for k, q := range s.quotes {
		out[k] = q
	}
	return out
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// Subscribe returns a buffered channel receiving every accepted quote. The
// channel is closed by Close.
func (s *Store) Subscribe(buffer int) <-chan adapter.NormalizedQuote {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan adapter.NormalizedQuote, buffer)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Dropped returns how many fan-out deliveries were skipped because a
// subscriber's buffer was full.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes every subscriber channel. The store itself stays readable.
func (s *Store) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// distribute sends a quote to all subscribers. Non-blocking: slow consumers
// get updates dropped.
func (s *Store) distribute(q adapter.NormalizedQuote) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- q:
		default:
			// Log at powers of two.
			if n := s.dropped.Add(1); n&(n-1) == 0 {
				s.log.Warn().Str("key", q.Key().String()).Uint64("dropped", n).
					Msg("dropping update for slow subscriber")
			}
		}
	}
}
