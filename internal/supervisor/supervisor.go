package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// Venue is the per-venue protocol. Decode is called from the supervisor's
// read loop, one frame at a time, in arrival order.
type Venue interface {
	ID() adapter.Venue
	SubscribeFrames(markets []adapter.MarketID) ([][]byte, error)
	Decode(raw []byte, now time.Time) ([]adapter.NormalizedQuote, error)
	// Reset discards per-connection state before a new connection.
	Reset()
}

// Authenticator derives credentials for one connection attempt.
type Authenticator interface {
	Authenticate(ctx context.Context) (adapter.Credentials, error)
}

// Transport is a single established connection.
type Transport interface {
	Send(data []byte) error
	ReadLoop(ctx context.Context, handle func(msg []byte) error) error
	Close() error
}

// DialFunc opens a Transport.
type DialFunc func(ctx context.Context, cfg adapter.WSConfig) (Transport, error)

// Sink receives every decoded quote. Remove withdraws the quote of a market
// whose book no longer has a usable top.
type Sink interface {
	Put(q adapter.NormalizedQuote) error
	Remove(key adapter.QuoteKey) bool
}

// DialWebSocket is the production DialFunc.
func DialWebSocket(ctx context.Context, cfg adapter.WSConfig) (Transport, error) {
	c, err := adapter.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds the settings of one supervisor.
type Config struct {
	WS      adapter.WSConfig
	Markets []adapter.MarketID
	Backoff BackoffConfig

	// ConnectTimeout bounds authentication plus dial and handshake.
	ConnectTimeout time.Duration
}

// Supervisor owns the connection lifecycle of one venue: it connects,
// authenticates, subscribes to the full market set, streams quotes into the
// sink, and on any failure backs off and starts over on a fresh connection.
type Supervisor struct {
	cfg   Config
	venue Venue
	auth  Authenticator
	sink  Sink
	dial  DialFunc

	log     zerolog.Logger
	dropLog zerolog.Logger

	nowFunc  func() time.Time
	after    func(time.Duration) <-chan time.Time
	onChange func(Health)

	mu      sync.RWMutex
	health  Health
	retryAt time.Time

	lastMessage   atomic.Int64 // unix nanos
	decodeErrors  atomic.Uint64
	quotesWritten atomic.Uint64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAuthenticator makes every connection attempt pass through
// Authenticating.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Supervisor) { s.auth = a }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Supervisor) { s.dial = d }
}

// WithClock replaces the wall clock and the backoff timer.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.nowFunc = now
		}
		if after != nil {
			s.after = after
		}
	}
}

// WithOnChange registers a hook called after every state transition. It is
// called synchronously from the supervisor goroutine and must not block.
func WithOnChange(fn func(Health)) Option {
	return func(s *Supervisor) { s.onChange = fn }
}

// New creates a Supervisor. Run starts it.
func New(venue Venue, sink Sink, cfg Config, log zerolog.Logger, opts ...Option) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}

	l := log.With().Str("component", "supervisor").Str("venue", string(venue.ID())).Logger()
	s := &Supervisor{
		cfg:     cfg,
		venue:   venue,
		sink:    sink,
		dial:    DialWebSocket,
		log:     l,
		dropLog: l.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
		nowFunc: time.Now,
		after:   time.After,
	}
	for _, o := range opts {
		o(s)
	}
	s.health = Health{Venue: venue.ID(), State: Disconnected, Since: s.nowFunc()}
	return s
}

// Venue returns the venue this supervisor connects to.
func (s *Supervisor) Venue() adapter.Venue { return s.venue.ID() }

// Health returns the current health record.
func (s *Supervisor) Health() Health {
	s.mu.RLock()
	h := s.health
	retryAt := s.retryAt
	s.mu.RUnlock()

	if ns := s.lastMessage.Load(); ns != 0 {
		h.LastMessageAt = time.Unix(0, ns)
	}
	h.DecodeErrors = s.decodeErrors.Load()
	h.QuotesWritten = s.quotesWritten.Load()
	if h.State == Backoff {
		if d := retryAt.Sub(s.nowFunc()); d > 0 {
			h.NextRetryIn = d
		}
	}
	return h
}

// Run drives the state machine until ctx is cancelled. It returns nil on
// cancellation; connection failures never end it.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := newBackOff(s.cfg.Backoff)
	s.log.Info().Int("markets", len(s.cfg.Markets)).Msg("supervisor started")

	for {
		streamed, err := s.session(ctx)
		if ctx.Err() != nil {
			s.transition(Disconnected)
			s.log.Info().Msg("supervisor stopped")
			return nil
		}

		// A session that never reached Streaming does not count as a reset.
		if streamed > 0 && streamed >= s.cfg.Backoff.ResetAfter {
			bo.Reset()
			s.mu.Lock()
			s.health.ConsecutiveFailures = 0
			s.mu.Unlock()
		}

		wait := bo.NextBackOff()
		// Jitter is applied after the interval cap.
		if limit := s.cfg.Backoff.Max; limit > 0 && wait > limit {
			wait = limit
		}
		s.fail(err, wait)

		select {
		case <-ctx.Done():
			s.transition(Disconnected)
			s.log.Info().Msg("supervisor stopped")
			return nil
		case <-s.after(wait):
		}
	}
}

// session runs one connection from dial to failure and reports how long it
// streamed.
func (s *Supervisor) session(ctx context.Context) (time.Duration, error) {
	s.venue.Reset()
	s.transition(Connecting)

	conn, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	s.transition(Subscribing)
	frames, err := s.venue.SubscribeFrames(s.cfg.Markets)
	if err != nil {
		return 0, fmt.Errorf("supervisor: build subscription: %w", err)
	}
	for _, f := range frames {
		if err := conn.Send(f); err != nil {
			return 0, err
		}
	}

	s.transition(Streaming)
	s.log.Info().Int("markets", len(s.cfg.Markets)).Msg("streaming")

	start := s.nowFunc()
	err = conn.ReadLoop(ctx, s.handle)
	return s.nowFunc().Sub(start), err
}

func (s *Supervisor) connect(ctx context.Context) (Transport, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	ws := s.cfg.WS
	ws.Headers = ws.Headers.Clone()

	if s.auth != nil {
		s.transition(Authenticating)
		creds, err := s.auth.Authenticate(cctx)
		if err != nil {
			return nil, err
		}
		url, err := creds.Apply(ws.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", adapter.ErrAuth, err)
		}
		ws.URL = url
		if ws.Headers == nil {
			ws.Headers = http.Header{}
		}
		for k, vs := range creds.Header {
			ws.Headers[k] = vs
		}
	}

	return s.dial(cctx, ws)
}

// handle is the per-frame callback of the read loop.
func (s *Supervisor) handle(msg []byte) error {
	now := s.nowFunc()
	s.lastMessage.Store(now.UnixNano())

	quotes, err := s.venue.Decode(msg, now)
	for _, q := range quotes {
		if perr := s.sink.Put(q); perr != nil {
			s.decodeErrors.Add(1)
			s.dropLog.Warn().Err(perr).Msg("quote rejected")
			continue
		}
		s.quotesWritten.Add(1)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, adapter.ErrResync) {
		return err
	}
	for _, key := range adapter.Withdrawn(err) {
		if s.sink.Remove(key) {
			s.log.Debug().Str("market", string(key.Market)).Msg("quote withdrawn")
		}
	}
	s.decodeErrors.Add(1)
	s.dropLog.Warn().Err(err).Int("bytes", len(msg)).Msg("dropping frame")
	return nil
}

func (s *Supervisor) fail(err error, wait time.Duration) {
	s.mu.Lock()
	s.health.ConsecutiveFailures++
	if err != nil {
		s.health.LastError = err.Error()
	}
	if errors.Is(err, adapter.ErrAuth) {
		s.health.AuthDegraded = true
	}
	s.retryAt = s.nowFunc().Add(wait)
	failures := s.health.ConsecutiveFailures
	s.mu.Unlock()

	ev := s.log.Warn()
	if errors.Is(err, adapter.ErrAuth) {
		ev = s.log.Error()
	}
	ev.Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("connection failed")

	s.transition(Backoff)
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	if s.health.State == to {
		s.mu.Unlock()
		return
	}
	s.health.State = to
	s.health.Since = s.nowFunc()
	if to == Streaming {
		s.health.AuthDegraded = false
	}
	s.mu.Unlock()

	s.log.Debug().Stringer("state", to).Msg("state change")
	if s.onChange != nil {
		s.onChange(s.Health())
	}
}
