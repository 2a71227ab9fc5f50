package arb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// Pair links two markets believed to resolve on the same event. Ceiling and
// Floor override the evaluator-wide bounds when set.
type Pair struct {
	Name    string
	A       adapter.QuoteKey
	B       adapter.QuoteKey
	Formula Formula
	Ceiling *decimal.Decimal
	Floor   *decimal.Decimal
}

// Mode selects the evaluation cadence.
type Mode string

const (
	// ModeInterval evaluates every pair on a fixed ticker.
	ModeInterval Mode = "interval"
	// ModeEvent evaluates the pairs touched by each quote update.
	ModeEvent Mode = "event"
)

// Config holds evaluator settings.
type Config struct {
	Ceiling  decimal.Decimal
	Floor    decimal.Decimal
	Debounce time.Duration
	Interval time.Duration
	Mode     Mode
}

// DefaultConfig returns a 0.98 ceiling, a 0.10 floor, one-second polling and
// a five-second debounce.
func DefaultConfig() Config {
	return Config{
		Ceiling:  decimal.RequireFromString("0.98"),
		Floor:    decimal.RequireFromString("0.10"),
		Debounce: 5 * time.Second,
		Interval: time.Second,
		Mode:     ModeInterval,
	}
}

// QuoteReader is the read side of the quote store.
type QuoteReader interface {
	Get(key adapter.QuoteKey) (adapter.NormalizedQuote, bool)
}

// Evaluator computes the combined cost of every configured pair and emits a
// Signal when it falls strictly between the floor and the ceiling.
type Evaluator struct {
	cfg    Config
	pairs  []Pair
	byKey  map[adapter.QuoteKey][]int
	quotes QuoteReader
	gate   *Gate
	log    *SignalLog
	pubs   []Publisher
	logger zerolog.Logger

	updates <-chan adapter.NormalizedQuote
	nowFunc func() time.Time

	mu       sync.Mutex
	lastEmit map[string]time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithPublishers forwards every emitted signal to pubs.
func WithPublishers(pubs ...Publisher) Option {
	return func(e *Evaluator) { e.pubs = append(e.pubs, pubs...) }
}

// WithUpdates supplies the quote feed used in ModeEvent.
func WithUpdates(ch <-chan adapter.NormalizedQuote) Option {
	return func(e *Evaluator) { e.updates = ch }
}

// WithClock replaces the wall clock of the evaluator and its gate.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.nowFunc = now
		e.gate.nowFunc = now
	}
}

// New creates an Evaluator. Pair names must be unique.
func New(cfg Config, pairs []Pair, quotes QuoteReader, gate *Gate, log *SignalLog, logger zerolog.Logger, opts ...Option) (*Evaluator, error) {
	if !cfg.Floor.LessThan(cfg.Ceiling) {
		return nil, fmt.Errorf("arb: floor %s must be below ceiling %s", cfg.Floor, cfg.Ceiling)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeInterval
	}
	if gate == nil {
		gate = NewGate(GateConfig{}, nil)
	}
	if log == nil {
		log = NewSignalLog(0)
	}

	e := &Evaluator{
		cfg:      cfg,
		byKey:    make(map[adapter.QuoteKey][]int),
		quotes:   quotes,
		gate:     gate,
		log:      log,
		logger:   logger.With().Str("component", "evaluator").Logger(),
		nowFunc:  time.Now,
		lastEmit: make(map[string]time.Time),
	}

	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if p.Name == "" {
			return nil, fmt.Errorf("arb: pair without name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("arb: duplicate pair %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		f, err := ParseFormula(string(p.Formula))
		if err != nil {
			return nil, fmt.Errorf("arb: pair %q: %w", p.Name, err)
		}
		p.Formula = f

		floor, ceiling := e.bounds(p)
		if !floor.LessThan(ceiling) {
			return nil, fmt.Errorf("arb: pair %q: floor %s must be below ceiling %s", p.Name, floor, ceiling)
		}

		i := len(e.pairs)
		e.pairs = append(e.pairs, p)
		e.byKey[p.A] = append(e.byKey[p.A], i)
		if p.B != p.A {
			e.byKey[p.B] = append(e.byKey[p.B], i)
		}
	}

	for _, o := range opts {
		o(e)
	}
	if e.cfg.Mode == ModeEvent && e.updates == nil {
		return nil, fmt.Errorf("arb: event mode requires a quote feed")
	}
	return e, nil
}

// Pairs returns the configured pairs.
func (e *Evaluator) Pairs() []Pair {
	return append([]Pair(nil), e.pairs...)
}

// Log returns the signal log signals are appended to.
func (e *Evaluator) Log() *SignalLog { return e.log }

// Run evaluates until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	e.logger.Info().Int("pairs", len(e.pairs)).Str("mode", string(e.cfg.Mode)).
		Dur("interval", e.cfg.Interval).Msg("evaluator started")

	if e.cfg.Mode == ModeEvent {
		return e.runEvents(ctx)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.EvaluateAll(ctx)
		}
	}
}

func (e *Evaluator) runEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-e.updates:
			if !ok {
				return nil
			}
			for _, i := range e.byKey[q.Key()] {
				e.evaluate(ctx, e.pairs[i])
			}
		}
	}
}

// EvaluateAll evaluates every pair once and returns the emitted signals.
func (e *Evaluator) EvaluateAll(ctx context.Context) []Signal {
	var out []Signal
	for _, p := range e.pairs {
		if s, ok := e.evaluate(ctx, p); ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Evaluator) evaluate(ctx context.Context, p Pair) (Signal, bool) {
	s, err := e.check(p)
	if err != nil {
		if !errors.Is(err, errDebounced) && !errors.Is(err, errMissingQuote) {
			e.logger.Trace().Str("pair", p.Name).Err(err).Msg("pair skipped")
		}
		return Signal{}, false
	}

	s = e.log.Append(s)
	e.logger.Info().
		Str("pair", s.Pair).
		Uint64("seq", s.Seq).
		Str("cost", s.CombinedCost.String()).
		Str("edge", s.Edge.String()).
		Msg("arbitrage signal")

	for _, pub := range e.pubs {
		if err := pub.Publish(ctx, s); err != nil && ctx.Err() == nil {
			e.logger.Warn().Err(err).Str("pair", s.Pair).Msg("publish failed")
		}
	}
	return s, true
}

// check applies presence, freshness, bounds and debounce, in that order.
// The debounce window is only consumed when a signal is returned.
func (e *Evaluator) check(p Pair) (Signal, error) {
	a, okA := e.quotes.Get(p.A)
	b, okB := e.quotes.Get(p.B)
	if !okA || !okB {
		return Signal{}, errMissingQuote
	}
	if err := e.gate.Check(a); err != nil {
		return Signal{}, fmt.Errorf("%s: %w", p.A, err)
	}
	if err := e.gate.Check(b); err != nil {
		return Signal{}, fmt.Errorf("%s: %w", p.B, err)
	}

	cost := p.Formula.Cost(a, b)
	floor, ceiling := e.bounds(p)
	if !cost.GreaterThan(floor) || !cost.LessThan(ceiling) {
		return Signal{}, fmt.Errorf("%w: %s", errOutsideBounds, cost)
	}

	now := e.nowFunc()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastEmit[p.Name]; ok && now.Sub(last) < e.cfg.Debounce {
		return Signal{}, errDebounced
	}
	e.lastEmit[p.Name] = now

	return Signal{
		Pair:         p.Name,
		Formula:      p.Formula,
		A:            p.A,
		B:            p.B,
		LegA:         p.A.String(),
		LegB:         p.B.String(),
		CombinedCost: cost,
		Edge:         one.Sub(cost),
		YesA:         a.BestYes,
		YesB:         b.BestYes,
		DetectedAt:   now,
	}, nil
}

func (e *Evaluator) bounds(p Pair) (floor, ceiling decimal.Decimal) {
	floor, ceiling = e.cfg.Floor, e.cfg.Ceiling
	if p.Floor != nil {
		floor = *p.Floor
	}
	if p.Ceiling != nil {
		ceiling = *p.Ceiling
	}
	return floor, ceiling
}
