// Package app wires the venues, the quote store, the evaluator and the
// outward-facing servers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
	"github.com/caesar-terminal/arbwatch/internal/adapter/kalshi"
	"github.com/caesar-terminal/arbwatch/internal/adapter/poly"
	"github.com/caesar-terminal/arbwatch/internal/arb"
	"github.com/caesar-terminal/arbwatch/internal/config"
	"github.com/caesar-terminal/arbwatch/internal/discovery"
	"github.com/caesar-terminal/arbwatch/internal/healthsrv"
	"github.com/caesar-terminal/arbwatch/internal/httpapi"
	"github.com/caesar-terminal/arbwatch/internal/kms"
	"github.com/caesar-terminal/arbwatch/internal/quote"
	"github.com/caesar-terminal/arbwatch/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Discoverer lists and resolves markets at startup.
type Discoverer interface {
	FetchCandidateMarkets(ctx context.Context, f discovery.Filter) []adapter.MarketID
	ResolvePolymarketSlug(ctx context.Context, slug string) (adapter.MarketID, error)
}

// App is a fully wired process.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	core        *Core
	store       *quote.Store
	supervisors []*supervisor.Supervisor
	evaluator   *arb.Evaluator

	redis  *quote.GoRedis
	mirror *quote.RedisMirror
	http   *httpapi.Server
	health *healthsrv.Server
}

type options struct {
	dial       supervisor.DialFunc
	discoverer Discoverer
	signer     *kalshi.Signer
}

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

// WithDialer replaces the WebSocket dialer of both supervisors.
func WithDialer(d supervisor.DialFunc) Option { return func(o *options) { o.dial = d } }

// WithDiscoverer replaces the REST discovery client.
func WithDiscoverer(d Discoverer) Option { return func(o *options) { o.discoverer = d } }

// WithSigner supplies the Kalshi signer instead of loading the key from
// configuration.
func WithSigner(s *kalshi.Signer) Option { return func(o *options) { o.signer = s } }

// New validates cfg and builds every component. Discovery failures are
// logged and never fail startup; configuration and credential errors do.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{dial: supervisor.DialWebSocket}
	for _, fn := range opts {
		fn(&o)
	}
	if o.discoverer == nil {
		o.discoverer = discovery.New(log,
			discovery.WithGammaURL(cfg.Discovery.GammaURL),
			discovery.WithKalshiURL(cfg.Discovery.KalshiURL),
			discovery.WithRateLimit(rate.Limit(cfg.Discovery.RateLimit), 2),
		)
	}

	a := &App{
		cfg:   cfg,
		log:   log,
		store: quote.NewStore(log),
	}

	pairs, polyMarkets, kalshiMarkets := a.resolveMarkets(ctx, o.discoverer)

	var health *healthsrv.Server
	if cfg.Health.SocketPath != "" {
		var venues []adapter.Venue
		if cfg.Polymarket.Enabled {
			venues = append(venues, adapter.VenuePolymarket)
		}
		if cfg.Kalshi.Enabled {
			venues = append(venues, adapter.VenueKalshi)
		}
		h, err := healthsrv.New(cfg.Health.SocketPath, venues, log)
		if err != nil {
			return nil, err
		}
		health = h
		a.health = h
	}

	supOpts := []supervisor.Option{supervisor.WithDialer(o.dial)}
	if health != nil {
		supOpts = append(supOpts, supervisor.WithOnChange(health.Update))
	}
	backoff := supervisor.BackoffConfig{
		Initial:    cfg.Backoff.Initial,
		Max:        cfg.Backoff.Max,
		Multiplier: cfg.Backoff.Multiplier,
		Jitter:     cfg.Backoff.Jitter,
		ResetAfter: cfg.Backoff.ResetAfter,
	}

	if cfg.Polymarket.Enabled {
		a.supervisors = append(a.supervisors, supervisor.New(poly.New(), a.store, supervisor.Config{
			WS:      adapter.DefaultWSConfig(cfg.Polymarket.URL),
			Markets: polyMarkets,
			Backoff: backoff,
		}, log, supOpts...))
	}

	if cfg.Kalshi.Enabled {
		auth, err := a.kalshiAuthenticator(ctx, o.signer)
		if err != nil {
			a.close()
			return nil, err
		}
		a.supervisors = append(a.supervisors, supervisor.New(kalshi.New(), a.store, supervisor.Config{
			WS:      adapter.DefaultWSConfig(cfg.Kalshi.URL),
			Markets: kalshiMarkets,
			Backoff: backoff,
		}, log, append(supOpts, supervisor.WithAuthenticator(auth))...))
	}

	evalCfg, err := evaluatorConfig(cfg.Evaluator)
	if err != nil {
		a.close()
		return nil, err
	}

	signals := arb.NewSignalLog(cfg.Evaluator.SignalLogCapacity)
	a.core = &Core{store: a.store, supervisors: a.supervisors, signals: signals}

	gate := arb.NewGate(arb.GateConfig{
		MaxQuoteAge: cfg.Evaluator.MaxQuoteAge,
		CoolOff:     cfg.Evaluator.CoolOff,
	}, a.core)

	var evalOpts []arb.Option
	if evalCfg.Mode == arb.ModeEvent {
		evalOpts = append(evalOpts, arb.WithUpdates(a.store.Subscribe(quote.DefaultSubscriberBuffer)))
	}

	if cfg.Redis.Addr != "" {
		a.redis = quote.NewGoRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, mirror will keep retrying")
		}
		cancel()
		a.mirror = quote.NewRedisMirror(a.redis, a.store.Subscribe(quote.DefaultSubscriberBuffer), log)
		evalOpts = append(evalOpts, arb.WithPublishers(arb.NewRedisPublisher(a.redis, cfg.Redis.SignalChannel)))
	}

	a.evaluator, err = arb.New(evalCfg, pairs, a.store, gate, signals, log, evalOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	if cfg.HTTP.Addr != "" {
		a.http = httpapi.New(cfg.HTTP.Addr, a.core, log)
	}
	return a, nil
}

// Core returns the presentation facade.
func (a *App) Core() *Core { return a.core }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range a.supervisors {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error { return a.evaluator.Run(gctx) })

	if a.mirror != nil {
		g.Go(func() error { return a.mirror.Run(gctx) })
	}

	if a.http != nil {
		g.Go(a.http.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.http.Shutdown(sctx)
		})
	}

	if a.health != nil {
		g.Go(a.health.Serve)
		g.Go(func() error {
			<-gctx.Done()
			a.health.GracefulStop()
			return nil
		})
	}

	a.log.Info().Int("venues", len(a.supervisors)).Int("pairs", len(a.evaluator.Pairs())).Msg("arbwatch running")
	err := g.Wait()
	a.log.Info().Msg("arbwatch stopped")
	return err
}

func (a *App) close() {
	a.store.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close")
		}
	}
	if a.health != nil {
		a.health.GracefulStop()
	}
}

// resolveMarkets builds the evaluator pairs and each venue's subscription
// set: the explicit watch-list, then pair legs, then discovered markets.
// A pair whose slug cannot be resolved is dropped with a warning.
func (a *App) resolveMarkets(ctx context.Context, d Discoverer) ([]arb.Pair, []adapter.MarketID, []adapter.MarketID) {
	polySet := newMarketSet(a.cfg.Polymarket.Markets)
	kalshiSet := newMarketSet(a.cfg.Kalshi.Markets)

	var pairs []arb.Pair
	for _, pc := range a.cfg.Pairs {
		polyID := adapter.MarketID(pc.Polymarket)
		if polyID == "" {
			id, err := d.ResolvePolymarketSlug(ctx, pc.PolymarketSlug)
			if err != nil {
				a.log.Warn().Err(err).Str("pair", pc.Name).Msg("pair skipped: slug not resolved")
				continue
			}
			polyID = id
		}

		// Bounds were validated with the rest of the configuration.
		ceiling, _ := config.Bound(pc.Ceiling)
		floor, _ := config.Bound(pc.Floor)

		pairs = append(pairs, arb.Pair{
			Name:    pc.Name,
			A:       adapter.QuoteKey{Venue: adapter.VenuePolymarket, Market: polyID},
			B:       adapter.QuoteKey{Venue: adapter.VenueKalshi, Market: adapter.MarketID(pc.Kalshi)},
			Formula: arb.Formula(pc.Formula),
			Ceiling: ceiling,
			Floor:   floor,
		})
		polySet.add(polyID)
		kalshiSet.add(adapter.MarketID(pc.Kalshi))
	}

	if a.cfg.Polymarket.Enabled && a.cfg.Polymarket.Discover {
		polySet.add(d.FetchCandidateMarkets(ctx, discovery.Filter{
			Venue: adapter.VenuePolymarket,
			Limit: a.cfg.Discovery.Limit,
		})...)
	}
	if a.cfg.Kalshi.Enabled && a.cfg.Kalshi.Discover {
		kalshiSet.add(d.FetchCandidateMarkets(ctx, discovery.Filter{
			Venue:        adapter.VenueKalshi,
			Limit:        a.cfg.Discovery.Limit,
			SeriesTicker: a.cfg.Kalshi.SeriesTicker,
		})...)
	}

	if len(polySet.ids) == 0 && len(kalshiSet.ids) == 0 {
		a.log.Warn().Msg("no markets to track")
	}
	return pairs, polySet.ids, kalshiSet.ids
}

func (a *App) kalshiAuthenticator(ctx context.Context, signer *kalshi.Signer) (*kalshi.Authenticator, error) {
	kc := a.cfg.Kalshi
	if signer == nil {
		var err error
		if signer, err = loadSigner(ctx, kc); err != nil {
			return nil, err
		}
	}

	opts := []kalshi.AuthOption{kalshi.WithLoginURL(kc.LoginURL)}
	if u, err := url.Parse(kc.URL); err == nil && u.Path != "" {
		opts = append(opts, kalshi.WithWSPath(u.Path))
	}
	return kalshi.NewAuthenticator(kalshi.AuthMode(kc.AuthMode), signer, opts...)
}

// loadSigner reads the Kalshi key from disk, decrypting it with KMS when a
// ciphertext path is configured. Plaintext never leaves a memguard enclave
// longer than a signing call.
func loadSigner(ctx context.Context, kc config.KalshiConfig) (*kalshi.Signer, error) {
	if kc.KMSCiphertextPath != "" {
		blob, err := os.ReadFile(kc.KMSCiphertextPath)
		if err != nil {
			return nil, fmt.Errorf("%w: kalshi key ciphertext: %w", config.ErrInvalidConfig, err)
		}
		client, err := kms.New(ctx, kms.Options{Region: kc.KMSRegion, Endpoint: kc.KMSEndpoint})
		if err != nil {
			return nil, err
		}
		enclave, err := client.DecryptKey(ctx, blob)
		if err != nil {
			return nil, err
		}
		return kalshi.NewSignerFromEnclave(kc.KeyID, enclave), nil
	}

	pem, err := os.ReadFile(kc.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: kalshi private key: %w", config.ErrInvalidConfig, err)
	}
	return kalshi.NewSigner(kc.KeyID, pem), nil
}

func evaluatorConfig(ec config.EvaluatorConfig) (arb.Config, error) {
	ceiling, floor, err := ec.Thresholds()
	if err != nil {
		return arb.Config{}, errors.Join(config.ErrInvalidConfig, err)
	}
	return arb.Config{
		Ceiling:  ceiling,
		Floor:    floor,
		Debounce: ec.Debounce,
		Interval: ec.Interval,
		Mode:     arb.Mode(ec.Mode),
	}, nil
}

// marketSet is an insertion-ordered set of market IDs.
type marketSet struct {
	ids  []adapter.MarketID
	seen map[adapter.MarketID]struct{}
}

func newMarketSet(initial []string) *marketSet {
	s := &marketSet{seen: make(map[adapter.MarketID]struct{})}
	for _, id := range initial {
		s.add(adapter.MarketID(id))
	}
	return s
}

func (s *marketSet) add(ids ...adapter.MarketID) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
}
