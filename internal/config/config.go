package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/arbwatch/internal/arb"
)

// ErrInvalidConfig wraps every validation failure. It is fatal at startup.
var ErrInvalidConfig = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Env        string           `mapstructure:"env"`
	LogLevel   string           `mapstructure:"log_level"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Evaluator  EvaluatorConfig  `mapstructure:"evaluator"`
	Pairs      []PairConfig     `mapstructure:"pairs"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Health     HealthConfig     `mapstructure:"health"`
}

// PolymarketConfig holds the Polymarket stream settings. Markets are
// condition IDs.
type PolymarketConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	URL      string   `mapstructure:"url"`
	Markets  []string `mapstructure:"markets"`
	Discover bool     `mapstructure:"discover"`
}

// KalshiConfig holds the Kalshi stream and credential settings. The private
// key is read from PrivateKeyPath, or decrypted with KMS from
// KMSCiphertextPath when that is set.
type KalshiConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	URL               string   `mapstructure:"url"`
	LoginURL          string   `mapstructure:"login_url"`
	Markets           []string `mapstructure:"markets"`
	Discover          bool     `mapstructure:"discover"`
	SeriesTicker      string   `mapstructure:"series_ticker"`
	AuthMode          string   `mapstructure:"auth_mode"`
	KeyID             string   `mapstructure:"key_id"`
	PrivateKeyPath    string   `mapstructure:"private_key_path"`
	KMSCiphertextPath string   `mapstructure:"kms_ciphertext_path"`
	KMSRegion         string   `mapstructure:"kms_region"`
	KMSEndpoint       string   `mapstructure:"kms_endpoint"`
}

// BackoffConfig controls reconnection delays for both venues.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
	ResetAfter time.Duration `mapstructure:"reset_after"`
}

// EvaluatorConfig holds thresholds and freshness rules. Ceiling and Floor
// are decimal strings.
type EvaluatorConfig struct {
	Ceiling           string        `mapstructure:"ceiling"`
	Floor             string        `mapstructure:"floor"`
	Interval          time.Duration `mapstructure:"interval"`
	Debounce          time.Duration `mapstructure:"debounce"`
	Mode              string        `mapstructure:"mode"`
	MaxQuoteAge       time.Duration `mapstructure:"max_quote_age"`
	CoolOff           time.Duration `mapstructure:"cool_off"`
	SignalLogCapacity int           `mapstructure:"signal_log_capacity"`
}

// PairConfig links a Polymarket market (by condition ID or slug) to a
// Kalshi ticker. Ceiling and Floor override the evaluator defaults.
type PairConfig struct {
	Name           string `mapstructure:"name"`
	Polymarket     string `mapstructure:"polymarket"`
	PolymarketSlug string `mapstructure:"polymarket_slug"`
	Kalshi         string `mapstructure:"kalshi"`
	Formula        string `mapstructure:"formula"`
	Ceiling        string `mapstructure:"ceiling"`
	Floor          string `mapstructure:"floor"`
}

// DiscoveryConfig holds REST endpoints used at startup.
type DiscoveryConfig struct {
	GammaURL  string  `mapstructure:"gamma_url"`
	KalshiURL string  `mapstructure:"kalshi_url"`
	Limit     int     `mapstructure:"limit"`
	RateLimit float64 `mapstructure:"rate_limit"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// quote mirror and signal publishing.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	SignalChannel string `mapstructure:"signal_channel"`
}

// HTTPConfig holds the pull API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// HealthConfig holds the gRPC health socket. An empty path disables it.
type HealthConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// Load reads configuration from environment variables prefixed with
// ARBWATCH_, layered over an optional file named by ARBWATCH_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("polymarket.enabled", true)
	v.SetDefault("polymarket.url", "wss://clob.polymarket.com/ws/")
	v.SetDefault("polymarket.markets", []string{})
	v.SetDefault("polymarket.discover", false)

	v.SetDefault("kalshi.enabled", true)
	v.SetDefault("kalshi.url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.login_url", "https://api.elections.kalshi.com/trade-api/v2/login")
	v.SetDefault("kalshi.markets", []string{})
	v.SetDefault("kalshi.discover", false)
	v.SetDefault("kalshi.series_ticker", "")
	v.SetDefault("kalshi.auth_mode", "headers")
	v.SetDefault("kalshi.key_id", "")
	v.SetDefault("kalshi.private_key_path", "")
	v.SetDefault("kalshi.kms_ciphertext_path", "")
	v.SetDefault("kalshi.kms_region", "us-east-1")
	v.SetDefault("kalshi.kms_endpoint", "")

	v.SetDefault("backoff.initial", 500*time.Millisecond)
	v.SetDefault("backoff.max", 30*time.Second)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.jitter", 0.2)
	v.SetDefault("backoff.reset_after", 30*time.Second)

	v.SetDefault("evaluator.ceiling", "0.98")
	v.SetDefault("evaluator.floor", "0.10")
	v.SetDefault("evaluator.interval", time.Second)
	v.SetDefault("evaluator.debounce", 5*time.Second)
	v.SetDefault("evaluator.mode", string(arb.ModeInterval))
	v.SetDefault("evaluator.max_quote_age", 2*time.Minute)
	v.SetDefault("evaluator.cool_off", 3*time.Second)
	v.SetDefault("evaluator.signal_log_capacity", arb.DefaultSignalLogCapacity)

	v.SetDefault("discovery.gamma_url", "https://gamma-api.polymarket.com")
	v.SetDefault("discovery.kalshi_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("discovery.limit", 50)
	v.SetDefault("discovery.rate_limit", 5.0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.signal_channel", arb.DefaultSignalChannel)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("health.socket_path", "/var/run/arbwatch/health.sock")
}

// Thresholds returns the parsed evaluator ceiling and floor.
func (e EvaluatorConfig) Thresholds() (ceiling, floor decimal.Decimal, err error) {
	if ceiling, err = decimal.NewFromString(e.Ceiling); err != nil {
		return ceiling, floor, fmt.Errorf("evaluator.ceiling %q: %w", e.Ceiling, err)
	}
	if floor, err = decimal.NewFromString(e.Floor); err != nil {
		return ceiling, floor, fmt.Errorf("evaluator.floor %q: %w", e.Floor, err)
	}
	return ceiling, floor, nil
}

// Validate reports every problem at once, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if !c.Polymarket.Enabled && !c.Kalshi.Enabled {
		errs = append(errs, errors.New("no venue enabled"))
	}

	ceiling, floor, err := c.Evaluator.Thresholds()
	if err != nil {
		errs = append(errs, err)
	} else {
		if floor.IsNegative() {
			errs = append(errs, fmt.Errorf("evaluator.floor %s is negative", floor))
		}
		if !floor.LessThan(ceiling) {
			errs = append(errs, fmt.Errorf("evaluator.floor %s must be below ceiling %s", floor, ceiling))
		}
	}

	switch arb.Mode(c.Evaluator.Mode) {
	case arb.ModeInterval, arb.ModeEvent:
	default:
		errs = append(errs, fmt.Errorf("evaluator.mode %q: want interval or event", c.Evaluator.Mode))
	}
	if c.Evaluator.Interval <= 0 {
		errs = append(errs, errors.New("evaluator.interval must be positive"))
	}
	if c.Evaluator.MaxQuoteAge < 0 || c.Evaluator.CoolOff < 0 || c.Evaluator.Debounce < 0 {
		errs = append(errs, errors.New("evaluator durations must not be negative"))
	}

	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, fmt.Errorf("backoff: initial %s must be positive and at most max %s", c.Backoff.Initial, c.Backoff.Max))
	}
	if c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff.multiplier %v must be at least 1", c.Backoff.Multiplier))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter %v must be in [0,1)", c.Backoff.Jitter))
	}
	if c.Backoff.ResetAfter <= 0 {
		errs = append(errs, fmt.Errorf("backoff.reset_after %s must be positive", c.Backoff.ResetAfter))
	}

	if c.Kalshi.Enabled {
		errs = append(errs, c.Kalshi.validate()...)
	}

	seen := make(map[string]struct{}, len(c.Pairs))
	for i, p := range c.Pairs {
		errs = append(errs, p.validate(i, seen)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (k KalshiConfig) validate() []error {
	var errs []error
	switch k.AuthMode {
	case "headers", "token":
	default:
		errs = append(errs, fmt.Errorf("kalshi.auth_mode %q: want headers or token", k.AuthMode))
	}
	if k.KeyID == "" {
		errs = append(errs, errors.New("kalshi.key_id is required"))
	}
	if k.PrivateKeyPath == "" && k.KMSCiphertextPath == "" {
		errs = append(errs, errors.New("kalshi: private_key_path or kms_ciphertext_path is required"))
	}
	return errs
}

func (p PairConfig) validate(i int, seen map[string]struct{}) []error {
	var errs []error
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("pairs[%d]", i)
		errs = append(errs, fmt.Errorf("%s: name is required", name))
	} else if _, dup := seen[name]; dup {
		errs = append(errs, fmt.Errorf("pair %q: duplicate name", name))
	}
	seen[name] = struct{}{}

	if p.Polymarket == "" && p.PolymarketSlug == "" {
		errs = append(errs, fmt.Errorf("pair %q: polymarket or polymarket_slug is required", name))
	}
	if p.Kalshi == "" {
		errs = append(errs, fmt.Errorf("pair %q: kalshi is required", name))
	}
	if _, err := arb.ParseFormula(p.Formula); err != nil {
		errs = append(errs, fmt.Errorf("pair %q: %w", name, err))
	}
	for field, s := range map[string]string{"ceiling": p.Ceiling, "floor": p.Floor} {
		if s == "" {
			continue
		}
		if _, err := decimal.NewFromString(s); err != nil {
			errs = append(errs, fmt.Errorf("pair %q: %s %q: %w", name, field, s, err))
		}
	}
	return errs
}

// Bound parses an optional per-pair threshold.
func Bound(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
