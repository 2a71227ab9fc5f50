package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKalshi(t *testing.T) {
	t.Setenv("ARBWATCH_KALSHI_KEY_ID", "key-123")
	t.Setenv("ARBWATCH_KALSHI_PRIVATE_KEY_PATH", "/etc/arbwatch/kalshi.pem")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "wss://clob.polymarket.com/ws/", cfg.Polymarket.URL)
	assert.Equal(t, "headers", cfg.Kalshi.AuthMode)
	assert.Equal(t, "0.98", cfg.Evaluator.Ceiling)
	assert.Equal(t, "0.10", cfg.Evaluator.Floor)
	assert.Equal(t, time.Second, cfg.Evaluator.Interval)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Max)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ARBWATCH_ENV", "production")
	t.Setenv("ARBWATCH_KALSHI_AUTH_MODE", "token")
	t.Setenv("ARBWATCH_KALSHI_MARKETS", "KXFED-25DEC,KXCPI-25NOV")
	t.Setenv("ARBWATCH_EVALUATOR_MAX_QUOTE_AGE", "45s")
	t.Setenv("ARBWATCH_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "token", cfg.Kalshi.AuthMode)
	assert.Equal(t, []string{"KXFED-25DEC", "KXCPI-25NOV"}, cfg.Kalshi.Markets)
	assert.Equal(t, 45*time.Second, cfg.Evaluator.MaxQuoteAge)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
evaluator:
  ceiling: "0.97"
  mode: event
kalshi:
  key_id: file-key
pairs:
  - name: fed-cut
    polymarket_slug: fed-decision-in-december
    kalshi: KXFED-25DEC
    floor: "0.2"
  - name: cpi
    polymarket: "0xabc"
    kalshi: KXCPI-25NOV
    formula: yes_a_quoted_no_b
`), 0o600))

	t.Setenv("ARBWATCH_CONFIG", path)
	t.Setenv("ARBWATCH_EVALUATOR_CEILING", "0.96")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.96", cfg.Evaluator.Ceiling, "env overrides file")
	assert.Equal(t, "event", cfg.Evaluator.Mode)
	assert.Equal(t, "file-key", cfg.Kalshi.KeyID)
	require.Len(t, cfg.Pairs, 2)
	assert.Equal(t, "fed-decision-in-december", cfg.Pairs[0].PolymarketSlug)
	assert.Equal(t, "0.2", cfg.Pairs[0].Floor)
	assert.Equal(t, "yes_a_quoted_no_b", cfg.Pairs[1].Formula)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("ARBWATCH_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "floor above ceiling",
			env:     map[string]string{"ARBWATCH_EVALUATOR_FLOOR": "0.99"},
			wantErr: "must be below ceiling",
		},
		{
			name:    "unparseable ceiling",
			env:     map[string]string{"ARBWATCH_EVALUATOR_CEILING": "high"},
			wantErr: "evaluator.ceiling",
		},
		{
			name:    "missing kalshi credentials",
			mutate:  func(c *Config) { c.Kalshi.KeyID = ""; c.Kalshi.PrivateKeyPath = "" },
			wantErr: "kalshi.key_id is required",
		},
		{
			name:   "kalshi disabled needs no credentials",
			mutate: func(c *Config) { c.Kalshi = KalshiConfig{}; c.Polymarket.Enabled = true },
		},
		{
			name:    "bad auth mode",
			env:     map[string]string{"ARBWATCH_KALSHI_AUTH_MODE": "oauth"},
			wantErr: "kalshi.auth_mode",
		},
		{
			name:    "zero reset window",
			env:     map[string]string{"ARBWATCH_BACKOFF_RESET_AFTER": "0s"},
			wantErr: "backoff.reset_after",
		},
		{
			name:    "jitter of one",
			env:     map[string]string{"ARBWATCH_BACKOFF_JITTER": "1.0"},
			wantErr: "backoff.jitter",
		},
		{
			name:    "negative jitter",
			mutate:  func(c *Config) { c.Backoff.Jitter = -0.1 },
			wantErr: "backoff.jitter",
		},
		{
			name:    "no venues",
			mutate:  func(c *Config) { c.Polymarket.Enabled = false; c.Kalshi.Enabled = false },
			wantErr: "no venue enabled",
		},
		{
			name: "duplicate pair",
			mutate: func(c *Config) {
				p := PairConfig{Name: "x", Polymarket: "0x1", Kalshi: "K"}
				c.Pairs = []PairConfig{p, p}
			},
			wantErr: "duplicate name",
		},
		{
			name: "pair missing leg and bad formula",
			mutate: func(c *Config) {
				c.Pairs = []PairConfig{{Name: "x", Kalshi: "K", Formula: "magic"}}
			},
			wantErr: "unknown cost formula",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validKalshi(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestBound(t *testing.T) {
	b, err := Bound("")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = Bound("0.25")
	require.NoError(t, err)
	assert.Equal(t, "0.25", b.String())

	_, err = Bound("x")
	assert.Error(t, err)
}
