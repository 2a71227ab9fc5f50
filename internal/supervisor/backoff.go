package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig controls reconnection delays.
type BackoffConfig struct {
	// Initial is the first retry delay.
	Initial time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// Multiplier grows the delay after each consecutive failure.
	Multiplier float64
	// Jitter is the randomization factor in [0,1). Zero gives a
	// deterministic sequence.
	Jitter float64
	// ResetAfter is how long a connection must stream before the next
	// failure starts again from Initial. Failed dials never reset.
	ResetAfter time.Duration
}

// DefaultBackoffConfig returns production defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		ResetAfter: 30 * time.Second,
	}
}

func newBackOff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}
