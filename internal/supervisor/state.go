package supervisor

import (
	"fmt"
	"time"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// State is the lifecycle state of one venue connection.
type State int

const (
	// Disconnected is the initial and terminal state.
	Disconnected State = iota
	// Connecting covers the dial and handshake of a venue that needs no
	// credentials.
	Connecting
	// Authenticating covers credential derivation and the authenticated
	// dial and handshake.
	Authenticating
	// Subscribing sends the full market set on a fresh connection.
	Subscribing
	// Streaming is the only state in which quotes are produced.
	Streaming
	// Backoff waits before the next connection attempt.
	Backoff
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	Authenticating: "authenticating",
	Subscribing:    "subscribing",
	Streaming:      "streaming",
	Backoff:        "backoff",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Health is a point-in-time view of one venue connection.
type Health struct {
	Venue               adapter.Venue `json:"venue"`
	State               State         `json:"state"`
	AuthDegraded        bool          `json:"auth_degraded"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastMessageAt       time.Time     `json:"last_message_at"`
	Since               time.Time     `json:"since"`
	NextRetryIn         time.Duration `json:"next_retry_in"`
	DecodeErrors        uint64        `json:"decode_errors"`
	QuotesWritten       uint64        `json:"quotes_written"`
}

// Streaming reports whether the venue is currently delivering quotes.
func (h Health) Streaming() bool { return h.State == Streaming }
