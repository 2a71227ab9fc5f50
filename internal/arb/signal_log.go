package arb

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// Signal is one detected opportunity. Signals are transient: they live in the
// SignalLog ring until overwritten and are never persisted.
type Signal struct {
	ID           uuid.UUID        `json:"id"`
	Seq          uint64           `json:"seq"`
	Pair         string           `json:"pair"`
	Formula      Formula          `json:"formula"`
	A            adapter.QuoteKey `json:"-"`
	B            adapter.QuoteKey `json:"-"`
	LegA         string           `json:"leg_a"`
	LegB         string           `json:"leg_b"`
	CombinedCost decimal.Decimal  `json:"combined_cost"`
	Edge         decimal.Decimal  `json:"edge"`
	YesA         decimal.Decimal  `json:"yes_a"`
	YesB         decimal.Decimal  `json:"yes_b"`
	DetectedAt   time.Time        `json:"detected_at"`
}

// DefaultSignalLogCapacity bounds the in-memory ring.
const DefaultSignalLogCapacity = 1024

// SignalLog is a bounded, sequence-numbered ring of recent signals. Readers
// pull with Since; the log never pushes.
type SignalLog struct {
	mu   sync.RWMutex
	ring []Signal
	head int    // index of the oldest entry
	size int    // number of valid entries
	last uint64 // sequence number of the newest entry
}

// NewSignalLog creates a SignalLog holding at most capacity signals.
func NewSignalLog(capacity int) *SignalLog {
	if capacity <= 0 {
		capacity = DefaultSignalLogCapacity
	}
	return &SignalLog{ring: make([]Signal, capacity)}
}

// Append assigns the next sequence number (and an ID if missing), stores the
// signal, and returns it. The oldest entry is overwritten when full.
func (l *SignalLog) Append(s Signal) Signal {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.last++
	s.Seq = l.last

	if l.size < len(l.ring) {
		l.ring[(l.head+l.size)%len(l.ring)] = s
		l.size++
	} else {
		l.ring[l.head] = s
		l.head = (l.head + 1) % len(l.ring)
	}
	return s
}

// Last returns the sequence number of the newest signal, or 0 if none.
func (l *SignalLog) Last() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Since yields retained signals with Seq > seq, oldest first. The sequence is
// finite: it covers what was in the log when iteration started. Poll again
// with the last seen Seq to continue.
func (l *SignalLog) Since(seq uint64) iter.Seq[Signal] {
	return func(yield func(Signal) bool) {
		for _, s := range l.copySince(seq) {
			if !yield(s) {
				return
			}
		}
	}
}

func (l *SignalLog) copySince(seq uint64) []Signal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Signal
	for i := 0; i < l.size; i++ {
		s := l.ring[(l.head+i)%len(l.ring)]
		if s.Seq > seq {
			out = append(out, s)
		}
	}
	return out
}
