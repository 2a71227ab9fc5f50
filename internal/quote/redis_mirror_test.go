package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// mockRedis records every HSet and Publish call for assertion.
type mockRedis struct {
	mu        sync.Mutex
	calls     []hsetCall
	published []string
	failNext  bool
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("connection refused")
	}
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	return nil
}

func (m *mockRedis) Publish(_ context.Context, channel string, message any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, channel)
	return nil
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func runMirror(t *testing.T, mock *mockRedis) (*Store, func()) {
	t.Helper()
	s := NewStore(zerolog.Nop())
	m := NewRedisMirror(mock, s.Subscribe(16), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	return s, func() {
		s.Close()
		<-done
		cancel()
	}
}

func TestRedisMirror_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	s, stop := runMirror(t, mock)

	require.NoError(t, s.Put(mustQuote(t, adapter.VenuePolymarket, "0xabc", "0.52", "0.45")))
	stop()

	calls := mock.getCalls()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, "quote:polymarket:0xabc", c.Key)
	assert.Equal(t, "0.52", c.Fields["yes"])
	assert.Equal(t, "0.45", c.Fields["no"])
	assert.Equal(t, "1700000000000", c.Fields["ts"])
}

func TestRedisMirror_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	s, stop := runMirror(t, mock)

	base := mustQuote(t, adapter.VenueKalshi, "FED-DEC", "0.48", "0.54")
	require.NoError(t, s.Put(base))

	dup := base
	dup.ObservedAt = base.ObservedAt.Add(time.Second)
	require.NoError(t, s.Put(dup))

	changed := mustQuote(t, adapter.VenueKalshi, "FED-DEC", "0.50", "0.54")
	require.NoError(t, s.Put(changed))
	stop()

	calls := mock.getCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, map[string]string{"ts": "1700000001000"}, calls[1].Fields,
		"same prices only refresh the timestamp")
	assert.Equal(t, "0.5", calls[2].Fields["yes"])
	assert.Equal(t, "0.54", calls[2].Fields["no"])
}

func TestRedisMirror_RetriesAfterFailure(t *testing.T) {
	mock := &mockRedis{failNext: true}
	s, stop := runMirror(t, mock)

	q := mustQuote(t, adapter.VenueKalshi, "K", "0.20", "0.70")
	require.NoError(t, s.Put(q))
	// Identical prices are not treated as duplicates of a failed write.
	require.NoError(t, s.Put(q))
	stop()

	assert.Len(t, mock.getCalls(), 1)
}
