package kalshi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

const ticker = "FED-23DEC-T3.00"

// captureServer upgrades to WS and captures the first client message.
func captureServer(t *testing.T) (*httptest.Server, <-chan []byte) {
	t.Helper()
	captured := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		captured <- msg
	}))
	return srv, captured
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func subscribed(t *testing.T, tickers ...adapter.MarketID) *Adapter {
	t.Helper()
	a := New()
	_, err := a.SubscribeFrames(tickers)
	require.NoError(t, err)
	return a
}

func TestAdapter_SubscriptionMessage(t *testing.T) {
	srv, captured := captureServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := adapter.Dial(ctx, adapter.DefaultWSConfig(wsURL(srv)))
	require.NoError(t, err)
	defer conn.Close()

	a := New()
	frames, err := a.SubscribeFrames([]adapter.MarketID{ticker, "KXAU-24DEC31-B2750"})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, conn.Send(frames[0]))

	select {
	case raw := <-captured:
		var cmd command
		require.NoError(t, json.Unmarshal(raw, &cmd))
		assert.Equal(t, "subscribe", cmd.Cmd)
		assert.Equal(t, 1, cmd.ID)
		assert.Equal(t, []string{"orderbook_delta"}, cmd.Params.Channels)
		assert.Equal(t, []string{ticker, "KXAU-24DEC31-B2750"}, cmd.Params.MarketTickers)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription message")
	}

	// Command IDs keep increasing across resubscriptions.
	frames, err = a.SubscribeFrames([]adapter.MarketID{ticker})
	require.NoError(t, err)
	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	assert.Equal(t, 2, cmd.ID)
}

func TestAdapter_ParseSnapshot(t *testing.T) {
	snapshotJSON := `{
		"type": "orderbook_snapshot",
		"sid": 2,
		"seq": 1,
		"msg": {
			"market_ticker": "FED-23DEC-T3.00",
			"market_id": "9b0f6b43-5b68-4f9f-9f02-9a2d1b8ac1a1",
			"yes": [[48, 300], [52, 150]],
			"no": [[54, 200], [40, 100]]
		}
	}`

	a := subscribed(t, ticker)
	now := time.Unix(1700000000, 0)

	quotes, err := a.Decode([]byte(snapshotJSON), now)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, adapter.VenueKalshi, q.Venue)
	assert.Equal(t, adapter.MarketID(ticker), q.Market)
	assert.True(t, q.BestYes.Equal(dec("0.52")), "yes = max yes bid, got %s", q.BestYes)
	assert.True(t, q.BestNo.Equal(dec("0.54")), "no = max no bid, got %s", q.BestNo)
	assert.Equal(t, now, q.ObservedAt)
}

func TestAdapter_ParseDelta(t *testing.T) {
	a := subscribed(t, ticker)

	snapshotJSON := `{"type":"orderbook_snapshot","sid":2,"seq":1,
		"msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[48,300],[50,10]],"no":[[54,200]]}}`
	_, err := a.Decode([]byte(snapshotJSON), time.Now())
	require.NoError(t, err)

	// Removing the whole 50c level leaves 48c as the best yes bid.
	deltaJSON := `{"type":"orderbook_delta","sid":2,"seq":2,
		"msg":{"market_ticker":"FED-23DEC-T3.00","price":50,"delta":-10,"side":"yes"}}`
	quotes, err := a.Decode([]byte(deltaJSON), time.Now())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.True(t, quotes[0].BestYes.Equal(dec("0.48")))
	assert.True(t, quotes[0].BestNo.Equal(dec("0.54")))

	// A better no bid arrives.
	deltaJSON = `{"type":"orderbook_delta","sid":2,"seq":3,
		"msg":{"market_ticker":"FED-23DEC-T3.00","price":57,"delta":25,"side":"no"}}`
	quotes, err = a.Decode([]byte(deltaJSON), time.Now())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.True(t, quotes[0].BestNo.Equal(dec("0.57")))
}

func TestAdapter_DeltaReplacesWholeSide(t *testing.T) {
	a := subscribed(t, ticker)

	_, err := a.Decode([]byte(`{"type":"orderbook_snapshot","sid":1,"seq":1,
		"msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[60,1]],"no":[[30,1]]}}`), time.Now())
	require.NoError(t, err)

	quotes, err := a.Decode([]byte(`{"type":"orderbook_delta","sid":1,"seq":2,
		"msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[41,5],[43,2]]}}`), time.Now())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.True(t, quotes[0].BestYes.Equal(dec("0.43")))
	assert.True(t, quotes[0].BestNo.Equal(dec("0.30")))
}

func TestAdapter_SequenceGap(t *testing.T) {
	a := subscribed(t, ticker)

	_, err := a.Decode([]byte(`{"type":"orderbook_snapshot","sid":3,"seq":1,
		"msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[48,1]],"no":[[50,1]]}}`), time.Now())
	require.NoError(t, err)

	_, err = a.Decode([]byte(`{"type":"orderbook_delta","sid":3,"seq":3,
		"msg":{"market_ticker":"FED-23DEC-T3.00","price":48,"delta":1,"side":"yes"}}`), time.Now())
	require.ErrorIs(t, err, adapter.ErrResync)
	assert.False(t, adapter.IsDropped(err))

	// After a reset the next snapshot starts a fresh sequence.
	a.Reset()
	_, err = a.Decode([]byte(`{"type":"orderbook_snapshot","sid":1,"seq":1,
		"msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[48,1]],"no":[[50,1]]}}`), time.Now())
	require.NoError(t, err)
}

func TestAdapter_IncompleteAndInvalid(t *testing.T) {
	a := subscribed(t, ticker)

	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"malformed", `{"type":`, adapter.ErrDecode},
		{"empty no side", `{"type":"orderbook_snapshot","msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[48,1]],"no":[]}}`, adapter.ErrIncompleteBook},
		{"delta before snapshot", `{"type":"orderbook_delta","msg":{"market_ticker":"OTHER","price":1,"delta":1,"side":"yes"}}`, nil},
		{"out of range cents", `{"type":"orderbook_snapshot","msg":{"market_ticker":"FED-23DEC-T3.00","yes":[[150,1]],"no":[[10,1]]}}`, adapter.ErrPriceOutOfRange},
		{"venue error", `{"type":"error","msg":{"code":6,"msg":"Already subscribed"}}`, adapter.ErrDecode},
		{"missing ticker", `{"type":"orderbook_snapshot","msg":{"yes":[[1,1]],"no":[[1,1]]}}`, adapter.ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quotes, err := a.Decode([]byte(tt.frame), time.Now())
			assert.Empty(t, quotes)
			if tt.want == nil {
				// Unsubscribed tickers are ignored silently.
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			assert.True(t, adapter.IsDropped(err))
			if tt.want == adapter.ErrDecode {
				assert.Empty(t, adapter.Withdrawn(err), "malformed frames leave quotes alone")
			} else {
				assert.Equal(t, []adapter.QuoteKey{{Venue: adapter.VenueKalshi, Market: ticker}}, adapter.Withdrawn(err))
			}
		})
	}

	a.Reset()
	_, err := a.Decode([]byte(`{"type":"orderbook_delta","msg":{"market_ticker":"FED-23DEC-T3.00","price":1,"delta":1,"side":"yes"}}`), time.Now())
	require.ErrorIs(t, err, adapter.ErrIncompleteBook)
}

func TestAdapter_IgnoresControlMessages(t *testing.T) {
	a := subscribed(t, ticker)
	quotes, err := a.Decode([]byte(`{"type":"subscribed","id":1,"msg":{"channel":"orderbook_delta","sid":1}}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, quotes)
}
