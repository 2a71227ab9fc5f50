package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

var (
	condA = "0x" + strings.Repeat("ab", 32)
	condB = "0x" + strings.Repeat("01", 32)
)

func newTestClient(srv *httptest.Server) *Client {
	return New(zerolog.Nop(),
		WithGammaURL(srv.URL),
		WithKalshiURL(srv.URL),
		WithRateLimit(rate.Inf, 1),
	)
}

func TestFetchCandidateMarkets_Polymarket(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[
			{"conditionId":"` + condA + `","slug":"a"},
			{"conditionId":"0x1234","slug":"short"},
			{"conditionId":"` + condB + `","slug":"b"}
		]`))
	}))
	defer srv.Close()

	ids := newTestClient(srv).FetchCandidateMarkets(context.Background(),
		Filter{Venue: adapter.VenuePolymarket, Limit: 10})

	assert.Equal(t, []adapter.MarketID{adapter.MarketID(condA), adapter.MarketID(condB)}, ids)
	assert.Contains(t, gotQuery, "active=true")
	assert.Contains(t, gotQuery, "closed=false")
	assert.Contains(t, gotQuery, "limit=10")
}

func TestFetchCandidateMarkets_Kalshi(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "KXFED", r.URL.Query().Get("series_ticker"))
		w.Write([]byte(`{"markets":[{"ticker":"KXFED-25DEC"},{"ticker":""},{"ticker":"KXFED-26JAN"}],"cursor":""}`))
	}))
	defer srv.Close()

	ids := newTestClient(srv).FetchCandidateMarkets(context.Background(),
		Filter{Venue: adapter.VenueKalshi, SeriesTicker: "KXFED"})

	assert.Equal(t, []adapter.MarketID{"KXFED-25DEC", "KXFED-26JAN"}, ids)
}

func TestFetchCandidateMarkets_FailureYieldsEmpty(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"malformed body", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{not json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			ids := newTestClient(srv).FetchCandidateMarkets(context.Background(),
				Filter{Venue: adapter.VenuePolymarket})
			require.NotNil(t, ids)
			assert.Empty(t, ids)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		c := newTestClient(srv)
		srv.Close()

		assert.Empty(t, c.FetchCandidateMarkets(context.Background(), Filter{Venue: adapter.VenueKalshi}))
	})
}

func TestResolvePolymarketSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("slug") {
		case "fed-cut":
			w.Write([]byte(`[{"conditionId":"` + condA + `","slug":"fed-cut"}]`))
		case "bad-id":
			w.Write([]byte(`[{"conditionId":"nothex","slug":"bad-id"}]`))
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()

	id, err := c.ResolvePolymarketSlug(ctx, "fed-cut")
	require.NoError(t, err)
	assert.Equal(t, adapter.MarketID(condA), id)

	_, err = c.ResolvePolymarketSlug(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.ResolvePolymarketSlug(ctx, "bad-id")
	assert.ErrorIs(t, err, ErrInvalidConditionID)
}

func TestValidateConditionID(t *testing.T) {
	assert.NoError(t, ValidateConditionID(condA))
	assert.ErrorIs(t, ValidateConditionID(""), ErrInvalidConditionID)
	assert.ErrorIs(t, ValidateConditionID(strings.TrimPrefix(condA, "0x")), ErrInvalidConditionID)
	assert.ErrorIs(t, ValidateConditionID("0xabcd"), ErrInvalidConditionID)
}
