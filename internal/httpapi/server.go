// Package httpapi serves a read-only JSON pull API for presentation clients.
// Clients poll; the server never pushes.
package httpapi

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
	"github.com/caesar-terminal/arbwatch/internal/arb"
	"github.com/caesar-terminal/arbwatch/internal/supervisor"
)

// Core is the read side of the engine.
type Core interface {
	Snapshot() map[adapter.QuoteKey]adapter.NormalizedQuote
	Health() map[adapter.Venue]supervisor.Health
	Signals(since uint64) iter.Seq[arb.Signal]
}

type quoteView struct {
	Venue      adapter.Venue    `json:"venue"`
	Market     adapter.MarketID `json:"market"`
	BestYes    string           `json:"best_yes"`
	BestNo     string           `json:"best_no"`
	ObservedAt time.Time        `json:"observed_at"`
}

// NewRouter builds the gin engine serving core.
func NewRouter(core Core, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	v1 := r.Group("/v1")
	v1.GET("/quotes", func(c *gin.Context) {
		snap := core.Snapshot()
		out := make([]quoteView, 0, len(snap))
		for _, q := range snap {
			out = append(out, quoteView{
				Venue:      q.Venue,
				Market:     q.Market,
				BestYes:    q.BestYes.String(),
				BestNo:     q.BestNo.String(),
				ObservedAt: q.ObservedAt,
			})
		}
		slices.SortFunc(out, func(a, b quoteView) int {
			return cmp.Or(cmp.Compare(a.Venue, b.Venue), cmp.Compare(a.Market, b.Market))
		})
		c.JSON(http.StatusOK, gin.H{"quotes": out})
	})

	v1.GET("/health", func(c *gin.Context) {
		venues := core.Health()
		ready := len(venues) > 0
		for _, h := range venues {
			ready = ready && h.Streaming()
		}
		c.JSON(http.StatusOK, gin.H{"ready": ready, "venues": venues})
	})

	v1.GET("/signals", func(c *gin.Context) {
		var since uint64
		if s := c.Query("since"); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
				return
			}
			since = n
		}

		signals := []arb.Signal{}
		next := since
		for s := range core.Signals(since) {
			signals = append(signals, s)
			next = s.Seq
		}
		c.JSON(http.StatusOK, gin.H{"signals": signals, "next": next})
	})

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

// Server runs the router on an address.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// New creates a Server listening on addr.
func New(addr string, core Core, log zerolog.Logger) *Server {
	log = log.With().Str("component", "httpapi").Logger()
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(core, log),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
