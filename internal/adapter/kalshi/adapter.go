package kalshi

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

const (
	// WSPath is the path covered by the handshake signature.
	WSPath = "/trade-api/ws/v2"

	DefaultURL      = "wss://api.elections.kalshi.com" + WSPath
	DefaultLoginURL = "https://api.elections.kalshi.com/trade-api/v2/login"
)

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// rawEnvelope covers every inbound message type. Snapshot and delta share
// the msg body; a delta carries either one price change or whole sides.
type rawEnvelope struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string      `json:"market_ticker"`
		Yes          *[][2]int64 `json:"yes"`
		No           *[][2]int64 `json:"no"`
		Price        int64       `json:"price"`
		Delta        int64       `json:"delta"`
		Side         string      `json:"side"`
		Code         int         `json:"code"`
		Error        string      `json:"msg"`
	} `json:"msg"`
}

// orderBook is the resting bid state for a single market. Kalshi books are
// bids only: a NO bid at p is equivalent to a YES ask at 100-p.
type orderBook struct {
	Yes map[int64]int64 // price (cents) → quantity
	No  map[int64]int64
}

func newOrderBook() *orderBook {
	return &orderBook{Yes: make(map[int64]int64), No: make(map[int64]int64)}
}

func replaceSide(side map[int64]int64, levels [][2]int64) {
	clear(side)
	for _, l := range levels {
		if l[1] > 0 {
			side[l[0]] = l[1]
		}
	}
}

// Adapter speaks the Kalshi orderbook_delta channel and maintains a local
// book per market from snapshots and deltas.
//
// An Adapter is owned by a single supervisor and is not safe for concurrent
// use.
type Adapter struct {
	subscribed map[adapter.MarketID]struct{}
	books      map[string]*orderBook // keyed by market_ticker
	lastSeq    map[int64]int64       // keyed by sid
	cmdID      int
}

// New creates a Kalshi adapter.
func New() *Adapter {
	return &Adapter{
		subscribed: make(map[adapter.MarketID]struct{}),
		books:      make(map[string]*orderBook),
		lastSeq:    make(map[int64]int64),
	}
}

// ID implements supervisor.Venue.
func (a *Adapter) ID() adapter.Venue { return adapter.VenueKalshi }

// SubscribeFrames returns one subscribe command covering every ticker.
func (a *Adapter) SubscribeFrames(markets []adapter.MarketID) ([][]byte, error) {
	a.subscribed = make(map[adapter.MarketID]struct{}, len(markets))
	if len(markets) == 0 {
		return nil, nil
	}

	tickers := make([]string, 0, len(markets))
	for _, m := range markets {
		a.subscribed[m] = struct{}{}
		tickers = append(tickers, string(m))
	}

	a.cmdID++
	msg, err := json.Marshal(command{
		ID:  a.cmdID,
		Cmd: "subscribe",
		Params: commandParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: tickers,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: marshal subscribe: %w", err)
	}
	return [][]byte{msg}, nil
}

// Reset discards all books and sequence numbers. Called before every new
// connection; the venue replays snapshots after subscribing.
func (a *Adapter) Reset() {
	clear(a.books)
	clear(a.lastSeq)
}

// Decode applies one inbound message to the local book and returns the
// resulting quote. A sequence gap on a subscription returns ErrResync: the
// book can no longer be trusted and the connection must be rebuilt.
func (a *Adapter) Decode(raw []byte, now time.Time) ([]adapter.NormalizedQuote, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: kalshi: %v", adapter.ErrDecode, err)
	}

	switch env.Type {
	case "orderbook_snapshot", "orderbook_delta":
	case "error":
		return nil, fmt.Errorf("%w: kalshi: venue error %d: %s", adapter.ErrDecode, env.Msg.Code, env.Msg.Error)
	default:
		// subscribed, ok and other channels.
		return nil, nil
	}

	if err := a.checkSeq(env.SID, env.Seq); err != nil {
		return nil, err
	}

	ticker := env.Msg.MarketTicker
	if ticker == "" {
		return nil, fmt.Errorf("%w: kalshi: %s without market_ticker", adapter.ErrDecode, env.Type)
	}
	if _, ok := a.subscribed[adapter.MarketID(ticker)]; !ok {
		return nil, nil
	}

	key := adapter.QuoteKey{Venue: adapter.VenueKalshi, Market: adapter.MarketID(ticker)}
	var book *orderBook
	if env.Type == "orderbook_snapshot" {
		book = newOrderBook()
		a.books[ticker] = book
		if env.Msg.Yes != nil {
			replaceSide(book.Yes, *env.Msg.Yes)
		}
		if env.Msg.No != nil {
			replaceSide(book.No, *env.Msg.No)
		}
	} else {
		var ok bool
		book, ok = a.books[ticker]
		if !ok {
			if env.Msg.Yes == nil && env.Msg.No == nil {
				// Incremental delta before any snapshot; nothing to apply to.
				return nil, &adapter.BookError{
					Key: key,
					Err: fmt.Errorf("%w: kalshi: delta for %s before snapshot", adapter.ErrIncompleteBook, ticker),
				}
			}
			book = newOrderBook()
			a.books[ticker] = book
		}
		if err := applyDelta(book, &env); err != nil {
			return nil, err
		}
	}

	q, err := quoteFromBook(ticker, book, now)
	if err != nil {
		return nil, &adapter.BookError{Key: key, Err: err}
	}
	return []adapter.NormalizedQuote{q}, nil
}

func (a *Adapter) checkSeq(sid, seq int64) error {
	if seq == 0 {
		return nil
	}
	last, seen := a.lastSeq[sid]
	a.lastSeq[sid] = seq
	if seen && seq != last+1 {
		return fmt.Errorf("%w: kalshi: sid %d expected seq %d, got %d", adapter.ErrResync, sid, last+1, seq)
	}
	return nil
}

func applyDelta(book *orderBook, env *rawEnvelope) error {
	m := &env.Msg
	if m.Yes != nil || m.No != nil {
		if m.Yes != nil {
			replaceSide(book.Yes, *m.Yes)
		}
		if m.No != nil {
			replaceSide(book.No, *m.No)
		}
		return nil
	}

	var side map[int64]int64
	switch m.Side {
	case "yes":
		side = book.Yes
	case "no":
		side = book.No
	default:
		return fmt.Errorf("%w: kalshi: unknown delta side %q", adapter.ErrDecode, m.Side)
	}

	newQty := side[m.Price] + m.Delta
	if newQty <= 0 {
		delete(side, m.Price)
	} else {
		side[m.Price] = newQty
	}
	return nil
}

// quoteFromBook takes the best bid on each side. Prices are normalised from
// cents to the 0-1 probability scale.
func quoteFromBook(ticker string, book *orderBook, now time.Time) (adapter.NormalizedQuote, error) {
	yes, okYes := bestCents(book.Yes)
	no, okNo := bestCents(book.No)
	if !okYes || !okNo {
		return adapter.NormalizedQuote{}, fmt.Errorf("%w: kalshi: %s", adapter.ErrIncompleteBook, ticker)
	}

	q, err := adapter.NewQuote(adapter.VenueKalshi, adapter.MarketID(ticker), centsToProb(yes), centsToProb(no), now)
	if err != nil {
		return adapter.NormalizedQuote{}, fmt.Errorf("kalshi: %s: %w", ticker, err)
	}
	return q, nil
}

func bestCents(side map[int64]int64) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for price := range side {
		if !found || price > best {
			best, found = price, true
		}
	}
	return best, found
}

func centsToProb(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
