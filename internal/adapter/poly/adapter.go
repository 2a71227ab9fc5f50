package poly

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// DefaultURL is the Polymarket CLOB WebSocket endpoint.
const DefaultURL = "wss://clob.polymarket.com/ws/"

// Polymarket book-channel subscription message.
type subscribeMsg struct {
	Type      string   `json:"type"`
	Channels  []string `json:"channels"`
	MarketIDs []string `json:"market_ids"`
}

// Raw Polymarket book event as received over the wire. Levels are either
// top-level or nested under payload depending on the feed revision.
type rawBookEvent struct {
	EventType string          `json:"event_type"`
	Type      string          `json:"type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	MarketID  string          `json:"market_id"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Payload   *rawBook        `json:"payload"`
	Message   string          `json:"message"`
}

type rawBook struct {
	Bids []rawPriceLevel `json:"bids"`
	Asks []rawPriceLevel `json:"asks"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Adapter speaks the Polymarket book channel. It keeps no book state: every
// book event is a full snapshot of both sides.
//
// An Adapter is owned by a single supervisor and is not safe for concurrent
// use.
type Adapter struct {
	subscribed map[string]adapter.MarketID
}

// New creates a Polymarket adapter.
func New() *Adapter {
	return &Adapter{subscribed: make(map[string]adapter.MarketID)}
}

// ID implements supervisor.Venue.
func (a *Adapter) ID() adapter.Venue { return adapter.VenuePolymarket }

// SubscribeFrames returns the single frame subscribing to the book channel
// of every market, and remembers the set so inbound events can be matched.
func (a *Adapter) SubscribeFrames(markets []adapter.MarketID) ([][]byte, error) {
	a.subscribed = make(map[string]adapter.MarketID, len(markets))
	if len(markets) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		a.subscribed[string(m)] = m
		ids = append(ids, string(m))
	}

	msg, err := json.Marshal(subscribeMsg{
		Type:      "subscribe",
		Channels:  []string{"book"},
		MarketIDs: ids,
	})
	if err != nil {
		return nil, fmt.Errorf("poly: marshal subscribe: %w", err)
	}
	return [][]byte{msg}, nil
}

// Reset is a no-op; there is no per-connection state.
func (a *Adapter) Reset() {}

// Decode turns one inbound frame into quotes. Frames carry a single event or
// an array of events. Events for markets outside the subscribed set and
// non-book events are ignored. Quotes from well-formed events are returned
// even when a sibling event in the same frame fails.
func (a *Adapter) Decode(raw []byte, now time.Time) ([]adapter.NormalizedQuote, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: poly: empty frame", adapter.ErrDecode)
	}

	var events []rawBookEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: poly: %v", adapter.ErrDecode, err)
		}
	} else {
		var ev rawBookEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("%w: poly: %v", adapter.ErrDecode, err)
		}
		events = []rawBookEvent{ev}
	}

	var (
		quotes []adapter.NormalizedQuote
		errs   []error
	)
	for i := range events {
		q, ok, err := a.decodeEvent(&events[i], now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			quotes = append(quotes, q)
		}
	}
	return quotes, errors.Join(errs...)
}

func (a *Adapter) decodeEvent(ev *rawBookEvent, now time.Time) (adapter.NormalizedQuote, bool, error) {
	kind := ev.EventType
	if kind == "" {
		kind = ev.Type
	}
	switch kind {
	case "book":
	case "error":
		return adapter.NormalizedQuote{}, false, fmt.Errorf("%w: poly: venue error: %s", adapter.ErrDecode, ev.Message)
	default:
		// price_change, tick_size_change, last_trade_price and acks.
		return adapter.NormalizedQuote{}, false, nil
	}

	market, ok := a.match(ev)
	if !ok {
		return adapter.NormalizedQuote{}, false, nil
	}

	bidsRaw, asksRaw := ev.Bids, ev.Asks
	if ev.Payload != nil {
		bidsRaw, asksRaw = ev.Payload.Bids, ev.Payload.Asks
	}

	bids, err := parseLevels(bidsRaw)
	if err != nil {
		return adapter.NormalizedQuote{}, false, err
	}
	asks, err := parseLevels(asksRaw)
	if err != nil {
		return adapter.NormalizedQuote{}, false, err
	}

	bestBid, okBid := adapter.BestHigh(bids)
	bestAsk, okAsk := adapter.BestLow(asks)
	key := adapter.QuoteKey{Venue: adapter.VenuePolymarket, Market: market}
	if !okBid || !okAsk {
		return adapter.NormalizedQuote{}, false, &adapter.BookError{
			Key: key,
			Err: fmt.Errorf("%w: poly: %s", adapter.ErrIncompleteBook, market),
		}
	}

	// NO is priced off the YES line's best ask.
	q, err := adapter.NewQuote(adapter.VenuePolymarket, market, bestBid, adapter.Complement(bestAsk), now)
	if err != nil {
		return adapter.NormalizedQuote{}, false, &adapter.BookError{Key: key, Err: fmt.Errorf("poly: %s: %w", market, err)}
	}
	return q, true, nil
}

// match returns the subscribed market an event refers to. Depending on the
// subscription, the identifier may appear as the asset, the market, or the
// market_id field.
func (a *Adapter) match(ev *rawBookEvent) (adapter.MarketID, bool) {
	for _, id := range [...]string{ev.AssetID, ev.Market, ev.MarketID} {
		if id == "" {
			continue
		}
		if m, ok := a.subscribed[id]; ok {
			return m, true
		}
	}
	return "", false
}

func parseLevels(raw []rawPriceLevel) ([]adapter.PriceLevel, error) {
	levels := make([]adapter.PriceLevel, 0, len(raw))
	for _, r := range raw {
		l, err := adapter.ParseLevel(r.Price, r.Size)
		if err != nil {
			return nil, fmt.Errorf("poly: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, nil
}
