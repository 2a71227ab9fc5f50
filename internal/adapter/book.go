package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BestHigh returns the highest price from a set of bids. Venues do not
// guarantee level ordering, so the whole side is scanned.
func BestHigh(levels []PriceLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price.GreaterThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// BestLow returns the lowest price from a set of asks.
func BestLow(levels []PriceLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price.LessThan(best) {
			best = l.Price
		}
	}
	return best, true
}

// ParseLevel converts a decimal price/size string pair into a PriceLevel.
func ParseLevel(price, size string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("%w: price %q: %v", ErrDecode, price, err)
	}
	var s decimal.Decimal
	if size != "" {
		s, err = decimal.NewFromString(size)
		if err != nil {
			return PriceLevel{}, fmt.Errorf("%w: size %q: %v", ErrDecode, size, err)
		}
	}
	return PriceLevel{Price: p, Size: s}, nil
}
