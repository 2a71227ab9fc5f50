package arb

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// Formula names how a pair is hedged across venues. A and B are the pair's
// two legs.
type Formula string

const (
	// YesANoB buys YES on A and hedges with the complement of B's YES:
	// yes(A) + (1 - yes(B)).
	YesANoB Formula = "yes_a_no_b"
	// NoAYesB is the mirror: (1 - yes(A)) + yes(B).
	NoAYesB Formula = "no_a_yes_b"
	// YesAQuotedNoB uses B's own NO quote instead of the complement:
	// yes(A) + no(B).
	YesAQuotedNoB Formula = "yes_a_quoted_no_b"
	// QuotedNoAYesB is no(A) + yes(B).
	QuotedNoAYesB Formula = "quoted_no_a_yes_b"
)

var one = decimal.NewFromInt(1)

// ParseFormula validates a formula name. The empty string selects YesANoB.
func ParseFormula(s string) (Formula, error) {
	switch f := Formula(s); f {
	case "":
		return YesANoB, nil
	case YesANoB, NoAYesB, YesAQuotedNoB, QuotedNoAYesB:
		return f, nil
	default:
		return "", fmt.Errorf("arb: unknown cost formula %q", s)
	}
}

// Cost returns the combined cost of the two positions the formula takes.
func (f Formula) Cost(a, b adapter.NormalizedQuote) decimal.Decimal {
	switch f {
	case NoAYesB:
		return one.Sub(a.BestYes).Add(b.BestYes)
	case YesAQuotedNoB:
		return a.BestYes.Add(b.BestNo)
	case QuotedNoAYesB:
		return a.BestNo.Add(b.BestYes)
	default:
		return a.BestYes.Add(one.Sub(b.BestYes))
	}
}
