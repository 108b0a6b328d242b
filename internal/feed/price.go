package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price is an immutable two-sided quote keyed by canonical symbol.
type Price struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Spread decimal.Decimal `json:"spread"`
	Time   time.Time       `json:"time"`
}

var two = decimal.NewFromInt(2)

// Mid returns (bid+ask)/2.
func (p Price) Mid() decimal.Decimal {
	return p.Bid.Add(p.Ask).Div(two)
}
