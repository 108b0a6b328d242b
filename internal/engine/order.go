package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ValidationError rejects a malformed order request before any funds move.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s %s", e.Field, e.Msg)
}

// OrderRequest is a caller-constructed order intent. Zero-valued StopLoss,
// TakeProfit and TrailingStopPct mean "not set".
type OrderRequest struct {
	Symbol string
	Side   Side
	// Volume is in lots (1.0 lot = 100,000 units).
	Volume decimal.Decimal
	// StopLoss and TakeProfit are absolute price levels.
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	// TrailingStopPct ratchets the stop at this percentage off the mark.
	TrailingStopPct decimal.Decimal
	// Slippage is the caller's tolerance in price units.
	Slippage decimal.Decimal
	// Magic tags the order for the caller's own bookkeeping.
	Magic   int64
	Comment string
}

var hundred = decimal.NewFromInt(100)

// Validate checks volume and percentage bounds.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Msg: "must not be empty"}
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return &ValidationError{Field: "side", Msg: fmt.Sprintf("unknown side %q", r.Side)}
	}
	if !r.Volume.IsPositive() {
		return &ValidationError{Field: "volume", Msg: "must be positive"}
	}
	if r.TrailingStopPct.IsNegative() || r.TrailingStopPct.GreaterThan(hundred) {
		return &ValidationError{Field: "trailing_stop_pct", Msg: "must be within 0-100"}
	}
	if r.Slippage.IsNegative() {
		return &ValidationError{Field: "slippage", Msg: "must not be negative"}
	}
	return nil
}

// FillResult is returned to the caller after a successful open.
type FillResult struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Status     string          `json:"status"`
	Time       time.Time       `json:"time"`
}
