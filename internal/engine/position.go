package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a filled order tracked by the engine. Mutable fields are owned
// exclusively by the engine until the position closes, after which the value
// is a historical record.
type Position struct {
	Ticket  int64  `json:"ticket"`
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Side    Side   `json:"side"`

	Volume     decimal.Decimal `json:"volume"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	// CurrentPrice is the latest mark applied by the re-marking pass.
	CurrentPrice decimal.Decimal `json:"current_price"`
	// StopLoss and TakeProfit are zero when not set.
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	// TrailingStopPct is zero when the stop does not trail.
	TrailingStopPct decimal.Decimal `json:"trailing_stop_pct"`

	// SpreadCost was charged at entry and is deducted from realized P&L.
	SpreadCost decimal.Decimal `json:"spread_cost"`
	// Reservation is the budget debited at open and released at close.
	Reservation decimal.Decimal `json:"reservation"`

	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`

	IsOpen      bool      `json:"is_open"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`

	Magic   int64  `json:"magic,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// UpdateKind says what the re-marking pass did to a position.
type UpdateKind string

const (
	UpdatePrice           UpdateKind = "PRICE_UPDATE"
	UpdateStopLossHit     UpdateKind = "STOP_LOSS_HIT"
	UpdateTakeProfitHit   UpdateKind = "TAKE_PROFIT_HIT"
	UpdateTrailingRatchet UpdateKind = "TRAILING_RATCHET"
)

// PositionUpdate is emitted once per open position per re-marking pass.
type PositionUpdate struct {
	Ticket    int64           `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Kind      UpdateKind      `json:"kind"`
	PrevPrice decimal.Decimal `json:"prev_price"`
	Price     decimal.Decimal `json:"price"`
	PrevPnL   decimal.Decimal `json:"prev_pnl"`
	PnL       decimal.Decimal `json:"pnl"`
	// NewStop carries the ratcheted stop when Kind is TRAILING_RATCHET.
	NewStop decimal.Decimal `json:"new_stop,omitempty"`
	Closed  bool            `json:"closed"`
}

// TradeOpened is the durable open record handed to persistence collaborators.
type TradeOpened struct {
	Ticket     int64           `json:"ticket"`
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	SpreadCost decimal.Decimal `json:"spread_cost"`
	Time       time.Time       `json:"time"`
}

// TradeClosed is the durable close record handed to persistence collaborators.
type TradeClosed struct {
	Ticket      int64           `json:"ticket"`
	Account     string          `json:"account"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Volume      decimal.Decimal `json:"volume"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	Time        time.Time       `json:"time"`
}
