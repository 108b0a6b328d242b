// Package terminal defines the contract between the execution core and a
// remote trading terminal. Production integrations and the in-repo simulator
// both implement Gateway; the core never depends on a concrete transport.
package terminal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInitializeFailed = errors.New("terminal initialize failed")
	ErrQuoteUnavailable = errors.New("no quote available for symbol")
)

// Settings carries the credentials and endpoint of a terminal session.
type Settings struct {
	Login    int64
	Password string
	Server   string
	Timeout  time.Duration
	// Path optionally points at a locally installed terminal binary.
	Path string
}

// AccountInfo is the account snapshot reported by the terminal.
type AccountInfo struct {
	Login        int64
	Balance      decimal.Decimal
	Equity       decimal.Decimal
	Margin       decimal.Decimal
	FreeMargin   decimal.Decimal
	Leverage     int
	Currency     string
	Server       string
	TradeAllowed bool
}

// Quote is a two-sided price in the terminal's native symbol naming.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

// Candle is a single OHLCV bar.
type Candle struct {
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Start  time.Time
}

// Gateway is the capability interface a terminal integration fulfills.
// Symbols passed in are always in the terminal's native form (e.g. "EURUSD").
type Gateway interface {
	Initialize(ctx context.Context, settings Settings) error
	Shutdown(ctx context.Context) error
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	IsConnected(ctx context.Context) bool
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Candles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error)
}
