package terminal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimConfig seeds the simulated terminal.
type SimConfig struct {
	// Mid prices keyed by native symbol, e.g. "EURUSD" -> 1.0850.
	Seeds map[string]decimal.Decimal
	// HalfSpread is subtracted from / added to mid for bid/ask.
	HalfSpread decimal.Decimal
	// Step bounds the per-quote random walk increment.
	Step decimal.Decimal
	// Leverage and Currency are reported through AccountInfo.
	Leverage int
	Currency string
	Balance  decimal.Decimal
}

// SimGateway is an in-process terminal double: quotes follow a random walk
// around seeded mids. It also powers local dry runs from main.
type SimGateway struct {
	mu        sync.Mutex
	cfg       SimConfig
	settings  Settings
	connected bool
	mids      map[string]decimal.Decimal
	rng       *rand.Rand

	// Failure injection for tests.
	FailInitialize bool
	FailQuote      bool
	ReportDown     bool
}

func NewSimGateway(cfg SimConfig) *SimGateway {
	if cfg.HalfSpread.IsZero() {
		cfg.HalfSpread = decimal.RequireFromString("0.00005")
	}
	if cfg.Step.IsZero() {
		cfg.Step = decimal.RequireFromString("0.0002")
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 100
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	mids := make(map[string]decimal.Decimal, len(cfg.Seeds))
	for sym, mid := range cfg.Seeds {
		mids[sym] = mid
	}
	return &SimGateway{
		cfg:  cfg,
		mids: mids,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *SimGateway) Initialize(_ context.Context, settings Settings) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailInitialize {
		return fmt.Errorf("%w: server %s login %d", ErrInitializeFailed, settings.Server, settings.Login)
	}
	g.settings = settings
	g.connected = true
	return nil
}

func (g *SimGateway) Shutdown(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

func (g *SimGateway) IsConnected(context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected && !g.ReportDown
}

func (g *SimGateway) AccountInfo(context.Context) (*AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &AccountInfo{
		Login:        g.settings.Login,
		Balance:      g.cfg.Balance,
		Equity:       g.cfg.Balance,
		FreeMargin:   g.cfg.Balance,
		Leverage:     g.cfg.Leverage,
		Currency:     g.cfg.Currency,
		Server:       g.settings.Server,
		TradeAllowed: true,
	}, nil
}

// SetQuote pins the mid for a symbol; subsequent quotes walk from there.
func (g *SimGateway) SetQuote(symbol string, mid decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mids[symbol] = mid
}

func (g *SimGateway) Quote(_ context.Context, symbol string) (*Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailQuote {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}
	mid, ok := g.mids[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}

	// Random walk: mid += step * U(-1, 1).
	jitter := decimal.NewFromFloat(g.rng.Float64()*2 - 1)
	mid = mid.Add(g.cfg.Step.Mul(jitter))
	g.mids[symbol] = mid

	return &Quote{
		Symbol: symbol,
		Bid:    mid.Sub(g.cfg.HalfSpread),
		Ask:    mid.Add(g.cfg.HalfSpread),
		Time:   time.Now(),
	}, nil
}

func (g *SimGateway) Candles(_ context.Context, symbol, _ string, count int) ([]Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mid, ok := g.mids[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}
	now := time.Now()
	candles := make([]Candle, 0, count)
	for i := count; i > 0; i-- {
		span := g.cfg.Step.Mul(decimal.NewFromInt(2))
		candles = append(candles, Candle{
			Symbol: symbol,
			Open:   mid,
			High:   mid.Add(span),
			Low:    mid.Sub(span),
			Close:  mid,
			Volume: int64(g.rng.Intn(1000) + 100),
			Start:  now.Add(-time.Duration(i) * time.Minute),
		})
	}
	return candles, nil
}
