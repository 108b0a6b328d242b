package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-core/internal/connection"
	"terminal-core/internal/events"
	"terminal-core/internal/feed"
	"terminal-core/internal/ledger"
	"terminal-core/pkg/terminal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubGateway serves pinned quotes keyed by native symbol.
type stubGateway struct {
	mu     sync.Mutex
	quotes map[string]terminal.Quote
}

func newStubGateway() *stubGateway {
	return &stubGateway{quotes: make(map[string]terminal.Quote)}
}

func (g *stubGateway) set(symbol, bid, ask string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = terminal.Quote{
		Symbol: symbol,
		Bid:    dec(bid),
		Ask:    dec(ask),
		Time:   time.Now(),
	}
}

func (g *stubGateway) Initialize(context.Context, terminal.Settings) error { return nil }
func (g *stubGateway) Shutdown(context.Context) error                      { return nil }
func (g *stubGateway) IsConnected(context.Context) bool                    { return true }
func (g *stubGateway) AccountInfo(context.Context) (*terminal.AccountInfo, error) {
	return &terminal.AccountInfo{}, nil
}
func (g *stubGateway) Candles(context.Context, string, string, int) ([]terminal.Candle, error) {
	return nil, nil
}

func (g *stubGateway) Quote(_ context.Context, symbol string) (*terminal.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.quotes[symbol]
	if !ok {
		return nil, terminal.ErrQuoteUnavailable
	}
	return &q, nil
}

type harness struct {
	gw     *stubGateway
	feed   *feed.Feed
	ledger *ledger.Ledger
	engine *Engine
	bus    *events.Bus
}

func newHarness(t *testing.T, budget string) *harness {
	t.Helper()
	gw := newStubGateway()
	gw.set("EURUSD", "1.08510", "1.08520")

	conn := connection.NewManager(gw, terminal.Settings{Server: "stub"}, connection.DefaultConfig(), nil)
	require.NoError(t, conn.Connect(context.Background()))

	bus := events.NewBus()
	f := feed.New(conn, gw, bus, time.Hour)
	l := ledger.New()
	l.Register("team-1", dec(budget))

	return &harness{
		gw:     gw,
		feed:   f,
		ledger: l,
		engine: New(f, l, bus, DefaultConfig()),
		bus:    bus,
	}
}

// move pins a new quote and refreshes the feed cache, the way the tick loop
// would between re-marking passes.
func (h *harness) move(t *testing.T, symbol, bid, ask string) {
	t.Helper()
	h.gw.set(symbol, bid, ask)
	_, err := h.feed.CurrentPrice(context.Background(), symbol)
	require.NoError(t, err)
}

func (h *harness) remark(t *testing.T, ticket int64) {
	t.Helper()
	require.NoError(t, h.engine.remarkTicket(context.Background(), ticket))
}

func buyRequest(volume string) OrderRequest {
	return OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: dec(volume)}
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t, "1000")

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"zero volume", OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: decimal.Zero}},
		{"negative volume", OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: dec("-0.1")}},
		{"trailing above 100", OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TrailingStopPct: dec("101")}},
		{"negative trailing", OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TrailingStopPct: dec("-1")}},
		{"negative slippage", OrderRequest{Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), Slippage: dec("-0.0001")}},
		{"empty symbol", OrderRequest{Side: SideBuy, Volume: dec("0.1")}},
		{"bad side", OrderRequest{Symbol: "EUR/USD", Side: "HOLD", Volume: dec("0.1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Open(context.Background(), "team-1", tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Nothing was created and no funds moved.
	assert.Empty(t, h.engine.OpenPositions())
	snap, err := h.ledger.Snapshot("team-1")
	require.NoError(t, err)
	assert.True(t, snap.CurrentBudget.Equal(dec("1000")))
}

func TestBuyFillsAtAskSellAtBid(t *testing.T) {
	h := newHarness(t, "1000")

	buy, err := h.engine.Open(context.Background(), "team-1", buyRequest("0.1"))
	require.NoError(t, err)
	assert.True(t, buy.Price.Equal(dec("1.08520")), "buy fill %s", buy.Price)
	assert.Equal(t, "FILLED", buy.Status)

	sell, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideSell, Volume: dec("0.1"),
	})
	require.NoError(t, err)
	assert.True(t, sell.Price.Equal(dec("1.08510")), "sell fill %s", sell.Price)
	assert.Greater(t, sell.Ticket, buy.Ticket)
}

func TestOpenInsufficientFunds(t *testing.T) {
	// Notional: 0.1 * 100000 * 1.08520 / 100 = 108.52 > 100.
	h := newHarness(t, "100")

	_, err := h.engine.Open(context.Background(), "team-1", buyRequest("0.1"))
	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, ife.Required.Equal(dec("108.52")), "required %s", ife.Required)

	assert.Empty(t, h.engine.OpenPositions())
	snap, err := h.ledger.Snapshot("team-1")
	require.NoError(t, err)
	assert.True(t, snap.CurrentBudget.Equal(dec("100")))
}

func TestExplicitStopLossWinsOverTrailing(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"),
		StopLoss: dec("1.07000"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, res.StopLoss.Equal(dec("1.07000")))
}

func TestTrailingStopInitialization(t *testing.T) {
	h := newHarness(t, "1000")

	// Buy: stop = fill - fill*pct/100 = 1.08520 - 0.0108520.
	buy, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, buy.StopLoss.Equal(dec("1.074348")), "buy stop %s", buy.StopLoss)

	// Sell: stop = fill + fill*pct/100 = 1.08510 + 0.0108510.
	sell, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideSell, Volume: dec("0.1"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, sell.StopLoss.Equal(dec("1.096161")), "sell stop %s", sell.StopLoss)
}

// Buy 0.1 EUR/USD at ask 1.08520 with 1% trailing stop; when the mark rises
// to 1.09000 the candidate 1.07910 beats the initial 1.074348 and is adopted.
func TestBuyTrailingRatchet(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)

	updates, unsub := h.bus.Subscribe(events.TopicPositionUpdate, 10)
	defer unsub()

	h.move(t, "EURUSD", "1.09000", "1.09010")
	h.remark(t, res.Ticket)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	assert.True(t, pos.StopLoss.Equal(dec("1.07910")), "stop %s", pos.StopLoss)
	assert.True(t, pos.UnrealizedPnL.Equal(dec("48.00")), "pnl %s", pos.UnrealizedPnL)
	assert.True(t, pos.IsOpen)

	update := (<-updates).(PositionUpdate)
	assert.Equal(t, UpdateTrailingRatchet, update.Kind)
	assert.True(t, update.NewStop.Equal(dec("1.07910")))
	assert.False(t, update.Closed)
}

// Sell 0.1 lots at bid 1.08500 with stop 1.08600: a drop to 1.08000 is in
// the position's favor, so nothing triggers and unrealized P&L is 50.00.
func TestSellNoTriggerOnFavorableMove(t *testing.T) {
	h := newHarness(t, "1000")
	h.gw.set("EURUSD", "1.08500", "1.08510")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideSell, Volume: dec("0.1"), StopLoss: dec("1.08600"),
	})
	require.NoError(t, err)
	require.True(t, res.Price.Equal(dec("1.08500")))

	h.move(t, "EURUSD", "1.07990", "1.08000")
	h.remark(t, res.Ticket)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)
	assert.True(t, pos.UnrealizedPnL.Equal(dec("50.00")), "pnl %s", pos.UnrealizedPnL)
	assert.True(t, pos.StopLoss.Equal(dec("1.08600")))
}

func TestTrailingStopMonotonicBuy(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)

	marks := []struct{ bid, ask string }{
		{"1.09000", "1.09010"}, // up: ratchets
		{"1.08500", "1.08510"}, // down: stop must hold
		{"1.09500", "1.09510"}, // new high: ratchets again
		{"1.09200", "1.09210"}, // pullback: stop must hold
	}

	prev := dec("1.074348")
	for _, m := range marks {
		h.move(t, "EURUSD", m.bid, m.ask)
		h.remark(t, res.Ticket)

		pos, err := h.engine.Position(res.Ticket)
		require.NoError(t, err)
		require.True(t, pos.IsOpen, "position closed unexpectedly at bid %s", m.bid)
		assert.True(t, pos.StopLoss.GreaterThanOrEqual(prev),
			"stop moved against the position: %s -> %s", prev, pos.StopLoss)
		prev = pos.StopLoss
	}
	assert.True(t, prev.Equal(dec("1.084050")), "final stop %s", prev)
}

func TestTrailingStopMonotonicSell(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideSell, Volume: dec("0.1"), TrailingStopPct: dec("1"),
	})
	require.NoError(t, err)

	marks := []struct{ bid, ask string }{
		{"1.07990", "1.08000"}, // down: ratchets
		{"1.08290", "1.08300"}, // bounce: stop must hold
		{"1.06990", "1.07000"}, // new low: ratchets again
	}

	prev := dec("1.096161")
	for _, m := range marks {
		h.move(t, "EURUSD", m.bid, m.ask)
		h.remark(t, res.Ticket)

		pos, err := h.engine.Position(res.Ticket)
		require.NoError(t, err)
		require.True(t, pos.IsOpen)
		assert.True(t, pos.StopLoss.LessThanOrEqual(prev),
			"stop moved against the position: %s -> %s", prev, pos.StopLoss)
		prev = pos.StopLoss
	}
	assert.True(t, prev.Equal(dec("1.08070")), "final stop %s", prev)
}

func TestStopLossTriggerClosesAndReleases(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), StopLoss: dec("1.08000"),
	})
	require.NoError(t, err)

	h.move(t, "EURUSD", "1.07900", "1.07910")
	h.remark(t, res.Ticket)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, closeReasonStopLoss, pos.CloseReason)
	// gross = (1.079 - 1.0852) * 0.1 * 100000 = -62.00, spread cost 1.00
	assert.True(t, pos.RealizedPnL.Equal(dec("-63.00")), "realized %s", pos.RealizedPnL)
	assert.False(t, pos.ClosedAt.IsZero())

	snap, err := h.ledger.Snapshot("team-1")
	require.NoError(t, err)
	assert.True(t, snap.CurrentBudget.Equal(dec("937.00")), "budget %s", snap.CurrentBudget)
	assert.True(t, snap.RealizedPnL.Equal(dec("-63.00")))
	assert.Empty(t, h.engine.OpenPositions())
}

func TestTakeProfitTrigger(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideBuy, Volume: dec("0.1"), TakeProfit: dec("1.09000"),
	})
	require.NoError(t, err)

	closed, unsub := h.bus.Subscribe(events.TopicTradeClosed, 10)
	defer unsub()

	h.move(t, "EURUSD", "1.09050", "1.09060")
	h.remark(t, res.Ticket)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, closeReasonTakeProfit, pos.CloseReason)
	// gross = (1.0905 - 1.0852) * 10000 = 53.00, spread cost 1.00
	assert.True(t, pos.RealizedPnL.Equal(dec("52.00")), "realized %s", pos.RealizedPnL)

	rec := (<-closed).(TradeClosed)
	assert.Equal(t, res.Ticket, rec.Ticket)
	assert.True(t, rec.ExitPrice.Equal(dec("1.09050")))
}

// Stop-loss wins when both stop and target would trigger in the same pass.
func TestStopLossEvaluatedBeforeTakeProfit(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "EUR/USD", Side: SideSell, Volume: dec("0.1"),
		StopLoss: dec("1.08000"), TakeProfit: dec("1.09000"),
	})
	require.NoError(t, err)

	// For a Sell, mark >= stop triggers SL and mark <= target triggers TP;
	// a mark of 1.08500 satisfies the stop first.
	h.move(t, "EURUSD", "1.08490", "1.08500")
	h.remark(t, res.Ticket)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	assert.Equal(t, closeReasonStopLoss, pos.CloseReason)
}

func TestExplicitClose(t *testing.T) {
	h := newHarness(t, "1000")

	res, err := h.engine.Open(context.Background(), "team-1", buyRequest("0.1"))
	require.NoError(t, err)

	h.move(t, "EURUSD", "1.09000", "1.09010")
	pos, err := h.engine.Close(context.Background(), res.Ticket)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, closeReasonManual, pos.CloseReason)
	// gross = (1.09 - 1.0852) * 10000 = 48.00, spread cost 1.00
	assert.True(t, pos.RealizedPnL.Equal(dec("47.00")), "realized %s", pos.RealizedPnL)

	_, err = h.engine.Close(context.Background(), res.Ticket)
	assert.ErrorIs(t, err, ErrPositionClosed)

	_, err = h.engine.Close(context.Background(), 99999)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestUnrealizedAggregate(t *testing.T) {
	h := newHarness(t, "10000")
	h.gw.set("GBPUSD", "1.25000", "1.25010")

	_, err := h.engine.Open(context.Background(), "team-1", buyRequest("0.1"))
	require.NoError(t, err)
	_, err = h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "GBP/USD", Side: SideSell, Volume: dec("0.2"),
	})
	require.NoError(t, err)

	// Buy EUR/USD entry 1.08520, Sell GBP/USD entry 1.25000.
	total := h.engine.Unrealized(map[string]decimal.Decimal{
		"EUR/USD": dec("1.09000"), // +48.00
		"GBP/USD": dec("1.24000"), // (1.25 - 1.24) * 0.2 * 100000 = +200.00
	})
	assert.True(t, total.Equal(dec("248.00")), "total %s", total)
}

func TestDefaultSpreadFallback(t *testing.T) {
	h := newHarness(t, "20000")
	// Zero-spread quote on a JPY pair: 2 pips * 0.01 = 0.02 price units.
	h.gw.set("USDJPY", "155.00", "155.00")

	res, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "USD/JPY", Side: SideBuy, Volume: dec("0.1"),
	})
	require.NoError(t, err)

	pos, err := h.engine.Position(res.Ticket)
	require.NoError(t, err)
	// spread cost = 0.1 * 100000 * 0.02 = 200
	assert.True(t, pos.SpreadCost.Equal(dec("200")), "spread cost %s", pos.SpreadCost)
}

func TestRemarkPassUpdatesAllPositions(t *testing.T) {
	h := newHarness(t, "10000")
	h.gw.set("GBPUSD", "1.25000", "1.25010")

	eur, err := h.engine.Open(context.Background(), "team-1", buyRequest("0.1"))
	require.NoError(t, err)
	gbp, err := h.engine.Open(context.Background(), "team-1", OrderRequest{
		Symbol: "GBP/USD", Side: SideBuy, Volume: dec("0.1"),
	})
	require.NoError(t, err)

	// Both positions marked from the cache; a full pass must touch both and
	// push the aggregate into the ledger.
	h.move(t, "EURUSD", "1.09000", "1.09010")
	h.move(t, "GBPUSD", "1.26000", "1.26010")
	h.engine.remarkOnce(context.Background())

	eurPos, err := h.engine.Position(eur.Ticket)
	require.NoError(t, err)
	gbpPos, err := h.engine.Position(gbp.Ticket)
	require.NoError(t, err)
	assert.True(t, eurPos.UnrealizedPnL.Equal(dec("48.00")))
	// (1.26 - 1.2501) * 10000 = 99.00
	assert.True(t, gbpPos.UnrealizedPnL.Equal(dec("99.00")))

	snap, err := h.ledger.Snapshot("team-1")
	require.NoError(t, err)
	assert.True(t, snap.UnrealizedPnL.Equal(dec("147.00")), "unrealized %s", snap.UnrealizedPnL)
}

func TestEngineStartStopIdempotent(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()

	h.engine.Start(ctx)
	h.engine.Start(ctx)
	h.engine.Stop()
	h.engine.Stop()
}
