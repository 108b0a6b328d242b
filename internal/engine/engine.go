// Package engine fills order requests with spread-aware broker mechanics,
// tracks open positions, ratchets trailing stops, and realizes profit/loss
// through the budget ledger on close.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"terminal-core/internal/events"
	"terminal-core/internal/feed"
	"terminal-core/internal/ledger"
)

var (
	// ErrTicketNotFound is returned for operations on unknown tickets.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrPositionClosed is returned when closing an already-closed position.
	ErrPositionClosed = errors.New("position already closed")
)

// LotSize is the standardized contract size used to scale volume.
var LotSize = decimal.NewFromInt(100000)

const (
	closeReasonStopLoss   = "STOP_LOSS"
	closeReasonTakeProfit = "TAKE_PROFIT"
	closeReasonManual     = "MANUAL"
)

// Config holds the engine's simulation knobs.
type Config struct {
	// DefaultSpreadPips is charged when a quote carries no positive spread.
	DefaultSpreadPips decimal.Decimal
	// RemarkInterval is the cadence of the position re-marking loop.
	RemarkInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSpreadPips: decimal.NewFromInt(2),
		RemarkInterval:    time.Second,
	}
}

// Engine is the order/position engine. All mutations of the position set go
// through its mutex; the re-marking loop and caller-initiated operations
// never observe each other mid-update.
type Engine struct {
	feed   *feed.Feed
	ledger *ledger.Ledger
	bus    *events.Bus
	cfg    Config

	mu         sync.Mutex
	positions  map[int64]*Position
	nextTicket int64
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates an engine. bus may be nil.
func New(f *feed.Feed, l *ledger.Ledger, bus *events.Bus, cfg Config) *Engine {
	if cfg.RemarkInterval <= 0 {
		cfg.RemarkInterval = time.Second
	}
	if !cfg.DefaultSpreadPips.IsPositive() {
		cfg.DefaultSpreadPips = decimal.NewFromInt(2)
	}
	return &Engine{
		feed:      f,
		ledger:    l,
		bus:       bus,
		cfg:       cfg,
		positions: make(map[int64]*Position),
	}
}

// Open validates the request, reserves budget, fills at the spread-correct
// side of the quote, and records a new open position.
func (e *Engine) Open(ctx context.Context, account string, req OrderRequest) (*FillResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	canonical := feed.CanonicalSymbol(req.Symbol)
	price, err := e.feed.CurrentPrice(ctx, canonical)
	if err != nil {
		return nil, err
	}

	// Buys fill at ask, sells at bid.
	fill := price.Ask
	if req.Side == SideSell {
		fill = price.Bid
	}

	spread := price.Spread
	if !spread.IsPositive() {
		spread = e.cfg.DefaultSpreadPips.Mul(feed.PipSize(canonical))
	}

	// Percentage-of-notional convention: volume * lot * price / 100.
	reservation := req.Volume.Mul(LotSize).Mul(fill).Div(hundred)
	if _, err := e.ledger.Allocate(account, reservation); err != nil {
		return nil, err
	}

	stop := req.StopLoss
	if stop.IsZero() && req.TrailingStopPct.IsPositive() {
		stop = trailingStop(req.Side, fill, req.TrailingStopPct)
	}

	now := time.Now()
	pos := &Position{
		Account:         account,
		Symbol:          canonical,
		Side:            req.Side,
		Volume:          req.Volume,
		EntryPrice:      fill,
		CurrentPrice:    fill,
		StopLoss:        stop,
		TakeProfit:      req.TakeProfit,
		TrailingStopPct: req.TrailingStopPct,
		SpreadCost:      req.Volume.Mul(LotSize).Mul(spread),
		Reservation:     reservation,
		IsOpen:          true,
		OpenedAt:        now,
		Magic:           req.Magic,
		Comment:         req.Comment,
	}

	// Allocation above happens-before the position becomes visible here.
	e.mu.Lock()
	e.nextTicket++
	pos.Ticket = e.nextTicket
	e.positions[pos.Ticket] = pos
	e.mu.Unlock()

	result := &FillResult{
		Ticket:     pos.Ticket,
		Symbol:     canonical,
		Side:       req.Side,
		Volume:     req.Volume,
		Price:      fill,
		StopLoss:   stop,
		TakeProfit: req.TakeProfit,
		Status:     "FILLED",
		Time:       now,
	}

	log.Printf("engine: filled ticket %d %s %s %s @ %s",
		pos.Ticket, req.Side, req.Volume.String(), canonical, fill.String())

	if e.bus != nil {
		e.bus.Publish(events.TopicOrderFilled, *result)
		e.bus.Publish(events.TopicTradeOpened, TradeOpened{
			Ticket:     pos.Ticket,
			Account:    account,
			Symbol:     canonical,
			Side:       req.Side,
			Volume:     req.Volume,
			EntryPrice: fill,
			StopLoss:   stop,
			TakeProfit: req.TakeProfit,
			SpreadCost: pos.SpreadCost,
			Time:       now,
		})
	}
	return result, nil
}

// Close closes an open position at the latest available mark price.
func (e *Engine) Close(ctx context.Context, ticket int64) (*Position, error) {
	e.mu.Lock()
	pos, ok := e.positions[ticket]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, ticket)
	}
	if !pos.IsOpen {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrPositionClosed, ticket)
	}
	symbol, side, fallback := pos.Symbol, pos.Side, pos.CurrentPrice
	e.mu.Unlock()

	mark := fallback
	if price, err := e.markPrice(ctx, symbol); err == nil {
		mark = exitPrice(side, price)
	} else {
		log.Printf("engine: close %d using stale mark: %v", ticket, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !pos.IsOpen {
		return nil, fmt.Errorf("%w: %d", ErrPositionClosed, ticket)
	}
	e.closeLocked(pos, mark, closeReasonManual)
	snapshot := *pos
	return &snapshot, nil
}

// Position returns a copy of the position for a ticket.
func (e *Engine) Position(ticket int64) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[ticket]
	if !ok {
		return Position{}, fmt.Errorf("%w: %d", ErrTicketNotFound, ticket)
	}
	return *pos, nil
}

// OpenPositions returns copies of all open positions ordered by ticket.
func (e *Engine) OpenPositions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		if pos.IsOpen {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Positions returns copies of every tracked position, open and closed.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Unrealized sums unrealized P&L across open positions, rounded to 2
// decimals. When prices is non-nil its entries replace the cached marks.
func (e *Engine) Unrealized(prices map[string]decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, pos := range e.positions {
		if !pos.IsOpen {
			continue
		}
		mark := pos.CurrentPrice
		if prices != nil {
			if p, ok := prices[pos.Symbol]; ok {
				mark = p
			}
		}
		total = total.Add(pnl(pos.Side, pos.EntryPrice, mark, pos.Volume))
	}
	return total.Round(2)
}

// Start launches the re-marking loop. No-op while running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	e.wg.Add(1)
	go e.remarkLoop(ctx, stopCh)
}

// Stop signals the re-marking loop and waits for it to exit. Idempotent;
// every caller waits for the loop goroutine, not just the first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.running {
		e.running = false
		close(e.stopCh)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) remarkLoop(ctx context.Context, stopCh chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RemarkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			e.remarkOnce(ctx)
		}
	}
}

// remarkOnce re-marks every open position in ticket order. A failed mark for
// one ticket defers that position to the next cycle; it never aborts the
// pass.
func (e *Engine) remarkOnce(ctx context.Context) {
	e.mu.Lock()
	tickets := make([]int64, 0, len(e.positions))
	for t, pos := range e.positions {
		if pos.IsOpen {
			tickets = append(tickets, t)
		}
	}
	e.mu.Unlock()
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	for _, ticket := range tickets {
		if err := e.remarkTicket(ctx, ticket); err != nil {
			log.Printf("engine: remark %d: %v", ticket, err)
		}
	}

	e.publishUnrealized()
}

func (e *Engine) remarkTicket(ctx context.Context, ticket int64) error {
	e.mu.Lock()
	pos, ok := e.positions[ticket]
	if !ok || !pos.IsOpen {
		e.mu.Unlock()
		return nil
	}
	symbol, side := pos.Symbol, pos.Side
	e.mu.Unlock()

	price, err := e.markPrice(ctx, symbol)
	if err != nil {
		return err
	}
	mark := exitPrice(side, price)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !pos.IsOpen {
		return nil
	}

	update := PositionUpdate{
		Ticket:    pos.Ticket,
		Symbol:    pos.Symbol,
		Kind:      UpdatePrice,
		PrevPrice: pos.CurrentPrice,
		PrevPnL:   pos.UnrealizedPnL,
	}

	pos.CurrentPrice = mark
	pos.UnrealizedPnL = pnl(pos.Side, pos.EntryPrice, mark, pos.Volume)
	update.Price = mark
	update.PnL = pos.UnrealizedPnL

	switch {
	case stopLossHit(pos, mark):
		update.Kind = UpdateStopLossHit
		update.Closed = true
		e.closeLocked(pos, mark, closeReasonStopLoss)
	case takeProfitHit(pos, mark):
		update.Kind = UpdateTakeProfitHit
		update.Closed = true
		e.closeLocked(pos, mark, closeReasonTakeProfit)
	case pos.TrailingStopPct.IsPositive():
		if candidate, ok := ratchet(pos, mark); ok {
			pos.StopLoss = candidate
			update.Kind = UpdateTrailingRatchet
			update.NewStop = candidate
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicPositionUpdate, update)
	}
	return nil
}

// markPrice prefers the cached last price and falls back to a fresh fetch.
func (e *Engine) markPrice(ctx context.Context, symbol string) (feed.Price, error) {
	if p, ok := e.feed.LastPrice(symbol); ok {
		return p, nil
	}
	return e.feed.CurrentPrice(ctx, symbol)
}

// closeLocked finalizes a position at mark. Callers hold e.mu. The ledger
// release happens before the position leaves the open set.
func (e *Engine) closeLocked(pos *Position, mark decimal.Decimal, reason string) {
	gross := pnl(pos.Side, pos.EntryPrice, mark, pos.Volume)
	realized := gross.Sub(pos.SpreadCost).Round(2)

	if err := e.ledger.Release(pos.Account, pos.Reservation, realized); err != nil {
		log.Printf("engine: release for ticket %d: %v", pos.Ticket, err)
	}

	pos.CurrentPrice = mark
	pos.UnrealizedPnL = gross
	pos.RealizedPnL = realized
	pos.IsOpen = false
	pos.ClosedAt = time.Now()
	pos.CloseReason = reason

	log.Printf("engine: closed ticket %d (%s) @ %s realized %s",
		pos.Ticket, reason, mark.String(), realized.StringFixed(2))

	if e.bus != nil {
		e.bus.Publish(events.TopicTradeClosed, TradeClosed{
			Ticket:      pos.Ticket,
			Account:     pos.Account,
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			Volume:      pos.Volume,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   mark,
			RealizedPnL: realized,
			Reason:      reason,
			Time:        pos.ClosedAt,
		})
	}
}

// publishUnrealized pushes per-account unrealized totals into the ledger.
func (e *Engine) publishUnrealized() {
	e.mu.Lock()
	totals := make(map[string]decimal.Decimal)
	for _, pos := range e.positions {
		if pos.IsOpen {
			totals[pos.Account] = totals[pos.Account].Add(pos.UnrealizedPnL)
		}
	}
	e.mu.Unlock()

	for account, total := range totals {
		if err := e.ledger.UpdateUnrealized(account, total.Round(2)); err != nil {
			log.Printf("engine: unrealized update for %s: %v", account, err)
		}
	}
}

// exitPrice is the close-side price: a Buy exits at bid, a Sell at ask.
func exitPrice(side Side, p feed.Price) decimal.Decimal {
	if side == SideBuy {
		return p.Bid
	}
	return p.Ask
}

// pnl is (exit-entry) for Buy and (entry-exit) for Sell, scaled by
// volume * lot size and rounded to 2 decimals.
func pnl(side Side, entry, exit, volume decimal.Decimal) decimal.Decimal {
	delta := exit.Sub(entry)
	if side == SideSell {
		delta = entry.Sub(exit)
	}
	return delta.Mul(volume).Mul(LotSize).Round(2)
}

// trailingStop is price -/+ price*pct/100 (minus for Buy, plus for Sell).
func trailingStop(side Side, price, pct decimal.Decimal) decimal.Decimal {
	offset := price.Mul(pct).Div(hundred)
	if side == SideBuy {
		return price.Sub(offset)
	}
	return price.Add(offset)
}

func stopLossHit(pos *Position, mark decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Side == SideBuy {
		return mark.LessThanOrEqual(pos.StopLoss)
	}
	return mark.GreaterThanOrEqual(pos.StopLoss)
}

func takeProfitHit(pos *Position, mark decimal.Decimal) bool {
	if pos.TakeProfit.IsZero() {
		return false
	}
	if pos.Side == SideBuy {
		return mark.GreaterThanOrEqual(pos.TakeProfit)
	}
	return mark.LessThanOrEqual(pos.TakeProfit)
}

// ratchet recomputes the candidate stop at the mark and adopts it only when
// strictly more favorable: the stop never moves against the position.
func ratchet(pos *Position, mark decimal.Decimal) (decimal.Decimal, bool) {
	candidate := trailingStop(pos.Side, mark, pos.TrailingStopPct)
	if pos.StopLoss.IsZero() {
		return candidate, true
	}
	if pos.Side == SideBuy && candidate.GreaterThan(pos.StopLoss) {
		return candidate, true
	}
	if pos.Side == SideSell && candidate.LessThan(pos.StopLoss) {
		return candidate, true
	}
	return decimal.Zero, false
}
