// Package journal subscribes to trade events and persists them as durable
// trade records. The execution core never depends on it.
package journal

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"terminal-core/internal/engine"
	"terminal-core/internal/events"
	"terminal-core/pkg/db"
)

// Journal consumes trade-opened/closed events from the bus.
type Journal struct {
	bus *events.Bus
	db  *db.Database

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(bus *events.Bus, database *db.Database) *Journal {
	return &Journal{bus: bus, db: database}
}

// Start launches the recorder goroutine. No-op while running.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	stopCh := j.stopCh
	j.mu.Unlock()

	opened, unsubOpen := j.bus.Subscribe(events.TopicTradeOpened, 100)
	closed, unsubClose := j.bus.Subscribe(events.TopicTradeClosed, 100)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer unsubOpen()
		defer unsubClose()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case msg, ok := <-opened:
				if !ok {
					return
				}
				if rec, ok := msg.(engine.TradeOpened); ok {
					j.recordOpen(ctx, rec)
				}
			case msg, ok := <-closed:
				if !ok {
					return
				}
				if rec, ok := msg.(engine.TradeClosed); ok {
					j.recordClose(ctx, rec)
				}
			}
		}
	}()
}

// Stop signals the recorder and waits for it to exit. Idempotent; every
// caller waits for the recorder goroutine, not just the first.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.running {
		j.running = false
		close(j.stopCh)
	}
	j.mu.Unlock()

	j.wg.Wait()
}

func (j *Journal) recordOpen(ctx context.Context, rec engine.TradeOpened) {
	err := j.db.InsertOpen(ctx, db.Trade{
		ID:         uuid.NewString(),
		Ticket:     rec.Ticket,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       string(rec.Side),
		Volume:     rec.Volume.String(),
		EntryPrice: rec.EntryPrice.String(),
		StopLoss:   rec.StopLoss.String(),
		TakeProfit: rec.TakeProfit.String(),
		SpreadCost: rec.SpreadCost.String(),
		OpenedAt:   rec.Time,
	})
	if err != nil {
		log.Printf("journal: record open %d: %v", rec.Ticket, err)
	}
}

func (j *Journal) recordClose(ctx context.Context, rec engine.TradeClosed) {
	err := j.db.MarkClosed(ctx, rec.Ticket,
		rec.ExitPrice.String(), rec.RealizedPnL.String(), rec.Reason, rec.Time)
	if err != nil {
		log.Printf("journal: record close %d: %v", rec.Ticket, err)
	}
}
