// Package feed canonicalizes instrument symbols, caches last prices, and
// fans live ticks out to subscribers.
package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"terminal-core/internal/connection"
	"terminal-core/internal/events"
	"terminal-core/pkg/terminal"
)

// Callback receives every distributed tick. A panicking or otherwise failing
// callback never affects other subscribers or the tick loop.
type Callback func(Price)

// Feed fetches prices through the terminal gateway, gated on the connection
// manager's state.
type Feed struct {
	conn     *connection.Manager
	gw       terminal.Gateway
	bus      *events.Bus
	cache    *ShardedPriceCache
	interval time.Duration

	mu        sync.Mutex
	symbols   []string // canonical, insertion order
	callbacks []Callback
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a feed ticking at interval. bus may be nil.
func New(conn *connection.Manager, gw terminal.Gateway, bus *events.Bus, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feed{
		conn:     conn,
		gw:       gw,
		bus:      bus,
		cache:    NewShardedPriceCache(),
		interval: interval,
	}
}

// Track adds a symbol (in any spelling) to the tick loop's watch set.
func (f *Feed) Track(symbol string) {
	canonical := CanonicalSymbol(symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.symbols {
		if s == canonical {
			return
		}
	}
	f.symbols = append(f.symbols, canonical)
}

// Tracked returns the canonical watch set in insertion order.
func (f *Feed) Tracked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// CurrentPrice fetches a fresh quote for the symbol, caches it by canonical
// name, publishes a tick, and returns it. Fails fast when disconnected.
func (f *Feed) CurrentPrice(ctx context.Context, symbol string) (Price, error) {
	if !f.conn.IsConnected() {
		return Price{}, fmt.Errorf("%w: cannot fetch %s", connection.ErrNotConnected, symbol)
	}

	canonical := CanonicalSymbol(symbol)
	quote, err := f.gw.Quote(ctx, NativeSymbol(symbol))
	if err != nil {
		return Price{}, fmt.Errorf("fetch price %s: %w", canonical, err)
	}

	p := Price{
		Symbol: canonical,
		Bid:    quote.Bid,
		Ask:    quote.Ask,
		Spread: quote.Ask.Sub(quote.Bid),
		Time:   quote.Time,
	}
	f.cache.Set(canonical, p)
	if f.bus != nil {
		f.bus.Publish(events.TopicTick, p)
	}
	return p, nil
}

// LastPrice returns the cached price for a symbol, if any.
func (f *Feed) LastPrice(symbol string) (Price, bool) {
	return f.cache.Get(CanonicalSymbol(symbol))
}

// Subscribe registers a callback; the first subscription starts the tick
// loop. Callbacks run in insertion order.
func (f *Feed) Subscribe(ctx context.Context, cb Callback) {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	start := !f.running
	if start {
		f.running = true
		f.stopCh = make(chan struct{})
	}
	stopCh := f.stopCh
	f.mu.Unlock()

	if start {
		f.wg.Add(1)
		go f.tickLoop(ctx, stopCh)
	}
}

// Unsubscribe stops the tick loop, waits for it to finish, and clears all
// callbacks. Idempotent; every caller waits for the loop goroutine, so no
// callback runs after any Unsubscribe returns.
func (f *Feed) Unsubscribe() {
	f.mu.Lock()
	if f.running {
		f.running = false
		close(f.stopCh)
	}
	f.mu.Unlock()

	f.wg.Wait()

	f.mu.Lock()
	f.callbacks = nil
	f.mu.Unlock()
}

func (f *Feed) tickLoop(ctx context.Context, stopCh chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			f.tickOnce(ctx)
		}
	}
}

// tickOnce fetches every tracked symbol and distributes the result. One
// symbol's fetch failure or one callback's failure never affects the rest
// of the pass.
func (f *Feed) tickOnce(ctx context.Context) {
	for _, sym := range f.Tracked() {
		price, err := f.CurrentPrice(ctx, sym)
		if err != nil {
			log.Printf("feed: tick fetch %s: %v", sym, err)
			continue
		}

		f.mu.Lock()
		callbacks := make([]Callback, len(f.callbacks))
		copy(callbacks, f.callbacks)
		f.mu.Unlock()

		for _, cb := range callbacks {
			f.invoke(cb, price)
		}
	}
}

func (f *Feed) invoke(cb Callback, p Price) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("feed: subscriber panic on %s: %v", p.Symbol, r)
		}
	}()
	cb(p)
}
