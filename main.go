package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"terminal-core/internal/api"
	"terminal-core/internal/connection"
	"terminal-core/internal/engine"
	"terminal-core/internal/events"
	"terminal-core/internal/feed"
	"terminal-core/internal/journal"
	"terminal-core/internal/ledger"
	"terminal-core/internal/monitor"
	"terminal-core/pkg/config"
	"terminal-core/pkg/db"
	"terminal-core/pkg/terminal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting execution core on port %s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	gw := buildGateway(cfg)

	settings := terminal.Settings{
		Login:    cfg.Login,
		Password: cfg.Password,
		Server:   cfg.Server,
		Timeout:  cfg.Timeout,
		Path:     cfg.TerminalPath,
	}
	conn := connection.NewManager(gw, settings, connection.Config{
		HealthInterval:         cfg.Tuning.HealthInterval,
		BackoffMultiplier:      cfg.Tuning.BackoffMultiplier,
		MaxConsecutiveFailures: cfg.Tuning.MaxConsecutiveFailures,
		ReconnectMaxAttempts:   cfg.Tuning.ReconnectMaxAttempts,
		RetryBaseDelay:         time.Second,
	}, bus)

	if err := conn.Connect(ctx); err != nil {
		log.Fatalf("initial connect failed: %v", err)
	}
	conn.Start(ctx)

	priceFeed := feed.New(conn, gw, bus, cfg.Tuning.TickInterval)
	for _, sym := range cfg.Symbols {
		priceFeed.Track(sym)
	}

	ldg := ledger.New()
	ldg.Register(cfg.Account, decimal.NewFromFloat(cfg.InitialBudget))

	eng := engine.New(priceFeed, ldg, bus, engine.Config{
		DefaultSpreadPips: decimal.NewFromFloat(cfg.Tuning.DefaultSpreadPips),
		RemarkInterval:    cfg.Tuning.RemarkInterval,
	})
	eng.Start(ctx)

	// Subscribe so the first subscriber kicks off the tick loop.
	priceFeed.Subscribe(ctx, func(p feed.Price) {
		// Ticks also flow over the bus; this callback keeps the loop alive
		// even with no external subscribers.
	})

	jrnl := journal.New(bus, database)
	jrnl.Start(ctx)

	mon := &monitor.Monitor{Bus: bus, AlertFn: func(msg string) {
		log.Printf("ALERT %s", msg)
	}}
	mon.Start(ctx)

	server := api.NewServer(bus, database, conn, priceFeed, eng, ldg, api.SystemMeta{
		Venue:   cfg.Server,
		Symbols: priceFeed.Tracked(),
		Sim:     cfg.UseSim,
		Version: "1.0.0",
	})

	go func() {
		if err := server.Run(":" + cfg.Port); err != nil {
			log.Printf("http server stopped: %v", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	// Stop loops in reverse dependency order.
	jrnl.Stop()
	eng.Stop()
	priceFeed.Unsubscribe()
	conn.Disconnect(context.Background())
	log.Println("shutdown complete")
}

// buildGateway selects the terminal integration. Only the simulator ships in
// this repo; a production integration implements terminal.Gateway and plugs
// in here.
func buildGateway(cfg *config.Config) terminal.Gateway {
	if !cfg.UseSim {
		log.Println("no production terminal integration compiled in; using simulator")
	}
	seeds := make(map[string]decimal.Decimal, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		native := feed.NativeSymbol(sym)
		switch {
		case native == "USDJPY":
			seeds[native] = decimal.RequireFromString("155.00")
		default:
			seeds[native] = decimal.RequireFromString("1.0850")
		}
	}
	return terminal.NewSimGateway(terminal.SimConfig{
		Seeds:   seeds,
		Balance: decimal.NewFromFloat(cfg.InitialBudget),
	})
}
