// AtlasX Exchange — the trading core of a demonstration cryptocurrency
// exchange.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	pipeline/pipeline.go   — orchestrator: idempotency → risk → reserve → match → settle → events → fan-out
//	book/book.go           — per-symbol price-time priority order book (btree price levels)
//	ledger/ledger.go       — per-account available/reserved balances with atomic transfers
//	risk/gate.go           — pre-trade checks: quantity cap, price band, per-client rate limit
//	idempotency/cache.go   — client-scoped response cache making POST /orders retry-safe
//	outbox/…               — leased event queue + publisher with backoff feeding the bus
//	bus/…                  — RabbitMQ topic-exchange publisher (or in-process loopback)
//	marketdata/fanout.go   — batched, rate-limited order book + trade broadcast to WebSocket subscribers
//	api/…                  — HTTP/WebSocket transport
//
// State is process-local: restarts start from an empty ledger and book.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"atlasx-exchange/internal/api"
	"atlasx-exchange/internal/bus"
	"atlasx-exchange/internal/config"
	"atlasx-exchange/internal/events"
	"atlasx-exchange/internal/idempotency"
	"atlasx-exchange/internal/ledger"
	"atlasx-exchange/internal/marketdata"
	"atlasx-exchange/internal/outbox"
	"atlasx-exchange/internal/pipeline"
	"atlasx-exchange/internal/risk"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ATLAS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// An empty bus URL runs the exchange self-contained.
	var eventBus bus.EventBus
	if cfg.Bus.URL != "" {
		rabbit, err := bus.NewRabbit(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to connect to message bus", "error", err)
			os.Exit(1)
		}
		defer rabbit.Close()
		eventBus = rabbit
	} else {
		logger.Warn("no bus.url configured, publishing to in-process loopback")
		eventBus = bus.NewLoopback()
	}

	ldg := ledger.New()
	gate := risk.NewGate(cfg.Risk)
	idem := idempotency.New(cfg.Idempotency)
	ob := outbox.New()
	fanout := marketdata.New(cfg.MarketData, logger)
	pipe := pipeline.New(cfg.Symbols, ldg, gate, idem, ob, fanout, cfg.MarketData.DefaultDepth, logger)
	publisher := outbox.NewPublisher(ob, eventBus, events.NewRegistry(), cfg.Outbox, logger)
	server := api.NewServer(cfg.Server, pipe, fanout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		fanout.RunHeartbeat(ctx)
	}()
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	symbols := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		symbols[i] = s.Symbol
	}
	logger.Info("atlasx exchange started",
		"port", cfg.Server.Port,
		"symbols", symbols,
		"bus", cfg.Bus.URL != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
	wg.Wait()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
