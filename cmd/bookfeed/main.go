// bookfeed — maintains live order book replicas for configured markets
// over the exchanges' websocket feeds.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — supervision loop: connect → subscribe → receive → apply → restart on desync
//	book/ladder.go       — sorted price ladder, one per book side
//	book/store.go        — replica store: applies mutation batches, serves verified read queries
//	exchange/bitfinex.go — Bitfinex v2 adapter: channel map, snapshot/delta/heartbeat decoding
//	exchange/poloniex.go — Poloniex adapter: market-id map, snapshot expansion, sequence checks
//	exchange/rest.go     — optional REST pre-flight validating configured pairs
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cryptobook/internal/config"
	"cryptobook/internal/engine"
	"cryptobook/internal/exchange"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOOK_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	adapterCfg := exchange.Config{Timeout: cfg.Timeout}
	var adapter exchange.Adapter
	switch cfg.Exchange {
	case "bitfinex":
		adapter = exchange.NewBitfinex(adapterCfg, logger)
	case "poloniex":
		adapter = exchange.NewPoloniex(adapterCfg, logger)
	}

	if cfg.Preflight {
		preflight := exchange.NewPreflight(logger)
		if err := preflight.VerifyPairs(context.Background(), cfg.Exchange, cfg.Pairs()); err != nil {
			logger.Error("pre-flight check failed", "error", err)
			os.Exit(1)
		}
	}

	eng, err := engine.New(engine.Config{
		Markets:         cfg.Pairs(),
		Timeout:         cfg.Timeout,
		HeartbeatWindow: cfg.Heartbeat.Window,
	}, adapter, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	eng.Start()
	logger.Info("order book feed started",
		"exchange", cfg.Exchange,
		"markets", len(cfg.Markets),
	)

	go func() {
		if err := eng.WaitReady(context.Background()); err == nil {
			logger.Info("all markets active")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
