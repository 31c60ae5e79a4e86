// Package engine runs the order book replication loop and exposes the
// read-side query surface.
//
// One goroutine per engine owns all writes to the replica store. Its
// life is two nested loops:
//
//   - Outer (supervision): rebuild empty market state, connect with
//     backoff, subscribe every configured market, then hand control to
//     the receive loop. When the receive loop exits because restart was
//     flagged — by an adapter (sequence gap, protocol error) or by the
//     engine itself (transport failure, delete-miss, crossed book) — the
//     engine disconnects, clears all state, resets the adapter and goes
//     around again. Only Stop() ends the outer loop.
//
//   - Inner (receive): adapter.Receive() blocks for one wire frame and
//     returns its normalized mutations; the engine applies them to the
//     store as one atomic batch.
//
// Any number of caller goroutines use the query surface concurrently;
// every query re-verifies freshness and consistency before answering.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cryptobook/internal/book"
	"cryptobook/internal/exchange"
	"cryptobook/pkg/types"
)

const (
	maxConnectTries   = 2000
	maxConnectDelay   = 5 * time.Second
	readyPollInterval = 100 * time.Millisecond
)

// Config holds the engine settings.
type Config struct {
	// Markets is the set of pairs to replicate. Immutable after New.
	Markets []types.Pair

	// Timeout is the transport timeout (default 10s). The engine only
	// records it; adapters take their own timeout through exchange.Config.
	Timeout time.Duration

	// HeartbeatWindow is the default freshness window for queries that
	// do not pass their own (default 10s).
	HeartbeatWindow time.Duration
}

// Engine replicates the order books of the configured markets from one
// exchange adapter.
type Engine struct {
	cfg     Config
	adapter exchange.Adapter
	store   *book.Store
	logger  *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine for the given adapter. Market pairs are
// normalized to lowercase.
func New(cfg Config, adapter exchange.Adapter, logger *slog.Logger) (*Engine, error) {
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("at least one market is required: %w", types.ErrOrderBook)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = book.DefaultHeartbeatWindow
	}

	markets := make([]types.Pair, len(cfg.Markets))
	seen := make(map[types.Pair]bool, len(cfg.Markets))
	for i, p := range cfg.Markets {
		normalized := types.NewPair(p.Base, p.Quote)
		if seen[normalized] {
			return nil, fmt.Errorf("duplicate market %s: %w", normalized, types.ErrOrderBook)
		}
		seen[normalized] = true
		markets[i] = normalized
	}
	cfg.Markets = markets

	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		store:   book.NewStore(),
		logger:  logger.With("component", "engine", "exchange", adapter.Name()),
	}, nil
}

// Start launches the replication goroutine.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop shuts the engine down and waits for the replication goroutine. A
// blocked receive drains within the transport timeout.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// run is the supervision loop.
func (e *Engine) run(ctx context.Context) {
	defer e.adapter.Disconnect()

	e.adapter.Bind(e)

	for e.running.Load() {
		e.store.Initialise(e.cfg.Markets)

		if err := e.connect(ctx); err != nil {
			if ctx.Err() == nil {
				e.logger.Error("giving up on order book connection", "error", err)
			}
			return
		}
		if !e.running.Load() {
			break
		}
		e.logger.Info("order book connection established")

		e.subscribeAll()
		e.receiveLoop()

		if e.store.RestartRequested() && e.running.Load() {
			e.logger.Info("order book restart initiated")
			e.adapter.Disconnect()
			e.store.Clear()
			e.store.ClearRestart()
			e.adapter.Reset()
		}
	}
}

// connect dials until it succeeds, backing off after repeated failures:
// the first three tries are immediate, tries 4–7 wait (n−3) seconds, and
// later tries wait five. After 2000 consecutive failures the engine
// fails terminally.
func (e *Engine) connect(ctx context.Context) error {
	tries := 0
	delay := time.Duration(0)

	for e.running.Load() {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := e.adapter.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.logger.Warn("could not connect with the websocket API", "error", err)

		tries++
		if tries >= maxConnectTries {
			return fmt.Errorf("failed to connect with the websocket after %d tries: %w",
				maxConnectTries, types.ErrOrderBook)
		}
		if next := tries + 1; next > 3 {
			delay = time.Duration(next-3) * time.Second
			if delay > maxConnectDelay {
				delay = maxConnectDelay
			}
		}
	}
	return nil
}

// subscribeAll sends a subscription frame per configured market and
// moves each to initialising. A failed send flags a restart.
func (e *Engine) subscribeAll() {
	for _, pair := range e.cfg.Markets {
		if err := e.adapter.Subscribe(pair.Base, pair.Quote); err != nil {
			e.logger.Warn("could not subscribe to market", "market", pair, "error", err)
			e.store.RequestRestart()
			return
		}
		e.store.MarkSubscribed(pair)
	}
}

// receiveLoop pulls frames and applies their mutations until stop or
// restart. Mutations returned alongside a restart request (a sequence
// gap) are still applied first, so the replica reflects everything that
// was received in order.
func (e *Engine) receiveLoop() {
	for e.running.Load() && !e.store.RestartRequested() {
		muts, err := e.adapter.Receive()

		if len(muts) > 0 {
			if applyErr := e.store.ApplyBatch(muts, e.adapter.SoftDeleteFail()); applyErr != nil {
				e.logger.Error("failed to apply order book update", "error", applyErr)
				e.store.RequestRestart()
			}
		}
		if err != nil {
			e.logger.Warn("error while receiving data", "error", err)
			e.store.RequestRestart()
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// exchange.Books — the replica view handed to adapters
// ————————————————————————————————————————————————————————————————————————

// LastSequence returns the stored sequence checkpoint for a market.
func (e *Engine) LastSequence(p types.Pair) (int64, bool) {
	return e.store.LastSequence(p)
}

// SetLastSequence records the sequence checkpoint for a market.
func (e *Engine) SetLastSequence(p types.Pair, seq int64) {
	e.store.SetLastSequence(p, seq)
}

// RequestRestart flags the replica for teardown and resynchronization.
func (e *Engine) RequestRestart(reason string) {
	e.logger.Error("order book restart requested", "reason", reason)
	e.store.RequestRestart()
}

// ————————————————————————————————————————————————————————————————————————
// Query surface
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) window(override []time.Duration) time.Duration {
	if len(override) > 0 && override[0] > 0 {
		return override[0]
	}
	return e.cfg.HeartbeatWindow
}

// TopAsks returns the first n ask levels of a market, lowest price
// first. The optional window overrides the default heartbeat freshness
// check.
func (e *Engine) TopAsks(base, quote string, n int, window ...time.Duration) ([]types.Level, error) {
	return e.store.TopAsks(types.NewPair(base, quote), n, e.window(window))
}

// TopBids returns the first n bid levels of a market, highest price
// first.
func (e *Engine) TopBids(base, quote string, n int, window ...time.Duration) ([]types.Level, error) {
	return e.store.TopBids(types.NewPair(base, quote), n, e.window(window))
}

// Middle returns the arithmetic mean of the best bid and best ask price.
func (e *Engine) Middle(base, quote string, window ...time.Duration) (float64, error) {
	return e.store.Middle(types.NewPair(base, quote), e.window(window))
}

// AskDepthAt returns the size offered at exactly rate on the ask side,
// or 0 if no such level exists.
func (e *Engine) AskDepthAt(base, quote string, rate float64, window ...time.Duration) (float64, error) {
	return e.store.AskDepthAt(types.NewPair(base, quote), rate, e.window(window))
}

// BidDepthAt returns the size offered at exactly rate on the bid side,
// or 0 if no such level exists.
func (e *Engine) BidDepthAt(base, quote string, rate float64, window ...time.Duration) (float64, error) {
	return e.store.BidDepthAt(types.NewPair(base, quote), rate, e.window(window))
}

// Ready reports whether every configured market reached active status.
func (e *Engine) Ready() bool {
	return e.store.Ready()
}

// WaitReady blocks until every configured market is active or ctx is
// cancelled.
func (e *Engine) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if e.store.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
