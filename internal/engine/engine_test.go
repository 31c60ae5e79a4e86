package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"cryptobook/internal/exchange"
	"cryptobook/pkg/types"
)

var ethBtc = types.NewPair("eth", "btc")

// script is one Receive() result for the fake adapter.
type script struct {
	muts []types.Mutation
	err  error
}

// fakeAdapter stands in for a real exchange: Receive() drains scripted
// frames and otherwise reports an idle connection.
type fakeAdapter struct {
	frames chan script

	mu           sync.Mutex
	books        exchange.Books
	connectFails int
	connects     int
	resets       int
	disconnects  int
	subscribes   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{frames: make(chan script, 64)}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Bind(b exchange.Books) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books = b
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectFails > 0 {
		f.connectFails--
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeAdapter) Subscribe(base, quote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	return nil
}

func (f *fakeAdapter) Receive() ([]types.Mutation, error) {
	select {
	case s := <-f.frames:
		return s.muts, s.err
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeAdapter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeAdapter) SoftDeleteFail() bool { return false }

func (f *fakeAdapter) counters() (connects, resets, subscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.resets, f.subscribes
}

func newTestEngine(t *testing.T, adapter exchange.Adapter) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	eng, err := New(Config{Markets: []types.Pair{ethBtc}}, adapter, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func snapshotFrame() script {
	return script{muts: []types.Mutation{
		types.UpdateAsk(ethBtc, 0.06, 2.0),
		types.UpdateBid(ethBtc, 0.04, 0.5),
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewValidatesMarkets(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if _, err := New(Config{}, newFakeAdapter(), logger); !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("New without markets = %v, want ErrOrderBook", err)
	}

	dup := []types.Pair{types.NewPair("ETH", "BTC"), types.NewPair("eth", "btc")}
	if _, err := New(Config{Markets: dup}, newFakeAdapter(), logger); !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("New with duplicate market = %v, want ErrOrderBook", err)
	}
}

func TestEngineReplicatesAndServesQueries(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	asks, err := eng.TopAsks("ETH", "BTC", 5)
	if err != nil {
		t.Fatalf("TopAsks: %v", err)
	}
	if len(asks) != 1 || asks[0] != (types.Level{Price: 0.06, Size: 2.0}) {
		t.Errorf("asks = %v, want [(0.06, 2.0)]", asks)
	}

	mid, err := eng.Middle("eth", "btc")
	if err != nil {
		t.Fatalf("Middle: %v", err)
	}
	if want := 0.05; mid != want {
		t.Errorf("Middle = %v, want %v", mid, want)
	}

	if got, err := eng.BidDepthAt("eth", "btc", 0.04); err != nil || got != 0.5 {
		t.Errorf("BidDepthAt(0.04) = %v, %v; want 0.5, nil", got, err)
	}
}

func TestUnknownPairIsStructuralError(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if _, err := eng.TopAsks("xmr", "btc", 5); !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("unknown pair = %v, want ErrOrderBook", err)
	}
}

func TestQueriesFailBeforeActivation(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	// No snapshot yet: the market never leaves initialising.
	waitFor(t, time.Second, func() bool {
		_, err := eng.TopAsks("eth", "btc", 1)
		return errors.Is(err, types.ErrOutOfSync)
	}, "query before activation should fail with ErrOutOfSync")
}

func TestReceiveErrorTriggersRestartCycle(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	adapter.frames <- script{err: errors.New("connection reset")}

	// The engine must tear down, reset the adapter and reconnect.
	waitFor(t, 2*time.Second, func() bool {
		connects, resets, _ := adapter.counters()
		return connects >= 2 && resets >= 1
	}, "engine did not cycle after receive error")

	// A fresh snapshot brings the replica back.
	adapter.frames <- snapshotFrame()
	waitFor(t, 2*time.Second, eng.Ready, "replica did not re-activate after restart")
}

func TestDeleteMissTriggersRestart(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	adapter.frames <- script{muts: []types.Mutation{types.RemoveAsk(ethBtc, 0.99)}}

	waitFor(t, 2*time.Second, func() bool {
		connects, _, _ := adapter.counters()
		return connects >= 2
	}, "engine did not cycle after delete-miss")
}

func TestCrossedBookFailsQueryAndCycles(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	// A bid at the ask price crosses the book.
	adapter.frames <- script{muts: []types.Mutation{types.UpdateBid(ethBtc, 0.06, 1.0)}}

	waitFor(t, 2*time.Second, func() bool {
		_, err := eng.TopBids("eth", "btc", 1)
		return errors.Is(err, types.ErrOutOfSync)
	}, "crossed book query should fail with ErrOutOfSync")

	// Detection flags a restart; the supervisor reconnects.
	waitFor(t, 2*time.Second, func() bool {
		connects, _, _ := adapter.counters()
		return connects >= 2
	}, "engine did not cycle after crossed book")
}

func TestAdapterRestartRequestCycles(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	// What a Poloniex sequence gap does through the Books interface.
	eng.RequestRestart("sequence gap on eth-btc: 101 -> 104")

	if _, err := eng.TopAsks("eth", "btc", 1); !errors.Is(err, types.ErrOutOfSync) {
		t.Errorf("query with restart pending = %v, want ErrOutOfSync", err)
	}

	adapter.frames <- snapshotFrame()
	waitFor(t, 2*time.Second, eng.Ready, "replica did not recover after adapter restart request")
}

func TestConnectRetriesBeforeSucceeding(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	adapter.connectFails = 2 // first tries are immediate retries
	eng := newTestEngine(t, adapter)

	eng.Start()
	defer eng.Stop()

	adapter.frames <- snapshotFrame()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady after connect retries: %v", err)
	}

	connects, _, _ := adapter.counters()
	if connects != 3 {
		t.Errorf("connects = %d, want 3 (two failures, one success)", connects)
	}
}

func TestStopTerminatesEngine(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	eng := newTestEngine(t, adapter)

	eng.Start()
	adapter.frames <- snapshotFrame()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop is idempotent.
	eng.Stop()
}
