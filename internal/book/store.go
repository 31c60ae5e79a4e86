package book

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cryptobook/pkg/types"
)

// DefaultHeartbeatWindow is the freshness window queries apply when the
// caller does not specify one.
const DefaultHeartbeatWindow = 10 * time.Second

// MarketState is the replica of one market: both ladders plus lifecycle
// and sequence bookkeeping. Mutated only by the engine goroutine.
type MarketState struct {
	Asks    *Ladder
	Bids    *Ladder
	Status  types.Status
	lastSeq int64
	hasSeq  bool
}

func newMarketState() *MarketState {
	return &MarketState{
		Asks:   NewAskLadder(),
		Bids:   NewBidLadder(),
		Status: types.StatusInactive,
	}
}

// LastSequence returns the most recent sequence number observed for this
// market, if any adapter recorded one.
func (m *MarketState) LastSequence() (int64, bool) {
	return m.lastSeq, m.hasSeq
}

// Store holds the replicas of all configured markets together with the
// process-wide heartbeat and the restart control flag.
//
// Concurrency contract: exactly one writer (the engine goroutine) calls
// Initialise, MarkSubscribed, ApplyBatch, SetLastSequence and Clear; any
// number of readers use the query methods, which take a single read hold
// for the duration of the call. The restart flag is atomic so both sides
// can touch it without lock upgrades.
type Store struct {
	mu      sync.RWMutex
	markets map[types.Pair]*MarketState

	lastBeat time.Time
	restart  atomic.Bool

	now func() time.Time
}

// NewStore returns an empty store. Markets are created by Initialise at
// each engine (re)connect.
func NewStore() *Store {
	return &Store{
		markets: make(map[types.Pair]*MarketState),
		now:     time.Now,
	}
}

// Initialise replaces all market state with fresh empty replicas, one per
// configured pair. Called at the start of every connection cycle.
func (s *Store) Initialise(pairs []types.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markets = make(map[types.Pair]*MarketState, len(pairs))
	for _, p := range pairs {
		s.markets[p] = newMarketState()
	}
}

// Clear drops all market state. Queries fail with "initialising" until
// the next Initialise.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = make(map[types.Pair]*MarketState)
}

// MarkSubscribed moves a market from inactive to initialising after its
// subscription frame went out.
func (s *Store) MarkSubscribed(p types.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.markets[p]; ok {
		st.Status = types.StatusInitialising
	}
}

// RequestRestart flags the replica for teardown and resynchronization.
func (s *Store) RequestRestart() {
	s.restart.Store(true)
}

// RestartRequested reports whether a restart is pending.
func (s *Store) RestartRequested() bool {
	return s.restart.Load()
}

// ClearRestart resets the restart flag at the start of a new cycle.
func (s *Store) ClearRestart() {
	s.restart.Store(false)
}

// LastSequence returns the stored sequence checkpoint for a market.
func (s *Store) LastSequence(p types.Pair) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.markets[p]
	if !ok {
		return 0, false
	}
	return st.LastSequence()
}

// SetLastSequence records the sequence checkpoint for a market.
func (s *Store) SetLastSequence(p types.Pair, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.markets[p]; ok {
		st.lastSeq = seq
		st.hasSeq = true
	}
}

// Ready reports whether every configured market reached active status.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.markets) == 0 {
		return false
	}
	for _, st := range s.markets {
		if st.Status != types.StatusActive {
			return false
		}
	}
	return true
}

// Status returns the lifecycle status of one market.
func (s *Store) Status(p types.Pair) (types.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.markets[p]
	if !ok {
		return types.StatusInactive, false
	}
	return st.Status, true
}

// ApplyBatch applies one wire frame's mutations under a single write lock,
// so readers observe either the pre-frame state or the complete post-frame
// state. Every mutation refreshes the heartbeat. When the final mutation
// of the batch is an upsert, its market is promoted from initialising to
// active: the snapshot must be fully absorbed by then.
//
// A remove addressing a missing level is an error unless softDeleteFail
// is set; the remaining mutations are still applied and the first such
// error is returned for the engine to act on.
func (s *Store) ApplyBatch(muts []types.Mutation, softDeleteFail bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for i, m := range muts {
		s.lastBeat = s.now()

		if m.Op == types.OpHeartbeat {
			continue
		}

		st, ok := s.markets[m.Market]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("mutation for unconfigured market %s: %w", m.Market, types.ErrOrderBook)
			}
			continue
		}

		last := i == len(muts)-1

		switch m.Op {
		case types.OpUpdateAsk:
			st.Asks.Upsert(m.Price, m.Size)
			if last && st.Status != types.StatusActive {
				st.Status = types.StatusActive
			}
		case types.OpUpdateBid:
			st.Bids.Upsert(m.Price, m.Size)
			if last && st.Status != types.StatusActive {
				st.Status = types.StatusActive
			}
		case types.OpRemoveAsk:
			if !st.Asks.Remove(m.Price) && !softDeleteFail && firstErr == nil {
				firstErr = fmt.Errorf("remove of missing ask level %v on %s: %w", m.Price, m.Market, types.ErrOrderBook)
			}
		case types.OpRemoveBid:
			if !st.Bids.Remove(m.Price) && !softDeleteFail && firstErr == nil {
				firstErr = fmt.Errorf("remove of missing bid level %v on %s: %w", m.Price, m.Market, types.ErrOrderBook)
			}
		}
	}
	return firstErr
}

// verifyLocked runs the freshness and consistency checks every query
// performs before answering. Caller holds at least a read lock.
func (s *Store) verifyLocked(p types.Pair, window time.Duration) (*MarketState, error) {
	if len(s.markets) == 0 {
		return nil, fmt.Errorf("order book is initialising: %w", types.ErrOutOfSync)
	}

	st, ok := s.markets[p]
	if !ok {
		return nil, fmt.Errorf("the market %s does not exist: %w", p, types.ErrOrderBook)
	}

	if s.restart.Load() {
		return nil, fmt.Errorf("restart initialised: %w", types.ErrOutOfSync)
	}

	if st.Status != types.StatusActive {
		return nil, fmt.Errorf("order book is not active: %w", types.ErrOutOfSync)
	}

	if now := s.now(); now.After(s.lastBeat.Add(window)) {
		return nil, fmt.Errorf("no update in the entire order book for %v: %w",
			now.Sub(s.lastBeat).Truncate(time.Second), types.ErrOutOfSync)
	}

	bestAsk, askOk := st.Asks.Best()
	bestBid, bidOk := st.Bids.Best()
	if askOk && bidOk && bestAsk.Price <= bestBid.Price {
		s.restart.Store(true)
		return nil, fmt.Errorf("inconsistent data in order book: %w", types.ErrOutOfSync)
	}

	return st, nil
}

// TopAsks returns the first n ask levels, best (lowest) first.
func (s *Store) TopAsks(p types.Pair, n int, window time.Duration) ([]types.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.verifyLocked(p, window)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > 5000 {
		return nil, fmt.Errorf("the number of requested asks should be between 1 and 5000: %w", types.ErrOrderBook)
	}
	return st.Asks.Top(n), nil
}

// TopBids returns the first n bid levels, best (highest) first.
func (s *Store) TopBids(p types.Pair, n int, window time.Duration) ([]types.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.verifyLocked(p, window)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > 5000 {
		return nil, fmt.Errorf("the number of requested bids should be between 1 and 5000: %w", types.ErrOrderBook)
	}
	return st.Bids.Top(n), nil
}

// Middle returns the arithmetic mean of the best bid and best ask price.
func (s *Store) Middle(p types.Pair, window time.Duration) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.verifyLocked(p, window)
	if err != nil {
		return 0, err
	}

	bestAsk, askOk := st.Asks.Best()
	bestBid, bidOk := st.Bids.Best()
	if !askOk || !bidOk {
		return 0, fmt.Errorf("order book side is empty: %w", types.ErrOutOfSync)
	}
	return (bestBid.Price + bestAsk.Price) / 2, nil
}

// AskDepthAt returns the size offered at exactly rate on the ask side, or
// 0 if no such level is stored.
func (s *Store) AskDepthAt(p types.Pair, rate float64, window time.Duration) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.verifyLocked(p, window)
	if err != nil {
		return 0, err
	}
	if rate < 0 {
		return 0, fmt.Errorf("the desired rate should be a positive number: %w", types.ErrOrderBook)
	}
	return st.Asks.SizeAt(rate), nil
}

// BidDepthAt returns the size offered at exactly rate on the bid side, or
// 0 if no such level is stored.
func (s *Store) BidDepthAt(p types.Pair, rate float64, window time.Duration) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.verifyLocked(p, window)
	if err != nil {
		return 0, err
	}
	if rate < 0 {
		return 0, fmt.Errorf("the desired rate should be a positive number: %w", types.ErrOrderBook)
	}
	return st.Bids.SizeAt(rate), nil
}
