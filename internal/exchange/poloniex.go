// poloniex.go implements the Poloniex level-2 order book adapter.
//
// Each frame is either the [1010] heartbeat or a [marketId, sequence,
// updates] envelope. An "i" update carries the full snapshot for one
// market and establishes the marketId → pair mapping; "o" updates carry
// single upserts/removals with string-encoded numbers. Poloniex numbers
// every envelope per market, so the adapter verifies sequence continuity
// against the replica's checkpoint and requests a restart on any gap.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"cryptobook/pkg/types"
)

const poloniexWSURL = "wss://api2.poloniex.com"

// Poloniex is the adapter for the Poloniex websocket API.
type Poloniex struct {
	cfg    Config
	conn   *wsConn
	books  Books
	logger *slog.Logger

	// markets maps Poloniex numeric market ids to pairs, learned from
	// "i" snapshot updates.
	markets map[int64]types.Pair
}

// NewPoloniex creates a Poloniex adapter.
func NewPoloniex(cfg Config, logger *slog.Logger) *Poloniex {
	if cfg.URL == "" {
		cfg.URL = poloniexWSURL
	}
	return &Poloniex{
		cfg:     cfg,
		logger:  logger.With("component", "poloniex"),
		markets: make(map[int64]types.Pair),
	}
}

func (p *Poloniex) Name() string { return "poloniex" }

// Bind hands the adapter the sequence checkpoints and restart control.
func (p *Poloniex) Bind(books Books) { p.books = books }

// SoftDeleteFail reports false: a delete for an unknown level means the
// replica diverged.
func (p *Poloniex) SoftDeleteFail() bool { return false }

// Connect opens the websocket connection.
func (p *Poloniex) Connect(ctx context.Context) error {
	conn, err := dialWS(ctx, p.cfg.URL, p.cfg.timeout())
	if err != nil {
		return err
	}
	p.conn = conn
	return nil
}

// Disconnect closes the connection, best-effort.
func (p *Poloniex) Disconnect() {
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
}

// Reset clears the market indirection table for a fresh cycle.
func (p *Poloniex) Reset() {
	p.markets = make(map[int64]types.Pair)
}

// poloniexSubscribe is the subscription request frame. The channel name
// puts the quote currency first.
type poloniexSubscribe struct {
	Command string `json:"command"`
	Channel string `json:"channel"`
}

// Subscribe requests the level-2 channel for one market.
func (p *Poloniex) Subscribe(base, quote string) error {
	return p.conn.writeJSON(poloniexSubscribe{
		Command: "subscribe",
		Channel: strings.ToUpper(quote) + "_" + strings.ToUpper(base),
	})
}

// Receive reads one frame and decodes it into mutations.
func (p *Poloniex) Receive() ([]types.Mutation, error) {
	data, err := p.conn.readFrame()
	if err != nil {
		return nil, err
	}
	return p.decodeFrame(data)
}

// decodeFrame classifies one wire frame. Unknown frame shapes are logged
// and discarded rather than failing the cycle.
func (p *Poloniex) decodeFrame(data []byte) ([]types.Mutation, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("could not decode JSON message: %w", types.ErrOrderBook)
	}

	switch {
	case len(parts) == 1:
		var code int64
		if err := json.Unmarshal(parts[0], &code); err == nil && code == 1010 {
			return []types.Mutation{types.Heartbeat()}, nil
		}
		p.logger.Warn("discarding unknown message", "data", string(data))
		return nil, nil

	case len(parts) == 3:
		return p.decodeEnvelope(parts)

	default:
		p.logger.Warn("discarding unknown message", "data", string(data))
		return nil, nil
	}
}

// decodeEnvelope handles a [marketId, sequence, updates] frame: decodes
// every update, then verifies sequence continuity for the market. The
// mapping from market id to pair is only known after the "i" update, so
// verification necessarily runs after the update loop.
func (p *Poloniex) decodeEnvelope(parts []json.RawMessage) ([]types.Mutation, error) {
	var marketID, seq int64
	if err := json.Unmarshal(parts[0], &marketID); err != nil {
		return nil, fmt.Errorf("invalid market ID in update: %w", types.ErrOrderBook)
	}
	if err := json.Unmarshal(parts[1], &seq); err != nil {
		return nil, fmt.Errorf("invalid sequence number in update: %w", types.ErrOrderBook)
	}
	var updates []json.RawMessage
	if err := json.Unmarshal(parts[2], &updates); err != nil {
		return nil, fmt.Errorf("invalid update list: %w", types.ErrOrderBook)
	}

	var muts []types.Mutation
	for _, raw := range updates {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
			return nil, fmt.Errorf("malformed update entry: %w", types.ErrOrderBook)
		}

		var tag string
		if err := json.Unmarshal(fields[0], &tag); err != nil {
			return nil, fmt.Errorf("malformed update tag: %w", types.ErrOrderBook)
		}

		switch tag {
		case "i":
			initial, err := p.decodeInitialisation(marketID, fields)
			if err != nil {
				return nil, err
			}
			muts = append(muts, initial...)
		case "o":
			m, err := p.decodeBookUpdate(marketID, fields)
			if err != nil {
				return nil, err
			}
			muts = append(muts, m)
		default:
			// Trade and other update kinds are not book state.
		}
	}

	pair, known := p.markets[marketID]
	if !known {
		return nil, fmt.Errorf("market with ID %d not yet defined: %w", marketID, types.ErrOrderBook)
	}
	p.verifySequence(pair, seq)

	return muts, nil
}

// poloniexInitialisation is the payload of an "i" update.
type poloniexInitialisation struct {
	CurrencyPair string              `json:"currencyPair"`
	OrderBook    []map[string]string `json:"orderBook"`
}

// decodeInitialisation expands an "i" snapshot into one upsert per level
// and records the market id mapping.
func (p *Poloniex) decodeInitialisation(marketID int64, fields []json.RawMessage) ([]types.Mutation, error) {
	if _, exists := p.markets[marketID]; exists {
		return nil, fmt.Errorf("initialisation for market ID %d, which is already defined: %w", marketID, types.ErrOrderBook)
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("initialisation without payload: %w", types.ErrOrderBook)
	}

	var initial poloniexInitialisation
	if err := json.Unmarshal(fields[1], &initial); err != nil {
		return nil, fmt.Errorf("could not decode initialisation payload: %w", types.ErrOrderBook)
	}

	// The wire name is QUOTE_BASE.
	currencies := strings.Split(initial.CurrencyPair, "_")
	if len(currencies) != 2 {
		return nil, fmt.Errorf("invalid currency pair %q: %w", initial.CurrencyPair, types.ErrOrderBook)
	}
	pair := types.NewPair(currencies[1], currencies[0])
	p.markets[marketID] = pair

	if len(initial.OrderBook) != 2 {
		return nil, fmt.Errorf("malformed order book in initialisation: %w", types.ErrOrderBook)
	}

	muts := make([]types.Mutation, 0, len(initial.OrderBook[0])+len(initial.OrderBook[1]))
	for rate, size := range initial.OrderBook[0] {
		price, amount, err := parseRateAmount(rate, size)
		if err != nil {
			return nil, err
		}
		muts = append(muts, types.UpdateAsk(pair, price, amount))
	}
	for rate, size := range initial.OrderBook[1] {
		price, amount, err := parseRateAmount(rate, size)
		if err != nil {
			return nil, err
		}
		muts = append(muts, types.UpdateBid(pair, price, amount))
	}

	p.logger.Debug("market initialised", "market", pair, "id", marketID,
		"asks", len(initial.OrderBook[0]), "bids", len(initial.OrderBook[1]))
	return muts, nil
}

// decodeBookUpdate turns an "o" update [tag, side, rate, size] into a
// mutation. Side 0 is ask, 1 is bid; a zero size removes the level.
func (p *Poloniex) decodeBookUpdate(marketID int64, fields []json.RawMessage) (types.Mutation, error) {
	pair, known := p.markets[marketID]
	if !known {
		return types.Mutation{}, fmt.Errorf("market with ID %d not yet defined: %w", marketID, types.ErrOrderBook)
	}
	if len(fields) < 4 {
		return types.Mutation{}, fmt.Errorf("malformed book update: %w", types.ErrOrderBook)
	}

	var side int
	if err := json.Unmarshal(fields[1], &side); err != nil {
		return types.Mutation{}, fmt.Errorf("invalid side in book update: %w", types.ErrOrderBook)
	}
	var rateStr, sizeStr string
	if err := json.Unmarshal(fields[2], &rateStr); err != nil {
		return types.Mutation{}, fmt.Errorf("invalid rate in book update: %w", types.ErrOrderBook)
	}
	if err := json.Unmarshal(fields[3], &sizeStr); err != nil {
		return types.Mutation{}, fmt.Errorf("invalid size in book update: %w", types.ErrOrderBook)
	}

	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return types.Mutation{}, fmt.Errorf("could not parse size %q: %w", sizeStr, types.ErrOrderBook)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return types.Mutation{}, fmt.Errorf("could not parse rate %q: %w", rateStr, types.ErrOrderBook)
	}
	price := rate.InexactFloat64()

	switch side {
	case 0:
		if size.IsZero() {
			return types.RemoveAsk(pair, price), nil
		}
		return types.UpdateAsk(pair, price, size.InexactFloat64()), nil
	case 1:
		if size.IsZero() {
			return types.RemoveBid(pair, price), nil
		}
		return types.UpdateBid(pair, price, size.InexactFloat64()), nil
	default:
		return types.Mutation{}, fmt.Errorf("unexpected update type %d: %w", side, types.ErrOrderBook)
	}
}

// parseRateAmount parses the string-encoded numbers Poloniex sends,
// keeping exact decimal semantics until the ladder boundary.
func parseRateAmount(rate, amount string) (float64, float64, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return 0, 0, fmt.Errorf("could not parse rate %q: %w", rate, types.ErrOrderBook)
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, 0, fmt.Errorf("could not parse amount %q: %w", amount, types.ErrOrderBook)
	}
	return r.InexactFloat64(), a.InexactFloat64(), nil
}

// verifySequence checks per-market continuity: each envelope must carry
// exactly the previous sequence plus one. The mutations of a gapped frame
// are still applied; the restart that follows rebuilds from a clean
// snapshot.
func (p *Poloniex) verifySequence(pair types.Pair, seq int64) {
	if last, ok := p.books.LastSequence(pair); ok && seq != last+1 {
		p.logger.Error("invalid sequence number in order book",
			"market", pair, "last", last, "received", seq)
		p.books.RequestRestart(fmt.Sprintf("sequence gap on %s: %d -> %d", pair, last, seq))
	}
	p.books.SetLastSequence(pair, seq)
}
