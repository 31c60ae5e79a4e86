// bitfinex.go implements the Bitfinex v2 order book adapter.
//
// Frames arrive on one multiplexed channel. A "subscribed" event maps a
// numeric channel id to its market; every later array frame leads with
// that id. Book entries are [price, count, amount] triples: the sign of
// amount picks the side, and count == 0 with amount ±1 is a removal.
// Bitfinex provides no per-market sequence numbers.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"cryptobook/pkg/types"
)

const bitfinexWSURL = "wss://api.bitfinex.com/ws/2"

// Bitfinex is the adapter for the Bitfinex v2 websocket API.
type Bitfinex struct {
	cfg    Config
	conn   *wsConn
	logger *slog.Logger

	// channels maps Bitfinex channel ids to markets. Rebuilt from
	// "subscribed" events each connection cycle.
	channels map[int64]types.Pair
}

// NewBitfinex creates a Bitfinex adapter.
func NewBitfinex(cfg Config, logger *slog.Logger) *Bitfinex {
	if cfg.URL == "" {
		cfg.URL = bitfinexWSURL
	}
	return &Bitfinex{
		cfg:      cfg,
		logger:   logger.With("component", "bitfinex"),
		channels: make(map[int64]types.Pair),
	}
}

func (b *Bitfinex) Name() string { return "bitfinex" }

// Bind is a no-op: Bitfinex exposes no sequence numbers to verify.
func (b *Bitfinex) Bind(Books) {}

// SoftDeleteFail reports false: Bitfinex only announces deletes for
// levels it previously sent.
func (b *Bitfinex) SoftDeleteFail() bool { return false }

// Connect opens the websocket connection.
func (b *Bitfinex) Connect(ctx context.Context) error {
	conn, err := dialWS(ctx, b.cfg.URL, b.cfg.timeout())
	if err != nil {
		return err
	}
	b.conn = conn
	return nil
}

// Disconnect closes the connection, best-effort.
func (b *Bitfinex) Disconnect() {
	if b.conn != nil {
		b.conn.close()
		b.conn = nil
	}
}

// Reset clears the channel indirection table for a fresh cycle.
func (b *Bitfinex) Reset() {
	b.channels = make(map[int64]types.Pair)
}

// bitfinexSubscribe is the subscription request frame.
type bitfinexSubscribe struct {
	Event     string `json:"event"`
	Channel   string `json:"channel"`
	Precision string `json:"prec"`
	Symbol    string `json:"symbol"`
	Length    string `json:"len"`
	Frequency string `json:"freq"`
}

// Subscribe requests the book channel for one market with P0 precision
// and live updating.
func (b *Bitfinex) Subscribe(base, quote string) error {
	return b.conn.writeJSON(bitfinexSubscribe{
		Event:     "subscribe",
		Channel:   "book",
		Precision: "P0",
		Symbol:    "t" + strings.ToUpper(base) + strings.ToUpper(quote),
		Length:    "100",
		Frequency: "F0",
	})
}

// Receive reads one frame and decodes it into mutations.
func (b *Bitfinex) Receive() ([]types.Mutation, error) {
	data, err := b.conn.readFrame()
	if err != nil {
		return nil, err
	}
	return b.decodeFrame(data)
}

// decodeFrame classifies one wire frame. Event dicts (subscription
// confirmations, info notices) produce no mutations.
func (b *Bitfinex) decodeFrame(data []byte) ([]types.Mutation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '{':
		return nil, b.handleEvent(data)
	case '[':
		return b.decodeUpdate(data)
	default:
		return nil, fmt.Errorf("received unexpected message format: %w", types.ErrOrderBook)
	}
}

// bitfinexEvent covers the dict-shaped frames.
type bitfinexEvent struct {
	Event  string `json:"event"`
	Pair   string `json:"pair"`
	ChanID *int64 `json:"chanId"`
}

func (b *Bitfinex) handleEvent(data []byte) error {
	var evt bitfinexEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("could not decode JSON message: %w", types.ErrOrderBook)
	}

	switch evt.Event {
	case "":
		return fmt.Errorf("received dictionary response without event: %w", types.ErrOrderBook)
	case "info":
		return nil
	case "subscribed":
		return b.recordSubscription(evt)
	default:
		return fmt.Errorf("received unexpected event %q: %w", evt.Event, types.ErrOrderBook)
	}
}

// recordSubscription maps the announced channel id to its market.
func (b *Bitfinex) recordSubscription(evt bitfinexEvent) error {
	if len(evt.Pair) != 6 {
		return fmt.Errorf("unexpected pair %q in subscribed message: %w", evt.Pair, types.ErrOrderBook)
	}
	if evt.ChanID == nil {
		return fmt.Errorf("no channel ID defined in subscribed message: %w", types.ErrOrderBook)
	}
	if _, exists := b.channels[*evt.ChanID]; exists {
		return fmt.Errorf("channel ID %d is already defined: %w", *evt.ChanID, types.ErrOrderBook)
	}

	pair := types.NewPair(evt.Pair[0:3], evt.Pair[3:6])
	b.channels[*evt.ChanID] = pair
	b.logger.Debug("subscription confirmed", "market", pair, "channel", *evt.ChanID)
	return nil
}

// decodeUpdate handles the array-shaped frames: heartbeats, snapshots and
// single deltas.
func (b *Bitfinex) decodeUpdate(data []byte) ([]types.Mutation, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("could not decode JSON message: %w", types.ErrOrderBook)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("received unexpected update message: %w", types.ErrOrderBook)
	}

	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return nil, fmt.Errorf("invalid channel ID in update: %w", types.ErrOrderBook)
	}
	pair, known := b.channels[chanID]
	if !known {
		return nil, fmt.Errorf("update for unknown channel ID %d: %w", chanID, types.ErrOrderBook)
	}

	if len(parts) == 2 {
		// Either a heartbeat marker or a snapshot of triples.
		var marker string
		if err := json.Unmarshal(parts[1], &marker); err == nil {
			if marker == "hb" {
				return []types.Mutation{types.Heartbeat()}, nil
			}
			return nil, nil
		}

		var rows [][]float64
		if err := json.Unmarshal(parts[1], &rows); err != nil {
			return nil, fmt.Errorf("could not decode snapshot: %w", types.ErrOrderBook)
		}
		muts := make([]types.Mutation, 0, len(rows))
		for _, row := range rows {
			if len(row) != 3 {
				return nil, fmt.Errorf("unexpected snapshot entry %v: %w", row, types.ErrOrderBook)
			}
			m, err := decodeBitfinexEntry(pair, row[0], row[1], row[2])
			if err != nil {
				return nil, err
			}
			muts = append(muts, m)
		}
		return muts, nil
	}

	if len(parts) == 4 {
		var price, count, amount float64
		for i, dst := range []*float64{&price, &count, &amount} {
			if err := json.Unmarshal(parts[i+1], dst); err != nil {
				return nil, fmt.Errorf("could not decode delta field: %w", types.ErrOrderBook)
			}
		}
		m, err := decodeBitfinexEntry(pair, price, count, amount)
		if err != nil {
			return nil, err
		}
		return []types.Mutation{m}, nil
	}

	return nil, nil
}

// decodeBitfinexEntry turns one [price, count, amount] triple into a
// mutation. count == 0 marks a removal and the sign of amount picks the
// side; only ±1 is honored there, per the vendor's book channel docs.
func decodeBitfinexEntry(pair types.Pair, price, count, amount float64) (types.Mutation, error) {
	if count == 0 {
		switch amount {
		case 1:
			return types.RemoveBid(pair, price), nil
		case -1:
			return types.RemoveAsk(pair, price), nil
		default:
			return types.Mutation{}, fmt.Errorf("unexpected data in delete command: %w", types.ErrOrderBook)
		}
	}
	if amount > 0 {
		return types.UpdateBid(pair, price, amount), nil
	}
	return types.UpdateAsk(pair, price, math.Abs(amount)), nil
}
