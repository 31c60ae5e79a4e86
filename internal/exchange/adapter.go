// Package exchange implements the exchange-facing side of the replica:
// the adapter contract, the shared WebSocket transport, the Bitfinex and
// Poloniex adapters that decode wire frames into normalized mutations,
// and a REST pre-flight client that validates configured markets.
package exchange

import (
	"context"
	"time"

	"cryptobook/pkg/types"
)

// Books is the narrow view of replica state an adapter may consult while
// decoding: per-market sequence checkpoints and the restart control. The
// engine implements it; adapters never see the ladders themselves.
type Books interface {
	LastSequence(p types.Pair) (int64, bool)
	SetLastSequence(p types.Pair, seq int64)
	RequestRestart(reason string)
}

// Adapter translates one exchange's wire protocol into the normalized
// mutation vocabulary. An adapter owns its transport handle and its
// indirection tables (channel id / market id → pair); the engine owns
// everything else.
//
// Receive blocks until one frame arrives (bounded by the transport
// timeout) and returns the frame's mutations in wire order. A returned
// error means the connection or the protocol is broken and the engine
// must restart the cycle.
type Adapter interface {
	Name() string
	Bind(books Books)
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(base, quote string) error
	Receive() ([]types.Mutation, error)
	Reset()

	// SoftDeleteFail reports whether the exchange documents deletes of
	// absent levels as normal, in which case the engine ignores them
	// instead of restarting.
	SoftDeleteFail() bool
}

// Config carries the transport settings shared by all adapters. URL is
// optional and overrides the exchange's production endpoint.
type Config struct {
	URL     string
	Timeout time.Duration
}

const defaultTimeout = 10 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}
