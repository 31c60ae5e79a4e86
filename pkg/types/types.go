// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the library — market pairs,
// price levels, the normalized mutation set produced by exchange adapters,
// and the two error kinds surfaced to callers. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ————————————————————————————————————————————————————————————————————————
// Errors
// ————————————————————————————————————————————————————————————————————————

// ErrOutOfSync marks conditions where the replica is presently unreliable
// but recoverable: the store is still initialising, a restart is pending,
// the heartbeat went stale, or the book crossed. Callers should back off
// and retry.
var ErrOutOfSync = errors.New("order book out of sync")

// ErrOrderBook marks structural or usage failures: unknown market, invalid
// argument, or a protocol violation on the wire. Retrying the same call
// will not help.
var ErrOrderBook = errors.New("order book error")

// ————————————————————————————————————————————————————————————————————————
// Markets and price levels
// ————————————————————————————————————————————————————————————————————————

// Pair identifies one market as an ordered (base, quote) pair of lowercase
// currency codes, e.g. {eth btc}. Pairs are comparable and used as map keys.
type Pair struct {
	Base  string
	Quote string
}

// NewPair builds a Pair, lowercasing both currency codes.
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToLower(base), Quote: strings.ToLower(quote)}
}

func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// Level is a single price level of one book side.
type Level struct {
	Price float64
	Size  float64
}

// Status tracks the lifecycle of one market replica.
type Status int

const (
	StatusInactive     Status = iota // created, not yet subscribed
	StatusInitialising               // subscription sent, snapshot not fully absorbed
	StatusActive                     // snapshot absorbed, replica live
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusInitialising:
		return "initialising"
	case StatusActive:
		return "active"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Mutations
// ————————————————————————————————————————————————————————————————————————

// Op enumerates the normalized mutation kinds adapters may emit.
type Op int

const (
	OpHeartbeat Op = iota // liveness only, no book change
	OpUpdateAsk           // upsert one ask level
	OpUpdateBid           // upsert one bid level
	OpRemoveAsk           // delete one ask level
	OpRemoveBid           // delete one bid level
)

func (o Op) String() string {
	switch o {
	case OpHeartbeat:
		return "heartbeat"
	case OpUpdateAsk:
		return "update_ask"
	case OpUpdateBid:
		return "update_bid"
	case OpRemoveAsk:
		return "remove_ask"
	case OpRemoveBid:
		return "remove_bid"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Mutation is one normalized book change decoded from a wire frame.
// Price and Size are meaningful for the update ops, Price alone for the
// remove ops, neither for heartbeats.
type Mutation struct {
	Op     Op
	Market Pair
	Price  float64
	Size   float64
}

// Heartbeat returns a liveness mutation.
func Heartbeat() Mutation {
	return Mutation{Op: OpHeartbeat}
}

// UpdateAsk returns an ask-level upsert for the given market.
func UpdateAsk(market Pair, price, size float64) Mutation {
	return Mutation{Op: OpUpdateAsk, Market: market, Price: price, Size: size}
}

// UpdateBid returns a bid-level upsert for the given market.
func UpdateBid(market Pair, price, size float64) Mutation {
	return Mutation{Op: OpUpdateBid, Market: market, Price: price, Size: size}
}

// RemoveAsk returns an ask-level delete for the given market.
func RemoveAsk(market Pair, price float64) Mutation {
	return Mutation{Op: OpRemoveAsk, Market: market, Price: price}
}

// RemoveBid returns a bid-level delete for the given market.
func RemoveBid(market Pair, price float64) Mutation {
	return Mutation{Op: OpRemoveBid, Market: market, Price: price}
}
