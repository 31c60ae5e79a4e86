// Package book maintains the in-memory order book replica: sorted price
// ladders per side, per-market state, and the store that applies adapter
// mutations while serving concurrent read queries.
package book

import (
	"sort"

	"cryptobook/pkg/types"
)

// Ladder is one side of an order book: price levels kept sorted, with at
// most one entry per price. Ask ladders sort ascending (best ask first),
// bid ladders descending (best bid first). A Ladder is not safe for
// concurrent use; the Store serializes access.
type Ladder struct {
	levels []types.Level
	desc   bool
}

// NewAskLadder returns an empty ladder sorted ascending by price.
func NewAskLadder() *Ladder {
	return &Ladder{}
}

// NewBidLadder returns an empty ladder sorted descending by price.
func NewBidLadder() *Ladder {
	return &Ladder{desc: true}
}

// search returns the insertion index for price and whether an entry with
// that exact price already exists.
func (l *Ladder) search(price float64) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		if l.desc {
			return l.levels[i].Price <= price
		}
		return l.levels[i].Price >= price
	})
	return i, i < len(l.levels) && l.levels[i].Price == price
}

// Upsert overwrites the size at price if the level exists, or inserts a
// new level at its sorted position.
func (l *Ladder) Upsert(price, size float64) {
	i, found := l.search(price)
	if found {
		l.levels[i].Size = size
		return
	}
	l.levels = append(l.levels, types.Level{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = types.Level{Price: price, Size: size}
}

// Remove deletes the level at price. Returns false if no such level is
// stored; the caller decides whether that is fatal.
func (l *Ladder) Remove(price float64) bool {
	i, found := l.search(price)
	if !found {
		return false
	}
	l.levels = append(l.levels[:i], l.levels[i+1:]...)
	return true
}

// Top returns a copy of the first k levels in ladder order, or fewer if
// the ladder is shorter.
func (l *Ladder) Top(k int) []types.Level {
	if k > len(l.levels) {
		k = len(l.levels)
	}
	out := make([]types.Level, k)
	copy(out, l.levels[:k])
	return out
}

// SizeAt returns the size stored at exactly price, or 0 if the level does
// not exist.
func (l *Ladder) SizeAt(price float64) float64 {
	i, found := l.search(price)
	if !found {
		return 0
	}
	return l.levels[i].Size
}

// Best returns the first level of the ladder (lowest ask or highest bid).
func (l *Ladder) Best() (types.Level, bool) {
	if len(l.levels) == 0 {
		return types.Level{}, false
	}
	return l.levels[0], true
}

// Len returns the number of stored levels.
func (l *Ladder) Len() int {
	return len(l.levels)
}
