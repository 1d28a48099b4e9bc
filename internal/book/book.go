package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is a single price level on one side of the book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// UpdateType distinguishes full snapshots from incremental patches.
type UpdateType int

const (
	// Snapshot replaces stored state wholesale.
	Snapshot UpdateType = iota
	// Delta patches stored state level by level.
	Delta
)

// Update is a decoded order book message, either snapshot or delta.
type Update struct {
	Type UpdateType
	Bids []Level
	Asks []Level
	Seq  int64
}

// Book is the merged state of one order book topic.
type Book struct {
	Bids      []Level   `json:"bids"` // sorted descending by price
	Asks      []Level   `json:"asks"` // sorted ascending by price
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BestBid returns the top bid level, if any.
func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// apply merges an update into the book.
func (b *Book) apply(u Update, now time.Time) {
	switch u.Type {
	case Snapshot:
		b.Bids = sortLevels(append([]Level(nil), u.Bids...), true)
		b.Asks = sortLevels(append([]Level(nil), u.Asks...), false)
	case Delta:
		b.Bids = patchSide(b.Bids, u.Bids, true)
		b.Asks = patchSide(b.Asks, u.Asks, false)
	}
	if u.Seq != 0 {
		b.Seq = u.Seq
	}
	b.UpdatedAt = now
}

// patchSide applies delta entries to one side. A zero size removes the
// level, an unseen price inserts it, a matching price overwrites it. Sort
// order is preserved (desc=true for bids).
func patchSide(side []Level, changes []Level, desc bool) []Level {
	for _, ch := range changes {
		idx := -1
		for i := range side {
			if side[i].Price.Equal(ch.Price) {
				idx = i
				break
			}
		}

		switch {
		case ch.Size.IsZero():
			if idx >= 0 {
				side = append(side[:idx], side[idx+1:]...)
			}
		case idx >= 0:
			side[idx].Size = ch.Size
		default:
			side = insertLevel(side, ch, desc)
		}
	}
	return side
}

// insertLevel places lvl at its sorted position.
func insertLevel(side []Level, lvl Level, desc bool) []Level {
	pos := len(side)
	for i := range side {
		cmp := lvl.Price.Cmp(side[i].Price)
		if (desc && cmp > 0) || (!desc && cmp < 0) {
			pos = i
			break
		}
	}
	side = append(side, Level{})
	copy(side[pos+1:], side[pos:])
	side[pos] = lvl
	return side
}

// sortLevels orders a side in place via insertion, tolerating unsorted
// snapshot payloads.
func sortLevels(side []Level, desc bool) []Level {
	out := make([]Level, 0, len(side))
	for _, lvl := range side {
		out = insertLevel(out, lvl, desc)
	}
	return out
}
