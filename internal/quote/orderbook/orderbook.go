// Package orderbook keeps the bid and ask levels of a single token.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/aliveevie/fennac-markets/internal/price"
)

type Side string

const (
	Bids Side = "bids"
	Asks Side = "asks"
)

// ParseSide maps a feed side to the book side it rests on. A BUY rests on
// the bids.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy", string(Bids):
		return Bids, nil
	case "SELL", "sell", string(Asks):
		return Asks, nil
	}
	return "", fmt.Errorf("invalid side: %s", s)
}

// Level is an aggregated price level.
type Level struct {
	Price     price.Price `json:"price"`
	Size      price.Size  `json:"size"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func lessAsc(a, b Level) bool {
	return a.Price < b.Price
}

func lessDesc(a, b Level) bool {
	return a.Price > b.Price
}

// Orderbook is not safe for concurrent use.
type Orderbook struct {
	bids      *btree.BTreeG[Level]
	asks      *btree.BTreeG[Level]
	updatedAt time.Time
}

func New() *Orderbook {
	return &Orderbook{
		bids: btree.NewG(32, lessDesc),
		asks: btree.NewG(32, lessAsc),
	}
}

// Set stores an absolute size at a price level. A size <= 0 removes the level.
func (ob *Orderbook) Set(p price.Price, size price.Size, side Side, eventTime time.Time) error {
	tree, err := ob.tree(side)
	if err != nil {
		return err
	}
	ob.touch(eventTime)

	if size <= 0 {
		tree.Delete(Level{Price: p})
		return nil
	}
	tree.ReplaceOrInsert(Level{Price: p, Size: size, UpdatedAt: eventTime})
	return nil
}

// Clear drops every level on both sides.
func (ob *Orderbook) Clear() {
	ob.bids.Clear(false)
	ob.asks.Clear(false)
}

// Best returns the top of side: highest bid or lowest ask.
func (ob *Orderbook) Best(side Side) (Level, bool) {
	tree, err := ob.tree(side)
	if err != nil {
		return Level{}, false
	}
	return tree.Min()
}

// TopN returns up to n levels of side, best first.
func (ob *Orderbook) TopN(side Side, n int) ([]Level, error) {
	tree, err := ob.tree(side)
	if err != nil {
		return nil, err
	}

	levels := make([]Level, 0, min(n, tree.Len()))
	tree.Ascend(func(lvl Level) bool {
		if len(levels) >= n {
			return false
		}
		levels = append(levels, lvl)
		return true
	})
	return levels, nil
}

// UpdatedAt is the event time of the latest change.
func (ob *Orderbook) UpdatedAt() time.Time {
	return ob.updatedAt
}

func (ob *Orderbook) touch(t time.Time) {
	if t.After(ob.updatedAt) {
		ob.updatedAt = t
	}
}

func (ob *Orderbook) tree(side Side) (*btree.BTreeG[Level], error) {
	switch side {
	case Bids:
		return ob.bids, nil
	case Asks:
		return ob.asks, nil
	}
	return nil, fmt.Errorf("invalid side: %s", side)
}
