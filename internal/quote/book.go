// Package quote keeps live order books of the watched tokens and derives the
// price shown for each outcome.
package quote

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/internal/price"
	"github.com/aliveevie/fennac-markets/internal/quote/orderbook"
)

// MaxDisplaySpread is the widest spread at which the midpoint is shown.
// Beyond it the last trade price is shown if there is one.
var MaxDisplaySpread = decimal.RequireFromString("0.1")

var two = decimal.NewFromInt(2)

// Update is a single level change from the feed.
type Update struct {
	TokenID   string
	Side      orderbook.Side
	Price     price.Price
	Size      price.Size
	EventTime time.Time
}

// Snapshot is the top of a token's book.
type Snapshot struct {
	TokenID   string            `json:"tokenId"`
	Bids      []orderbook.Level `json:"bids"`
	Asks      []orderbook.Level `json:"asks"`
	LastTrade *price.Price      `json:"lastTrade,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Book holds one order book per token. It is safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	books     map[string]*orderbook.Orderbook
	lastTrade map[string]price.Price
}

func NewBook() *Book {
	return &Book{
		books:     make(map[string]*orderbook.Orderbook),
		lastTrade: make(map[string]price.Price),
	}
}

func (b *Book) Apply(u Update) error {
	if u.EventTime.IsZero() {
		u.EventTime = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.bookLocked(u.TokenID).Set(u.Price, u.Size, u.Side, u.EventTime)
}

// Replace swaps the whole book of tokenID for the given levels.
func (b *Book) Replace(tokenID string, bids, asks []orderbook.Level, eventTime time.Time) {
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ob := b.bookLocked(tokenID)
	ob.Clear()
	for _, l := range bids {
		_ = ob.Set(l.Price, l.Size, orderbook.Bids, eventTime)
	}
	for _, l := range asks {
		_ = ob.Set(l.Price, l.Size, orderbook.Asks, eventTime)
	}
}

func (b *Book) SetLastTrade(tokenID string, p price.Price) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTrade[tokenID] = p
}

// Forget drops everything known about tokenID.
func (b *Book) Forget(tokenID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.books, tokenID)
	delete(b.lastTrade, tokenID)
}

// Price returns the displayed price of tokenID: the midpoint of the best bid
// and ask, or the last trade when the spread is too wide, or whichever side
// of the book exists.
func (b *Book) Price(tokenID string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	last, hasLast := b.lastTrade[tokenID]

	var bid, ask orderbook.Level
	var hasBid, hasAsk bool
	if ob, ok := b.books[tokenID]; ok {
		bid, hasBid = ob.Best(orderbook.Bids)
		ask, hasAsk = ob.Best(orderbook.Asks)
	}

	switch {
	case hasBid && hasAsk:
		bidD, askD := bid.Price.Decimal(), ask.Price.Decimal()
		if hasLast && askD.Sub(bidD).GreaterThan(MaxDisplaySpread) {
			return last.Decimal(), true
		}
		return bidD.Add(askD).Div(two), true
	case hasLast:
		return last.Decimal(), true
	case hasBid:
		return bid.Price.Decimal(), true
	case hasAsk:
		return ask.Price.Decimal(), true
	}
	return decimal.Decimal{}, false
}

// Snapshot returns up to depth levels per side of tokenID.
func (b *Book) Snapshot(tokenID string, depth int) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ob, ok := b.books[tokenID]
	last, hasLast := b.lastTrade[tokenID]
	if !ok && !hasLast {
		return Snapshot{}, false
	}

	snap := Snapshot{TokenID: tokenID}
	if ok {
		snap.Bids, _ = ob.TopN(orderbook.Bids, depth)
		snap.Asks, _ = ob.TopN(orderbook.Asks, depth)
		snap.UpdatedAt = ob.UpdatedAt()
	}
	if hasLast {
		snap.LastTrade = &last
	}
	return snap, true
}

func (b *Book) bookLocked(tokenID string) *orderbook.Orderbook {
	ob, ok := b.books[tokenID]
	if !ok {
		ob = orderbook.New()
		b.books[tokenID] = ob
	}
	return ob
}
