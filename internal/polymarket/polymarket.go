// Package polymarket adapts the Polymarket market channel to the Platform
// interface and keeps the quote book of watched tokens current.
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aliveevie/fennac-markets/internal/metrics"
	"github.com/aliveevie/fennac-markets/internal/platform"
	"github.com/aliveevie/fennac-markets/internal/polymarket/websocket"
	"github.com/aliveevie/fennac-markets/internal/price"
	"github.com/aliveevie/fennac-markets/internal/quote"
	"github.com/aliveevie/fennac-markets/internal/quote/orderbook"
	"github.com/aliveevie/fennac-markets/pkg/hashset"
)

const platformName = "polymarket"

const DefaultReconnectDelay = 5 * time.Second

var _ platform.Platform = (*Feed)(nil)

type Config struct {
	WebsocketURL   string
	ReconnectDelay time.Duration
}

// dialFunc opens a market channel connection.
type dialFunc func(ctx context.Context, url string, log *slog.Logger) (conn, error)

type conn interface {
	SubscribeMarket(ctx context.Context, tokenIDs []string, initialDump bool) error
	Subscribe(ctx context.Context, tokenIDs []string) error
	ReadMessages(ctx context.Context) ([]*websocket.Message, error)
	Close(ctx context.Context) error
}

// Feed streams book updates for the watched tokens into a quote.Book.
type Feed struct {
	config Config
	book   *quote.Book
	log    *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	tokens hashset.Set[string]
	ws     conn
	// wake is signalled when the first tokens are watched.
	wake chan struct{}
}

// NewFeed creates a feed. Call Start to connect.
func NewFeed(cfg Config, book *quote.Book, log *slog.Logger) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Feed{
		config: cfg,
		book:   book,
		log:    log.With("component", platformName+"_feed"),
		dial: func(ctx context.Context, url string, log *slog.Logger) (conn, error) {
			c, err := websocket.New(ctx, url, log)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		tokens: hashset.NewSet[string](),
		wake:   make(chan struct{}, 1),
	}
}

// Watch adds tokenIDs to the subscription. Tokens already watched are ignored.
func (f *Feed) Watch(ctx context.Context, tokenIDs ...string) error {
	f.mu.Lock()
	wasEmpty := f.tokens.Len() == 0
	added := hashset.SetFromSlice(tokenIDs).Difference(f.tokens)
	added.Delete("")
	f.tokens.Add(added.AsSlice()...)
	ws := f.ws
	f.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	if wasEmpty {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	if ws == nil {
		return nil
	}

	if err := ws.Subscribe(ctx, hashset.Sorted(added)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Debug("watching tokens", "added", added.Len())
	return nil
}

// Watched reports whether tokenID is part of the subscription.
func (f *Feed) Watched(tokenID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens.Has(tokenID)
}

// Start connects and applies events to the book until ctx is cancelled,
// reconnecting after read failures.
func (f *Feed) Start(ctx context.Context) error {
	f.log.Info("starting", "url", f.config.WebsocketURL)

	for {
		if err := f.waitForTokens(ctx); err != nil {
			return err
		}

		err := f.session(ctx)
		if ctx.Err() != nil {
			f.log.Info("stopping", "reason", ctx.Err())
			return ctx.Err()
		}
		f.log.Warn("market feed disconnected", "error", err, "retry_in", f.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.config.ReconnectDelay):
		}
	}
}

// Stop closes the current connection. Start reconnects unless its context
// is done.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	ws := f.ws
	f.ws = nil
	f.mu.Unlock()

	if ws != nil {
		return ws.Close(ctx)
	}
	return nil
}

func (f *Feed) waitForTokens(ctx context.Context) error {
	for {
		f.mu.Lock()
		n := len(f.tokens)
		f.mu.Unlock()
		if n > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
		}
	}
}

// session runs one connection until it fails.
func (f *Feed) session(ctx context.Context) error {
	ws, err := f.dial(ctx, f.config.WebsocketURL, f.log)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer ws.Close(context.Background())

	f.mu.Lock()
	tokenIDs := hashset.Sorted(f.tokens)
	f.ws = ws
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.ws == ws {
			f.ws = nil
		}
		f.mu.Unlock()
	}()

	if err := ws.SubscribeMarket(ctx, tokenIDs, true); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("subscribed to tokens", "count", len(tokenIDs))

	for {
		msgs, err := ws.ReadMessages(ctx)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			f.handle(msg)
		}
	}
}

func (f *Feed) handle(msg *websocket.Message) {
	metrics.FeedMessages.WithLabelValues(msg.EventType).Inc()

	var err error
	switch {
	case msg.Book != nil:
		err = f.applyBook(msg.Book)
	case msg.PriceChange != nil:
		err = f.applyPriceChange(msg.PriceChange)
	case msg.LastTradePrice != nil:
		var p price.Price
		if p, err = price.Parse(msg.LastTradePrice.Price); err == nil {
			f.book.SetLastTrade(msg.LastTradePrice.AssetID, p)
		}
	case msg.TickSizeChange != nil:
		f.log.Info("tick size changed", "token_id", msg.TickSizeChange.AssetID,
			"old", msg.TickSizeChange.OldTickSize, "new", msg.TickSizeChange.NewTickSize)
	case msg.MarketResolved != nil:
		f.forget(msg.MarketResolved)
	}
	if err != nil {
		f.log.Warn("dropping event", "event", msg.EventType, "error", err)
	}
}

// forget drops a resolved market's tokens from the subscription and the book.
func (f *Feed) forget(r *websocket.MarketResolved) {
	for _, id := range r.AssetIDs {
		f.book.Forget(id)
	}

	f.mu.Lock()
	for _, id := range r.AssetIDs {
		f.tokens.Delete(id)
	}
	f.mu.Unlock()
	f.log.Info("market resolved", "market", r.Market, "winning_outcome", r.WinningOutcome, "tokens", len(r.AssetIDs))
}

func (f *Feed) applyBook(b *websocket.Book) error {
	bidSummaries, askSummaries := b.Levels()
	bids, err := parseLevels(bidSummaries)
	if err != nil {
		return err
	}
	asks, err := parseLevels(askSummaries)
	if err != nil {
		return err
	}
	f.book.Replace(b.AssetID, bids, asks, eventTime(b.Timestamp))
	return nil
}

func (f *Feed) applyPriceChange(pc *websocket.PriceChange) error {
	ts := eventTime(pc.Timestamp)
	var errs []error
	for _, c := range pc.Changes {
		side, err := orderbook.ParseSide(c.Side)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p, err := price.Parse(c.Price)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		size, err := price.ParseSize(c.Size)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := f.book.Apply(quote.Update{TokenID: c.AssetID, Side: side, Price: p, Size: size, EventTime: ts}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseLevels(summaries []websocket.OrderSummary) ([]orderbook.Level, error) {
	levels := make([]orderbook.Level, 0, len(summaries))
	for _, s := range summaries {
		p, err := price.Parse(s.Price)
		if err != nil {
			return nil, err
		}
		size, err := price.ParseSize(s.Size)
		if err != nil {
			return nil, err
		}
		levels = append(levels, orderbook.Level{Price: p, Size: size})
	}
	return levels, nil
}

// eventTime reads a millisecond timestamp; zero when absent or malformed.
func eventTime(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
