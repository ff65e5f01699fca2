// Package websocket reads market events from the Polymarket market channel.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HandshakeTimeout    = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	PingInterval        = 50 * time.Second
)

type Client struct {
	conn     *websocket.Conn
	log      *slog.Logger
	writeMu  sync.Mutex
	stopPing chan struct{}
	stopOnce sync.Once
}

type MarketSubscription struct {
	AssetsIDs   []string `json:"assets_ids"`
	Type        string   `json:"type"`
	InitialDump *bool    `json:"initial_dump,omitempty"`
}

// SubscriptionUpdate adds or removes assets on an open connection.
type SubscriptionUpdate struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// New dials the market channel at url, e.g.
// wss://ws-subscriptions-clob.polymarket.com/ws/market.
func New(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	log = log.With("component", "market_ws")
	log.Debug("websocket connected", "url", url, "status", resp.Status)

	c := &Client{
		conn:     conn,
		log:      log,
		stopPing: make(chan struct{}),
	}
	go c.pingLoop()

	return c, nil
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(DefaultWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopPing) })

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCloseTimeout)
	}

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	if err != nil {
		c.log.Debug("failed to send close message", "error", err)
	}

	return c.conn.Close()
}

// SubscribeMarket sends the initial subscription of the connection.
func (c *Client) SubscribeMarket(ctx context.Context, tokenIDs []string, initialDump bool) error {
	return c.writeJSON(ctx, MarketSubscription{
		AssetsIDs:   tokenIDs,
		Type:        "market",
		InitialDump: &initialDump,
	})
}

// Subscribe adds tokenIDs to an already subscribed connection.
func (c *Client) Subscribe(ctx context.Context, tokenIDs []string) error {
	return c.writeJSON(ctx, SubscriptionUpdate{AssetsIDs: tokenIDs, Operation: "subscribe"})
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// ReadMessages blocks for the next frame and returns the events it carries.
// A frame may hold a single event or an array of them.
func (c *Client) ReadMessages(ctx context.Context) ([]*Message, error) {
	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame, 1)

	go func() {
		_, data, err := c.conn.ReadMessage()
		frames <- frame{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the pending read; the connection is not reused after this.
		if err := c.conn.SetReadDeadline(time.Now()); err != nil {
			c.log.Debug("failed to set read deadline", "error", err)
		}
		return nil, fmt.Errorf("reading message: %w", ctx.Err())
	case f := <-frames:
		if f.err != nil {
			return nil, fmt.Errorf("couldn't read message: %w", f.err)
		}
		msgs, err := ParseMessages(f.data)
		if err != nil {
			return nil, fmt.Errorf("couldn't parse message: %w", err)
		}
		return msgs, nil
	}
}

const (
	BookEvent           = "book"
	PriceChangeEvent    = "price_change"
	TickSizeChangeEvent = "tick_size_change"
	LastTradePriceEvent = "last_trade_price"
	MarketResolvedEvent = "market_resolved"
)

// Message is one market channel event. Exactly one payload is set for the
// event types this package decodes; other event types carry only EventType.
type Message struct {
	EventType      string
	Book           *Book
	PriceChange    *PriceChange
	TickSizeChange *TickSizeChange
	LastTradePrice *LastTradePrice
	MarketResolved *MarketResolved
}

// Book is a full snapshot of one token's book.
type Book struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []OrderSummary `json:"bids"`
	Asks      []OrderSummary `json:"asks"`
	// Older servers send buys and sells instead of bids and asks.
	Buys  []OrderSummary `json:"buys"`
	Sells []OrderSummary `json:"sells"`
}

// Levels returns the bid and ask summaries in whichever form was sent.
func (b *Book) Levels() (bids, asks []OrderSummary) {
	bids, asks = b.Bids, b.Asks
	if bids == nil {
		bids = b.Buys
	}
	if asks == nil {
		asks = b.Sells
	}
	return bids, asks
}

type OrderSummary struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type PriceChange struct {
	Market    string        `json:"market"`
	Timestamp string        `json:"timestamp"`
	Changes   []LevelChange `json:"price_changes"`
}

// LevelChange is the new aggregate size at one price level.
type LevelChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

type TickSizeChange struct {
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
}

type LastTradePrice struct {
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// MarketResolved is sent once when a market settles; its tokens stop trading.
type MarketResolved struct {
	Market         string   `json:"market"`
	AssetIDs       []string `json:"assets_ids"`
	WinningAssetID string   `json:"winning_asset_id"`
	WinningOutcome string   `json:"winning_outcome"`
}

// ParseMessages decodes a frame holding one event or an array of events.
func ParseMessages(data []byte) ([]*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		msg, err := ParseMessage(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("couldn't parse message array: %w", err)
	}
	msgs := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := ParseMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ParseMessage decodes a single event.
func ParseMessage(data []byte) (*Message, error) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("couldn't parse base message: %w", err)
	}

	msg := &Message{EventType: head.EventType}
	var payload any
	switch head.EventType {
	case BookEvent:
		msg.Book = &Book{}
		payload = msg.Book
	case PriceChangeEvent:
		msg.PriceChange = &PriceChange{}
		payload = msg.PriceChange
	case TickSizeChangeEvent:
		msg.TickSizeChange = &TickSizeChange{}
		payload = msg.TickSizeChange
	case LastTradePriceEvent:
		msg.LastTradePrice = &LastTradePrice{}
		payload = msg.LastTradePrice
	case MarketResolvedEvent:
		msg.MarketResolved = &MarketResolved{}
		payload = msg.MarketResolved
	case "":
		return nil, fmt.Errorf("message has no event_type")
	default:
		return msg, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("couldn't parse %s event: %w", head.EventType, err)
	}
	return msg, nil
}
