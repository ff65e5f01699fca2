package api

import (
	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/internal/quote"
	"github.com/aliveevie/fennac-markets/internal/trading"
)

// MarketSummary is a row of the market list.
type MarketSummary struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Slug          string   `json:"slug,omitempty"`
	EndDate       string   `json:"endDate,omitempty"`
	Volume        string   `json:"volume,omitempty"`
	Liquidity     string   `json:"liquidity,omitempty"`
	Outcomes      []string `json:"outcomes,omitempty"`
	OutcomePrices []string `json:"outcomePrices,omitempty"`
}

// OutcomeQuote is the displayed price of one side of a market.
type OutcomeQuote struct {
	Side               trading.Side     `json:"side"`
	TokenID            string           `json:"tokenId,omitempty"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	ImpliedProbability *int64           `json:"impliedProbability,omitempty"`
	Source             string           `json:"source,omitempty"`
	Book               *quote.Snapshot  `json:"book,omitempty"`
}

type MarketDetail struct {
	MarketSummary
	Tokens   trading.TokenPair    `json:"tokens"`
	Params   trading.MarketParams `json:"params"`
	Quotes   []OutcomeQuote       `json:"quotes"`
	// Warning is set when tokens or params could only be partly resolved.
	Warning string `json:"warning,omitempty"`
}

type ConnectRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

// OrderBody is the order form of a market page. Price may be omitted to
// trade at the displayed price.
type OrderBody struct {
	Side   trading.Side          `json:"side"`
	Action trading.Action        `json:"action"`
	Amount string                `json:"amount"`
	Price  *decimal.Decimal      `json:"price,omitempty"`
	Tokens *trading.TokenPair    `json:"tokens,omitempty"`
	Params *trading.MarketParams `json:"params,omitempty"`
}

type ErrorResponse struct {
	Error    string            `json:"error"`
	Reason   string            `json:"reason"`
	Snapshot *trading.Snapshot `json:"snapshot,omitempty"`
}

// WSMessage is the envelope of every message pushed to browsers.
type WSMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by browsers to pick channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}
