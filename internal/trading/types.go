// Package trading resolves market metadata, manages the order-book client
// session and runs the order-submission workflow.
package trading

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
)

// Side is the binary outcome a trade is placed on.
type Side uint8

const (
	SideYes Side = iota
	SideNo

	sideYesStr = "yes"
	sideNoStr  = "no"
)

var (
	sideYesByte = []byte(`"yes"`)
	sideNoByte  = []byte(`"no"`)
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return sideYesStr
	case SideNo:
		return sideNoStr
	}
	return "side(" + strconv.Itoa(int(s)) + ")"
}

func (s Side) MarshalJSON() ([]byte, error) {
	switch s {
	case SideYes:
		return sideYesByte, nil
	case SideNo:
		return sideNoByte, nil
	}
	return nil, errors.New("invalid side json conversion: " + strconv.Itoa(int(s)))
}

func (s *Side) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, sideYesByte):
		*s = SideYes
	case bytes.Equal(data, sideNoByte):
		*s = SideNo
	default:
		return errors.New("unsupported side: " + string(data))
	}
	return nil
}

// Action is whether shares of the side are acquired or disposed of.
type Action uint8

const (
	ActionBuy Action = iota
	ActionSell

	actionBuyStr  = "buy"
	actionSellStr = "sell"
)

var (
	actionBuyByte  = []byte(`"buy"`)
	actionSellByte = []byte(`"sell"`)
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return actionBuyStr
	case ActionSell:
		return actionSellStr
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

func (a Action) MarshalJSON() ([]byte, error) {
	switch a {
	case ActionBuy:
		return actionBuyByte, nil
	case ActionSell:
		return actionSellByte, nil
	}
	return nil, errors.New("invalid action json conversion: " + strconv.Itoa(int(a)))
}

func (a *Action) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, actionBuyByte):
		*a = ActionBuy
	case bytes.Equal(data, actionSellByte):
		*a = ActionSell
	default:
		return errors.New("unsupported action: " + string(data))
	}
	return nil
}

const DefaultTickSize = "0.001"

// MarketParams are the trading parameters an order must be built with.
type MarketParams struct {
	TickSize string `json:"tickSize"`
	NegRisk  bool   `json:"negRisk"`
}

func DefaultMarketParams() MarketParams {
	return MarketParams{TickSize: DefaultTickSize}
}

// TokenPair holds the order-book token ids of a market's two outcomes.
type TokenPair struct {
	YesTokenID string `json:"yesTokenId"`
	NoTokenID  string `json:"noTokenId"`
}

// TokenFor returns the token id of side, empty when unknown.
func (p TokenPair) TokenFor(s Side) string {
	if s == SideNo {
		return p.NoTokenID
	}
	return p.YesTokenID
}

func (p TokenPair) Complete() bool {
	return p.YesTokenID != "" && p.NoTokenID != ""
}

// OrderRequest is a single limit order as handed to the order book.
// It is built by NewOrderRequest and not modified afterwards.
type OrderRequest struct {
	TokenID    string          `json:"tokenId"`
	Price      decimal.Decimal `json:"price"`
	Side       Action          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	TickSize   string          `json:"tickSize"`
	NegRisk    bool            `json:"negRisk"`
	FeeRateBps int             `json:"feeRateBps"`
	OrderType  clob.OrderType  `json:"orderType"`
}

// NewOrderRequest builds a good-til-cancelled, zero-fee order and validates it.
func NewOrderRequest(tokenID string, price decimal.Decimal, action Action, size decimal.Decimal, params MarketParams) (OrderRequest, error) {
	req := OrderRequest{
		TokenID:    tokenID,
		Price:      price,
		Side:       action,
		Size:       size,
		TickSize:   params.TickSize,
		NegRisk:    params.NegRisk,
		FeeRateBps: 0,
		OrderType:  clob.OrderTypeGTC,
	}
	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

func (r OrderRequest) Validate() error {
	switch {
	case r.TokenID == "":
		return fmt.Errorf("%w: empty token id", ErrInvalidOrder)
	case !r.Size.IsPositive():
		return fmt.Errorf("%w: size %s must be positive", ErrInvalidOrder, r.Size)
	case !validPrice(r.Price):
		return fmt.Errorf("%w: price %s must be between 0 and 1", ErrInvalidOrder, r.Price)
	}
	return nil
}

var one = decimal.NewFromInt(1)

func validPrice(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(one)
}

// Shares is the number of outcome shares amount buys at price.
func Shares(amount, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return amount.Div(price)
}

// ImpliedProbability reads a price as a whole percentage, e.g. 0.654 is 65.
func ImpliedProbability(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}

// Confirmation is the order book's acknowledgement of a submitted order.
type Confirmation struct {
	OrderID           string   `json:"orderId"`
	Status            string   `json:"status"`
	MakingAmount      string   `json:"makingAmount,omitempty"`
	TakingAmount      string   `json:"takingAmount,omitempty"`
	TransactionHashes []string `json:"transactionHashes,omitempty"`
}
