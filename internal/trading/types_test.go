package trading

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"

	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
)

func TestSideActionJSON(t *testing.T) {
	var ticket struct {
		Side   Side   `json:"side"`
		Action Action `json:"action"`
	}
	assert.NilError(t, json.Unmarshal([]byte(`{"side":"no","action":"sell"}`), &ticket))
	assert.Equal(t, ticket.Side, SideNo)
	assert.Equal(t, ticket.Action, ActionSell)

	b, err := json.Marshal(ticket)
	assert.NilError(t, err)
	assert.Equal(t, string(b), `{"side":"no","action":"sell"}`)

	assert.ErrorContains(t, json.Unmarshal([]byte(`{"side":"maybe"}`), &ticket), "unsupported side")
	assert.ErrorContains(t, json.Unmarshal([]byte(`{"action":"hold"}`), &ticket), "unsupported action")

	_, err = json.Marshal(Side(9))
	assert.ErrorContains(t, err, "invalid side")
	assert.Equal(t, Action(7).String(), "action(7)")
}

func TestSnapshotJSON(t *testing.T) {
	for _, state := range []State{StateIdle, StateValidating, StateAwaitingClient, StateResolvingMetadata, StateSubmitting, StateSucceeded, StateFailed} {
		t.Run(state.String(), func(t *testing.T) {
			in := Snapshot{State: state, MarketID: "253591", Amount: "50", Reason: "token_missing"}
			b, err := json.Marshal(in)
			assert.NilError(t, err)

			var out Snapshot
			assert.NilError(t, json.Unmarshal(b, &out))
			assert.DeepEqual(t, out, in)
		})
	}

	var s State
	assert.ErrorContains(t, json.Unmarshal([]byte(`"paused"`), &s), "unsupported state")
	assert.ErrorContains(t, json.Unmarshal([]byte(`3`), &s), "unsupported state")
}

func TestTokenPair(t *testing.T) {
	p := TokenPair{YesTokenID: "1"}
	assert.Equal(t, p.TokenFor(SideYes), "1")
	assert.Equal(t, p.TokenFor(SideNo), "")
	assert.Assert(t, !p.Complete())

	p.NoTokenID = "2"
	assert.Assert(t, p.Complete())
}

func TestNewOrderRequest(t *testing.T) {
	price := decimal.RequireFromString("0.65")
	size := decimal.RequireFromString("76.92")

	req, err := NewOrderRequest("123", price, ActionBuy, size, DefaultMarketParams())
	assert.NilError(t, err)
	assert.Equal(t, req.OrderType, clob.OrderTypeGTC)
	assert.Equal(t, req.FeeRateBps, 0)
	assert.Equal(t, req.TickSize, "0.001")
	assert.Assert(t, !req.NegRisk)

	tests := []struct {
		name    string
		tokenID string
		price   string
		size    string
	}{
		{name: "empty token", tokenID: "", price: "0.5", size: "1"},
		{name: "zero size", tokenID: "1", price: "0.5", size: "0"},
		{name: "negative size", tokenID: "1", price: "0.5", size: "-3"},
		{name: "zero price", tokenID: "1", price: "0", size: "1"},
		{name: "price of one", tokenID: "1", price: "1", size: "1"},
		{name: "price above one", tokenID: "1", price: "1.2", size: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrderRequest(tt.tokenID, decimal.RequireFromString(tt.price), ActionBuy, decimal.RequireFromString(tt.size), DefaultMarketParams())
			assert.Assert(t, errors.Is(err, ErrInvalidOrder))
		})
	}
}

func TestShares(t *testing.T) {
	shares := Shares(decimal.NewFromInt(50), decimal.RequireFromString("0.65"))
	assert.Equal(t, shares.RoundDown(2).String(), "76.92")
	assert.Assert(t, Shares(decimal.NewFromInt(50), decimal.Zero).IsZero())
}

func TestImpliedProbability(t *testing.T) {
	tests := []struct {
		price string
		want  int64
	}{
		{"0.65", 65},
		{"0.654", 65},
		{"0.655", 66},
		{"0.001", 0},
		{"0.999", 100},
	}
	for _, tt := range tests {
		assert.Equal(t, ImpliedProbability(decimal.RequireFromString(tt.price)), tt.want, tt.price)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrClientNotReady, "client_not_ready"},
		{ErrTokenMissing, "token_missing"},
		{errors.Join(ErrTokenMissing, ErrMarketNotFound), "token_missing"},
		{ErrMarketNotFound, "market_not_found"},
		{&SubmissionError{Err: errBoom}, "submission_error"},
		{ErrCredentialDerivation, "credential_derivation"},
		{errBoom, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, Reason(tt.err), tt.want)
	}
}

func TestSubmissionErrorMessage(t *testing.T) {
	err := &SubmissionError{Err: &clob.APIError{StatusCode: 400, Message: "not enough balance / allowance"}}
	assert.Equal(t, err.Error(), "not enough balance / allowance")

	var apiErr *clob.APIError
	assert.Assert(t, errors.As(err, &apiErr))
}
