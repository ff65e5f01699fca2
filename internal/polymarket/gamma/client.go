// Package gamma consumes the Polymarket gamma market-data endpoints.
package gamma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/pkg/httpclient"
)

const DefaultTimeout = 30 * time.Second

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// StringList decodes either a JSON array of strings or the double-encoded
// form the API uses, a string holding a JSON array.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]string)(l))
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	return json.Unmarshal([]byte(s), (*[]string)(l))
}

type OutcomeToken struct {
	Outcome string `json:"outcome"`
	TokenID string `json:"tokenId"`
}

type Market struct {
	ID                    string              `json:"id"`
	ConditionID           string              `json:"conditionId"`
	Question              string              `json:"question"`
	Slug                  string              `json:"slug"`
	Active                bool                `json:"active"`
	Closed                bool                `json:"closed"`
	EndDate               string              `json:"endDate"`
	Volume                string              `json:"volume"`
	Liquidity             string              `json:"liquidity"`
	OutcomeTokens         []OutcomeToken      `json:"outcomeTokens"`
	Outcomes              StringList          `json:"outcomes"`
	ClobTokenIDs          StringList          `json:"clobTokenIds"`
	OutcomePrices         StringList          `json:"outcomePrices"`
	TickSize              decimal.NullDecimal `json:"tickSize"`
	MinPriceIncrement     decimal.NullDecimal `json:"minPriceIncrement"`
	OrderPriceMinTickSize decimal.NullDecimal `json:"orderPriceMinTickSize"`
	NegRisk               bool                `json:"negRisk"`
}

// Tokens returns the outcome tokens of the market, preferring the explicit
// outcomeTokens list and falling back to pairing outcomes with clobTokenIds.
func (m *Market) Tokens() []OutcomeToken {
	if len(m.OutcomeTokens) > 0 {
		return m.OutcomeTokens
	}

	n := min(len(m.Outcomes), len(m.ClobTokenIDs))
	tokens := make([]OutcomeToken, 0, n)
	for i := 0; i < n; i++ {
		tokens = append(tokens, OutcomeToken{Outcome: m.Outcomes[i], TokenID: m.ClobTokenIDs[i]})
	}
	return tokens
}

// MinTick returns the first price increment the market reports, if any.
func (m *Market) MinTick() (decimal.Decimal, bool) {
	for _, d := range []decimal.NullDecimal{m.TickSize, m.MinPriceIncrement, m.OrderPriceMinTickSize} {
		if d.Valid && d.Decimal.IsPositive() {
			return d.Decimal, true
		}
	}
	return decimal.Decimal{}, false
}

func (c *Client) GetMarket(ctx context.Context, marketID string) (*Market, error) {
	market, err := httpclient.GetResource[*Market](ctx, c.httpClient, c.baseURL, "/markets/"+url.PathEscape(marketID), []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get market %s: %w", marketID, err)
	}
	if market == nil {
		return nil, fmt.Errorf("couldn't get market %s: empty response", marketID)
	}
	return market, nil
}

// GetMarkets lists open markets, most liquid first.
func (c *Client) GetMarkets(ctx context.Context, limit int) ([]*Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("order", "liquidityNum")
	params.Set("ascending", "false")
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	markets, err := httpclient.GetResource[[]*Market](ctx, c.httpClient, c.baseURL, "/markets?"+params.Encode(), []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't list markets: %w", err)
	}
	return markets, nil
}
