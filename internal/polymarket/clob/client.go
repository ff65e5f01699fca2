// Package clob is used to call the authenticated Polymarket order-book endpoints.
package clob

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/model"

	"github.com/aliveevie/fennac-markets/pkg/httpclient"
)

const DefaultTimeout = 30 * time.Second

type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
	OrderTypeFAK OrderType = "FAK"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	chainID    int64
	now        func() time.Time
}

func New(baseURL string, chainID int64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		chainID:    chainID,
		now:        time.Now,
	}
}

// APIError carries the message the order book returned for a rejected call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// CreateAPIKey creates a new API key for the address backing key.
func (c *Client) CreateAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (Credentials, error) {
	headers, err := l1Headers(key, c.chainID, c.now().Unix(), 0)
	if err != nil {
		return Credentials{}, err
	}
	creds, err := httpclient.PostResource[Credentials](ctx, c.httpClient, c.baseURL, "/auth/api-key", nil, []int{http.StatusOK}, httpclient.WithHeaders(headers))
	if err != nil {
		return Credentials{}, fmt.Errorf("couldn't create api key: %w", apiError(err))
	}
	return creds, nil
}

// DeriveAPIKey returns the existing API key for the address backing key.
func (c *Client) DeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (Credentials, error) {
	headers, err := l1Headers(key, c.chainID, c.now().Unix(), 0)
	if err != nil {
		return Credentials{}, err
	}
	creds, err := httpclient.GetResource[Credentials](ctx, c.httpClient, c.baseURL, "/auth/derive-api-key", []int{http.StatusOK}, httpclient.WithHeaders(headers))
	if err != nil {
		return Credentials{}, fmt.Errorf("couldn't derive api key: %w", apiError(err))
	}
	return creds, nil
}

// CreateOrDeriveAPIKey tries to create a key and falls back to deriving the existing one.
func (c *Client) CreateOrDeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (Credentials, error) {
	creds, createErr := c.CreateAPIKey(ctx, key)
	if createErr == nil && !creds.Empty() {
		return creds, nil
	}

	creds, err := c.DeriveAPIKey(ctx, key)
	if err != nil {
		return Credentials{}, errors.Join(createErr, err)
	}
	if creds.Empty() {
		return Credentials{}, fmt.Errorf("couldn't derive api key: empty credentials")
	}
	return creds, nil
}

// Order is the wire form of a signed order.
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type OrderPayload struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
	DeferExec bool      `json:"deferExec"`
}

// NewOrderPayload converts a signed order into the body of POST /order.
func NewOrderPayload(signed *model.SignedOrder, owner string, orderType OrderType) OrderPayload {
	side := "BUY"
	if signed.Order.Side.Int64() == int64(model.SELL) {
		side = "SELL"
	}

	return OrderPayload{
		Order: Order{
			Salt:          signed.Order.Salt.Int64(),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       signed.Order.TokenId.String(),
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          side,
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     hexutil.Encode(signed.Signature),
		},
		Owner:     owner,
		OrderType: orderType,
	}
}

type OrderResponse struct {
	Success            bool     `json:"success"`
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	Status             string   `json:"status"`
	MakingAmount       string   `json:"makingAmount"`
	TakingAmount       string   `json:"takingAmount"`
	TransactionsHashes []string `json:"transactionsHashes"`
}

// PostOrder submits a signed order authenticated with creds on behalf of key.
func (c *Client) PostOrder(ctx context.Context, key *ecdsa.PrivateKey, creds Credentials, payload OrderPayload) (*OrderResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	headers, err := l2Headers(address, creds, c.now().Unix(), http.MethodPost, "/order", string(body))
	if err != nil {
		return nil, err
	}

	resp, err := httpclient.PostResource[*OrderResponse](ctx, c.httpClient, c.baseURL, "/order", body, []int{http.StatusOK, http.StatusCreated}, httpclient.WithHeaders(headers))
	if err != nil {
		return nil, apiError(err)
	}
	if resp == nil {
		return nil, &APIError{Message: "empty order response"}
	}
	if !resp.Success && resp.ErrorMsg != "" {
		return resp, &APIError{StatusCode: http.StatusOK, Message: resp.ErrorMsg}
	}
	return resp, nil
}

// apiError turns a non-success HTTP response into an APIError carrying the
// service's own message. Other errors are returned unchanged.
func apiError(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}

	var body struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	msg := string(statusErr.Body)
	if json.Unmarshal(statusErr.Body, &body) == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.ErrorMsg != "":
			msg = body.ErrorMsg
		}
	}
	if msg == "" {
		msg = http.StatusText(statusErr.StatusCode)
	}
	return &APIError{StatusCode: statusErr.StatusCode, Message: msg}
}
