package trading

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	"github.com/polymarket/go-order-utils/pkg/model"

	"github.com/aliveevie/fennac-markets/internal/metrics"
	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
)

// Exchange is the order-book service a client handle talks to.
type Exchange interface {
	CreateOrDeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (clob.Credentials, error)
	PostOrder(ctx context.Context, key *ecdsa.PrivateKey, creds clob.Credentials, payload clob.OrderPayload) (*clob.OrderResponse, error)
}

// Signer is the signing capability of a connected wallet.
type Signer interface {
	Addresses(ctx context.Context) ([]common.Address, error)
}

// StaticSigner reports a fixed list of addresses.
type StaticSigner []common.Address

func (s StaticSigner) Addresses(context.Context) ([]common.Address, error) {
	return s, nil
}

// Wallet is a connected wallet session as reported by the wallet provider.
type Wallet struct {
	Address common.Address
	ChainID int64
	Signer  Signer
}

type FactoryConfig struct {
	// Key signs orders and API credential requests. Nil means not configured.
	Key *ecdsa.PrivateKey
	// Funder holds the collateral; defaults to the key's address.
	Funder common.Address
	// SignatureType is 0 for EOA, 1 for a proxy wallet, 2 for a browser wallet safe.
	SignatureType int
	ChainID       int64
}

// Factory creates client handles bound to a connected wallet.
type Factory struct {
	exchange Exchange
	cfg      FactoryConfig
	builder  *builder.ExchangeOrderBuilderImpl
	log      *slog.Logger
}

func NewFactory(exchange Exchange, cfg FactoryConfig, log *slog.Logger) *Factory {
	return &Factory{
		exchange: exchange,
		cfg:      cfg,
		builder:  builder.NewExchangeOrderBuilderImpl(big.NewInt(cfg.ChainID), nil),
		log:      log.With("component", "client_factory"),
	}
}

// Initialize derives API credentials for w and returns a ready handle.
func (f *Factory) Initialize(ctx context.Context, w Wallet) (*ClientHandle, error) {
	h, err := f.initialize(ctx, w)
	if err != nil {
		metrics.ClientInitializations.WithLabelValues(Reason(err)).Inc()
		return nil, err
	}
	metrics.ClientInitializations.WithLabelValues("ok").Inc()
	return h, nil
}

func (f *Factory) initialize(ctx context.Context, w Wallet) (*ClientHandle, error) {
	if w.Signer == nil {
		return nil, ErrNoAccount
	}
	accounts, err := w.Signer.Addresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAccount, err)
	}
	if len(accounts) == 0 || accounts[0] == (common.Address{}) {
		return nil, ErrNoAccount
	}
	account := accounts[0]

	if w.ChainID != 0 && w.ChainID != f.cfg.ChainID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongChain, w.ChainID, f.cfg.ChainID)
	}

	if f.cfg.Key == nil {
		return nil, ErrMissingCredential
	}
	signer := crypto.PubkeyToAddress(f.cfg.Key.PublicKey)
	if signer != account {
		f.log.Warn("signing key address doesn't match connected wallet address",
			"signer", signer.Hex(), "wallet", account.Hex())
	}

	creds, err := f.exchange.CreateOrDeriveAPIKey(ctx, f.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialDerivation, err)
	}

	funder := f.cfg.Funder
	if funder == (common.Address{}) {
		funder = signer
	}

	f.log.Info("client initialized", "wallet", account.Hex(), "funder", funder.Hex(), "signature_type", f.cfg.SignatureType)

	return &ClientHandle{
		exchange:      f.exchange,
		builder:       f.builder,
		key:           f.cfg.Key,
		creds:         creds,
		owner:         account,
		signer:        signer,
		funder:        funder,
		signatureType: f.cfg.SignatureType,
		chainID:       f.cfg.ChainID,
		createdAt:     time.Now(),
	}, nil
}

// ClientHandle is a signing order-book client bound to one wallet address.
// It is immutable; a changed wallet needs a new handle.
type ClientHandle struct {
	exchange      Exchange
	builder       *builder.ExchangeOrderBuilderImpl
	key           *ecdsa.PrivateKey
	creds         clob.Credentials
	owner         common.Address
	signer        common.Address
	funder        common.Address
	signatureType int
	chainID       int64
	createdAt     time.Time
}

// Owner is the wallet address the handle was created for.
func (h *ClientHandle) Owner() common.Address { return h.owner }

func (h *ClientHandle) Funder() common.Address { return h.funder }

func (h *ClientHandle) APIKey() string { return h.creds.APIKey }

func (h *ClientHandle) ChainID() int64 { return h.chainID }

func (h *ClientHandle) CreatedAt() time.Time { return h.createdAt }

// PlaceOrder signs req and posts it to the order book.
func (h *ClientHandle) PlaceOrder(ctx context.Context, req OrderRequest) (*Confirmation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tick, rc, err := parseTickSize(req.TickSize)
	if err != nil {
		return nil, err
	}
	if err := checkPrice(req.Price, tick); err != nil {
		return nil, err
	}

	makerAmount, takerAmount := orderAmounts(req.Side, req.Size, req.Price, rc)

	var side int
	if req.Side == ActionBuy {
		side = model.BUY
	} else {
		side = model.SELL
	}

	var contract int
	if req.NegRisk {
		contract = model.NegRiskCTFExchange
	} else {
		contract = model.CTFExchange
	}

	orderData := &model.OrderData{
		Maker:         h.funder.Hex(),
		Signer:        h.signer.Hex(),
		Taker:         common.Address{}.Hex(),
		TokenId:       req.TokenID,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Side:          side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(req.FeeRateBps),
		SignatureType: h.signatureType,
	}

	signed, err := h.builder.BuildSignedOrder(h.key, orderData, contract)
	if err != nil {
		return nil, fmt.Errorf("couldn't sign order: %w", err)
	}

	resp, err := h.exchange.PostOrder(ctx, h.key, h.creds, clob.NewOrderPayload(signed, h.creds.APIKey, req.OrderType))
	if err != nil {
		return nil, err
	}

	return &Confirmation{
		OrderID:           resp.OrderID,
		Status:            resp.Status,
		MakingAmount:      resp.MakingAmount,
		TakingAmount:      resp.TakingAmount,
		TransactionHashes: resp.TransactionsHashes,
	}, nil
}
