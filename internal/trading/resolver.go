package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aliveevie/fennac-markets/internal/metrics"
	"github.com/aliveevie/fennac-markets/internal/polymarket/gamma"
)

// MarketSource fetches a single market from the market-data service.
type MarketSource interface {
	GetMarket(ctx context.Context, marketID string) (*gamma.Market, error)
}

// Resolver looks up the token ids and trading parameters of markets.
// Complete token pairs are kept for the lifetime of the resolver; params are
// refetched on every ResolveParams call and the last good value is kept.
type Resolver struct {
	source MarketSource
	group  singleflight.Group
	log    *slog.Logger

	mu     sync.RWMutex
	tokens map[string]TokenPair
	params map[string]MarketParams
}

func NewResolver(source MarketSource, log *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		log:    log.With("component", "resolver"),
		tokens: make(map[string]TokenPair),
		params: make(map[string]MarketParams),
	}
}

// ResolveTokens returns the YES/NO token ids of the market. It fails if
// either id is missing, returning whatever part of the pair was found.
func (r *Resolver) ResolveTokens(ctx context.Context, marketID string) (TokenPair, error) {
	if pair, ok := r.CachedTokens(marketID); ok {
		return pair, nil
	}

	market, err := r.fetch(ctx, marketID)
	if err != nil {
		return TokenPair{}, err
	}

	pair := tokenPair(market.Tokens())
	if pair.YesTokenID == "" && pair.NoTokenID == "" {
		return TokenPair{}, fmt.Errorf("%w: market %s has no outcome tokens", ErrMarketNotFound, marketID)
	}
	if !pair.Complete() {
		return pair, fmt.Errorf("%w: market %s lacks a token for one side", ErrTokenMissing, marketID)
	}

	r.mu.Lock()
	r.tokens[marketID] = pair
	r.mu.Unlock()
	return pair, nil
}

// ResolveParams returns the market's tick size and neg-risk flag. On failure
// the defaults are returned together with the error.
func (r *Resolver) ResolveParams(ctx context.Context, marketID string) (MarketParams, error) {
	market, err := r.fetch(ctx, marketID)
	if err != nil {
		return DefaultMarketParams(), err
	}

	params := DefaultMarketParams()
	if tick, ok := market.MinTick(); ok {
		params.TickSize = tick.String()
	}
	params.NegRisk = market.NegRisk

	r.mu.Lock()
	r.params[marketID] = params
	r.mu.Unlock()
	return params, nil
}

func (r *Resolver) CachedTokens(marketID string) (TokenPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pair, ok := r.tokens[marketID]
	return pair, ok
}

func (r *Resolver) CachedParams(marketID string) (MarketParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	params, ok := r.params[marketID]
	return params, ok
}

func (r *Resolver) fetch(ctx context.Context, marketID string) (*gamma.Market, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrMarketNotFound)
	}

	// Shared lookups outlive the caller that started them.
	ch := r.group.DoChan(marketID, func() (any, error) {
		return r.source.GetMarket(context.WithoutCancel(ctx), marketID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("market lookup: %w", ctx.Err())
	case res = <-ch:
	}

	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		metrics.MarketFetches.WithLabelValues("error").Inc()
		r.log.Warn("market lookup failed", "market_id", marketID, "error", err)
		if errors.Is(err, ErrMarketNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMarketNotFound, err)
	}
	metrics.MarketFetches.WithLabelValues("ok").Inc()
	if shared {
		r.log.Debug("market lookup shared", "market_id", marketID)
	}
	return v.(*gamma.Market), nil
}

func tokenPair(tokens []gamma.OutcomeToken) TokenPair {
	var pair TokenPair
	for _, t := range tokens {
		switch {
		case strings.EqualFold(strings.TrimSpace(t.Outcome), "yes"):
			pair.YesTokenID = t.TokenID
		case strings.EqualFold(strings.TrimSpace(t.Outcome), "no"):
			pair.NoTokenID = t.TokenID
		}
	}
	return pair
}
