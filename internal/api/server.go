// Package api serves the trading gateway to the browser: REST endpoints for
// markets, the wallet session and order submission, and a websocket that
// pushes session and workflow changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/internal/polymarket/gamma"
	"github.com/aliveevie/fennac-markets/internal/quote"
	"github.com/aliveevie/fennac-markets/internal/trading"
	"github.com/aliveevie/fennac-markets/pkg/httpclient"
)

const (
	defaultMarketLimit = 50
	maxMarketLimit     = 500
	bookDepth          = 5
	maxBodyBytes       = 1 << 16
	// maxWorkflows bounds the per-market workflows kept between requests.
	maxWorkflows = 1024
)

// MarketSource lists and fetches markets from the market-data service.
type MarketSource interface {
	GetMarkets(ctx context.Context, limit int) ([]*gamma.Market, error)
	GetMarket(ctx context.Context, marketID string) (*gamma.Market, error)
}

type Resolver interface {
	trading.MetadataResolver
	CachedTokens(marketID string) (trading.TokenPair, bool)
}

// Quotes are the live prices of watched tokens.
type Quotes interface {
	Price(tokenID string) (decimal.Decimal, bool)
	Snapshot(tokenID string, depth int) (quote.Snapshot, bool)
}

type Watcher interface {
	Watch(ctx context.Context, tokenIDs ...string) error
}

type Config struct {
	AllowedOrigins []string
}

type Deps struct {
	Session  *trading.Session
	Resolver Resolver
	Markets  MarketSource
	// Quotes and Feed are nil when live quotes are disabled.
	Quotes Quotes
	Feed   Watcher
}

type Server struct {
	cfg      Config
	deps     Deps
	router   *mux.Router
	hub      *Hub
	upgrader *websocket.Upgrader
	log      *slog.Logger
	base     *slog.Logger

	mu        sync.Mutex
	workflows map[string]*trading.Workflow
}

func NewServer(cfg Config, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		log:       log.With("component", "api"),
		base:      log,
		workflows: make(map[string]*trading.Workflow),
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	deps.Session.OnChange(func(st trading.SessionStatus) {
		s.hub.Broadcast(SessionChannel, "session", st)
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}", s.handleGetMarket).Methods(http.MethodGet)

	api.HandleFunc("/session", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleDisconnect).Methods(http.MethodDelete)
	api.HandleFunc("/session/reinitialize", s.handleReinitialize).Methods(http.MethodPost)

	api.HandleFunc("/markets/{id}/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/markets/{id}/orders", s.handleGetOrderState).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/orders/dismiss", s.handleDismiss).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.hub.ServeWS(s.upgrader))
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: s.explicitOrigins(),
	})
	return c.Handler(s.router)
}

// Hub returns the websocket hub. Its Run loop must be started by the caller.
func (s *Server) Hub() *Hub {
	return s.hub
}

// explicitOrigins reports whether CORS is limited to a configured list of
// origins. Credentials are only allowed in that case.
func (s *Server) explicitOrigins() bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return false
		}
	}
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// workflow returns the order workflow of marketID, creating it on first use.
// created reports whether this call made it.
func (s *Server) workflow(marketID string) (wf *trading.Workflow, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf, ok := s.workflows[marketID]; ok {
		return wf, false
	}
	if len(s.workflows) >= maxWorkflows {
		s.evictIdleLocked()
	}

	wf = trading.NewWorkflow(s.deps.Session, s.deps.Resolver, s.base.With("market_id", marketID))
	channel := WorkflowChannel(marketID)
	wf.OnTransition(func(tr trading.Transition) {
		s.hub.Broadcast(channel, "workflow", tr)
	})
	s.workflows[marketID] = wf
	return wf, true
}

// existingWorkflow returns the workflow of marketID without creating one.
func (s *Server) existingWorkflow(marketID string) (*trading.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[marketID]
	return wf, ok
}

func (s *Server) dropWorkflow(marketID string, wf *trading.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workflows[marketID] == wf {
		delete(s.workflows, marketID)
	}
}

// evictIdleLocked drops every workflow that is not running an attempt.
func (s *Server) evictIdleLocked() {
	for id, wf := range s.workflows {
		switch wf.Snapshot().State {
		case trading.StateIdle, trading.StateSucceeded, trading.StateFailed:
			delete(s.workflows, id)
		}
	}
	s.log.Info("evicted idle order workflows", "remaining", len(s.workflows))
}

// ==============================
// Markets
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	limit := defaultMarketLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMarketLimit {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and "+strconv.Itoa(maxMarketLimit))
			return
		}
		limit = n
	}

	markets, err := s.deps.Markets.GetMarkets(r.Context(), limit)
	if err != nil {
		s.log.Error("couldn't list markets", "error", err)
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	out := make([]MarketSummary, 0, len(markets))
	for _, m := range markets {
		out = append(out, summarize(m))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	marketID := mux.Vars(r)["id"]

	market, err := s.deps.Markets.GetMarket(ctx, marketID)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			respondError(w, http.StatusNotFound, trading.Reason(trading.ErrMarketNotFound), err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	detail := MarketDetail{MarketSummary: summarize(market)}

	tokens, err := s.deps.Resolver.ResolveTokens(ctx, marketID)
	if err != nil {
		detail.Warning = err.Error()
	}
	detail.Tokens = tokens

	params, err := s.deps.Resolver.ResolveParams(ctx, marketID)
	if err != nil && detail.Warning == "" {
		detail.Warning = err.Error()
	}
	detail.Params = params

	if s.deps.Feed != nil {
		if err := s.deps.Feed.Watch(ctx, tokens.YesTokenID, tokens.NoTokenID); err != nil {
			s.log.Warn("couldn't watch market tokens", "market_id", marketID, "error", err)
		}
	}

	for _, side := range []trading.Side{trading.SideYes, trading.SideNo} {
		detail.Quotes = append(detail.Quotes, s.outcomeQuote(market, side, tokens.TokenFor(side)))
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) outcomeQuote(m *gamma.Market, side trading.Side, tokenID string) OutcomeQuote {
	q := OutcomeQuote{Side: side, TokenID: tokenID}

	var p decimal.Decimal
	var ok bool
	if s.deps.Quotes != nil && tokenID != "" {
		if p, ok = s.deps.Quotes.Price(tokenID); ok {
			q.Source = "book"
			if snap, found := s.deps.Quotes.Snapshot(tokenID, bookDepth); found {
				q.Book = &snap
			}
		}
	}
	if !ok {
		if p, ok = listedPrice(m, side); ok {
			q.Source = "listing"
		}
	}
	if ok {
		implied := trading.ImpliedProbability(p)
		q.Price = &p
		q.ImpliedProbability = &implied
	}
	return q
}

// listedPrice reads the outcome price the market listing reports for side.
func listedPrice(m *gamma.Market, side trading.Side) (decimal.Decimal, bool) {
	for i, outcome := range m.Outcomes {
		if i >= len(m.OutcomePrices) || !sameOutcome(outcome, side) {
			continue
		}
		p, err := decimal.NewFromString(m.OutcomePrices[i])
		if err != nil {
			return decimal.Decimal{}, false
		}
		return p, true
	}
	return decimal.Decimal{}, false
}

func sameOutcome(outcome string, side trading.Side) bool {
	return strings.EqualFold(strings.TrimSpace(outcome), side.String())
}

func summarize(m *gamma.Market) MarketSummary {
	return MarketSummary{
		ID:            m.ID,
		Question:      m.Question,
		Slug:          m.Slug,
		EndDate:       m.EndDate,
		Volume:        m.Volume,
		Liquidity:     m.Liquidity,
		Outcomes:      m.Outcomes,
		OutcomePrices: m.OutcomePrices,
	}
}

// ==============================
// Session
// ==============================

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Session.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Address != "" && !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid address "+strconv.Quote(req.Address))
		return
	}

	wallet := trading.Wallet{ChainID: req.ChainID, Signer: trading.StaticSigner{}}
	if req.Address != "" {
		wallet.Address = common.HexToAddress(req.Address)
		wallet.Signer = trading.StaticSigner{wallet.Address}
	}

	// Initialization outlives a browser that gives up waiting.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.deps.Session.Connect(ctx, wallet); err != nil {
		respondTradingError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Session.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Disconnect()
	respondJSON(w, http.StatusOK, s.deps.Session.Status())
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.deps.Session.Reinitialize(ctx); err != nil {
		respondTradingError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Session.Status())
}

// ==============================
// Orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]

	var body OrderBody
	if err := decodeBody(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ticket := trading.Ticket{
		MarketID: marketID,
		Side:     body.Side,
		Action:   body.Action,
		Amount:   body.Amount,
		Params:   body.Params,
	}
	if body.Tokens != nil {
		ticket.Tokens = *body.Tokens
	}
	if body.Price != nil {
		ticket.Price = *body.Price
	} else if p, ok := s.displayedPrice(r.Context(), ticket); ok {
		ticket.Price = p
	}

	wf, created := s.workflow(marketID)
	snap, err := wf.Submit(r.Context(), ticket)
	if created && errors.Is(err, trading.ErrMarketNotFound) {
		s.dropWorkflow(marketID, wf)
	}
	if err != nil {
		respondTradingError(w, err, &snap)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// displayedPrice is the price the market page shows for the ticket's side:
// the live book price, else the listed outcome price.
func (s *Server) displayedPrice(ctx context.Context, t trading.Ticket) (decimal.Decimal, bool) {
	tokenID := t.Tokens.TokenFor(t.Side)
	if tokenID == "" {
		pair, ok := s.deps.Resolver.CachedTokens(t.MarketID)
		if !ok {
			// A one-sided market still yields the side that resolved.
			pair, _ = s.deps.Resolver.ResolveTokens(ctx, t.MarketID)
		}
		tokenID = pair.TokenFor(t.Side)
	}

	if s.deps.Quotes != nil && tokenID != "" {
		if p, ok := s.deps.Quotes.Price(tokenID); ok {
			return p, true
		}
	}

	market, err := s.deps.Markets.GetMarket(ctx, t.MarketID)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return listedPrice(market, t.Side)
}

func (s *Server) handleGetOrderState(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]
	wf, ok := s.existingWorkflow(marketID)
	if !ok {
		respondJSON(w, http.StatusOK, trading.Snapshot{MarketID: marketID})
		return
	}
	respondJSON(w, http.StatusOK, wf.Snapshot())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["id"]
	wf, ok := s.existingWorkflow(marketID)
	if !ok {
		respondJSON(w, http.StatusOK, trading.Snapshot{MarketID: marketID})
		return
	}
	snap, err := wf.Dismiss()
	if err != nil {
		respondTradingError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, reason, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Reason: reason})
}

func respondTradingError(w http.ResponseWriter, err error, snap *trading.Snapshot) {
	respondJSON(w, statusFor(err), ErrorResponse{
		Error:    err.Error(),
		Reason:   trading.Reason(err),
		Snapshot: snap,
	})
}

// statusFor maps a trading error to an HTTP status.
func statusFor(err error) int {
	var subErr *trading.SubmissionError
	switch {
	case errors.Is(err, trading.ErrInvalidAmount),
		errors.Is(err, trading.ErrInvalidPrice),
		errors.Is(err, trading.ErrInvalidOrder),
		errors.Is(err, trading.ErrTokenMissing),
		errors.Is(err, trading.ErrNoAccount),
		errors.Is(err, trading.ErrWrongChain):
		return http.StatusBadRequest
	case errors.Is(err, trading.ErrClientNotReady),
		errors.Is(err, trading.ErrNotConnected),
		errors.Is(err, trading.ErrSuperseded),
		errors.Is(err, trading.ErrSubmissionInProgress):
		return http.StatusConflict
	case errors.As(err, &subErr), errors.Is(err, trading.ErrCredentialDerivation):
		return http.StatusBadGateway
	case errors.Is(err, trading.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, trading.ErrMissingCredential):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
