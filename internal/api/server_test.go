package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
	"github.com/aliveevie/fennac-markets/internal/polymarket/gamma"
	"github.com/aliveevie/fennac-markets/internal/price"
	"github.com/aliveevie/fennac-markets/internal/quote"
	"github.com/aliveevie/fennac-markets/internal/quote/orderbook"
	"github.com/aliveevie/fennac-markets/internal/trading"
)

const (
	yesToken = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	noToken  = "52114319501245915516055106046884209969926127482827954674443846427813813222426"
)

const marketJSON = `{"id":"253591","question":"Will it rain?","slug":"will-it-rain","negRisk":false,
	"orderPriceMinTickSize":0.01,"outcomes":"[\"Yes\", \"No\"]","outcomePrices":"[\"0.64\", \"0.36\"]",
	"clobTokenIds":"[\"` + yesToken + `\", \"` + noToken + `\"]"}`

type stubExchange struct {
	mu     sync.Mutex
	posted []clob.OrderPayload
}

func (e *stubExchange) CreateOrDeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (clob.Credentials, error) {
	return clob.Credentials{APIKey: "api-key", Secret: "c2VjcmV0", Passphrase: "pass"}, nil
}

func (e *stubExchange) PostOrder(ctx context.Context, key *ecdsa.PrivateKey, creds clob.Credentials, payload clob.OrderPayload) (*clob.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.posted = append(e.posted, payload)
	return &clob.OrderResponse{Success: true, OrderID: "0xorder", Status: "matched"}, nil
}

type recordingWatcher struct {
	mu     sync.Mutex
	tokens []string
}

func (w *recordingWatcher) Watch(ctx context.Context, tokenIDs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens = append(w.tokens, tokenIDs...)
	return nil
}

type testEnv struct {
	srv      *httptest.Server
	server   *Server
	key      *ecdsa.PrivateKey
	exchange *stubExchange
	watcher  *recordingWatcher
	book     *quote.Book
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	gammaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/markets":
			w.Write([]byte(`[` + marketJSON + `]`))
		case "/markets/253591":
			w.Write([]byte(marketJSON))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"id not found"}`))
		}
	}))
	t.Cleanup(gammaSrv.Close)
	markets := gamma.New(gammaSrv.URL, time.Second)

	key, err := crypto.GenerateKey()
	assert.NilError(t, err)

	env := &testEnv{
		key:      key,
		exchange: &stubExchange{},
		watcher:  &recordingWatcher{},
		book:     quote.NewBook(),
	}
	factory := trading.NewFactory(env.exchange, trading.FactoryConfig{Key: key, ChainID: 137}, log)

	s := NewServer(Config{AllowedOrigins: []string{"http://localhost:3000"}}, Deps{
		Session:  trading.NewSession(factory, log),
		Resolver: trading.NewResolver(markets, log),
		Markets:  markets,
		Quotes:   env.book,
		Feed:     env.watcher,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Hub().Run(ctx)

	env.server = s
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		assert.NilError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	assert.NilError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()

	if out != nil {
		assert.NilError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	var st trading.SessionStatus
	code := e.do(t, http.MethodPost, "/api/v1/session", ConnectRequest{
		Address: crypto.PubkeyToAddress(e.key.PublicKey).Hex(),
		ChainID: 137,
	}, &st)
	assert.Equal(t, code, http.StatusOK)
	assert.Assert(t, st.Ready)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	assert.Equal(t, env.do(t, http.MethodGet, "/health", nil, &body), http.StatusOK)
	assert.Equal(t, body["status"], "ok")
}

func TestGetMarkets(t *testing.T) {
	env := newTestEnv(t)

	var markets []MarketSummary
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets?limit=10", nil, &markets), http.StatusOK)
	assert.Equal(t, len(markets), 1)
	assert.Equal(t, markets[0].Question, "Will it rain?")
	assert.DeepEqual(t, markets[0].OutcomePrices, []string{"0.64", "0.36"})

	var errResp ErrorResponse
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets?limit=-1", nil, &errResp), http.StatusBadRequest)
	assert.Equal(t, errResp.Reason, "invalid_request")
}

func TestGetMarket(t *testing.T) {
	env := newTestEnv(t)
	env.book.Replace(yesToken,
		[]orderbook.Level{{Price: 640_000, Size: 10_000_000}},
		[]orderbook.Level{{Price: 660_000, Size: 10_000_000}},
		time.Time{})

	var detail MarketDetail
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets/253591", nil, &detail), http.StatusOK)
	assert.Equal(t, detail.Tokens, trading.TokenPair{YesTokenID: yesToken, NoTokenID: noToken})
	assert.Equal(t, detail.Params, trading.MarketParams{TickSize: "0.01"})
	assert.Equal(t, detail.Warning, "")

	assert.Equal(t, len(detail.Quotes), 2)
	yes, no := detail.Quotes[0], detail.Quotes[1]
	assert.Equal(t, yes.Side, trading.SideYes)
	assert.Equal(t, yes.Source, "book")
	assert.Equal(t, yes.Price.String(), "0.65")
	assert.Equal(t, *yes.ImpliedProbability, int64(65))
	assert.Equal(t, len(yes.Book.Bids), 1)

	assert.Equal(t, no.Source, "listing")
	assert.Equal(t, no.Price.String(), "0.36")
	assert.Equal(t, *no.ImpliedProbability, int64(36))

	env.watcher.mu.Lock()
	assert.DeepEqual(t, env.watcher.tokens, []string{yesToken, noToken})
	env.watcher.mu.Unlock()
}

func TestGetMarketNotFound(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets/404", nil, &errResp), http.StatusNotFound)
	assert.Equal(t, errResp.Reason, "market_not_found")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var st trading.SessionStatus
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/session", nil, &st), http.StatusOK)
	assert.Assert(t, !st.Connected)

	var errResp ErrorResponse
	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/session/reinitialize", nil, &errResp), http.StatusConflict)
	assert.Equal(t, errResp.Reason, "not_connected")

	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/session", ConnectRequest{ChainID: 137}, &errResp), http.StatusBadRequest)
	assert.Equal(t, errResp.Reason, "no_account")

	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/session", ConnectRequest{Address: "0x123"}, &errResp), http.StatusBadRequest)
	assert.Equal(t, errResp.Reason, "invalid_request")

	env.connect(t)

	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/session/reinitialize", nil, &st), http.StatusOK)
	assert.Assert(t, st.Ready)

	assert.Equal(t, env.do(t, http.MethodDelete, "/api/v1/session", nil, &st), http.StatusOK)
	assert.Assert(t, !st.Connected)
}

func TestSubmitOrder(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	// Warm the token cache and set a live price for the yes side.
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets/253591", nil, nil), http.StatusOK)
	env.book.Replace(yesToken,
		[]orderbook.Level{{Price: 640_000, Size: 10_000_000}},
		[]orderbook.Level{{Price: 660_000, Size: 10_000_000}},
		time.Time{})
	env.book.SetLastTrade(yesToken, price.Price(650_000))

	var snap trading.Snapshot
	code := env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "50",
	}, &snap)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, snap.State, trading.StateSucceeded)
	assert.Equal(t, snap.Confirmation.OrderID, "0xorder")
	assert.Equal(t, snap.Amount, "")

	env.exchange.mu.Lock()
	order := env.exchange.posted[0].Order
	env.exchange.mu.Unlock()
	assert.Equal(t, order.TokenID, yesToken)
	assert.Equal(t, order.Side, "BUY")
	assert.Equal(t, order.MakerAmount, "49998000")
	assert.Equal(t, order.TakerAmount, "76920000")

	var state trading.Snapshot
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets/253591/orders", nil, &state), http.StatusOK)
	assert.Equal(t, state.State, trading.StateSucceeded)
}

func TestSubmitOrderWithoutPriceResolvesToken(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	// The market page was never loaded, so no tokens are cached yet.
	env.book.Replace(yesToken,
		[]orderbook.Level{{Price: 640_000, Size: 10_000_000}},
		[]orderbook.Level{{Price: 660_000, Size: 10_000_000}},
		time.Time{})

	var snap trading.Snapshot
	code := env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "50",
	}, &snap)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, snap.State, trading.StateSucceeded)

	env.exchange.mu.Lock()
	order := env.exchange.posted[0].Order
	env.exchange.mu.Unlock()
	assert.Equal(t, order.MakerAmount, "49998000")
	assert.Equal(t, order.TakerAmount, "76920000")
}

func TestSubmitOrderWithoutPriceUsesListing(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	var snap trading.Snapshot
	code := env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "50",
	}, &snap)
	assert.Equal(t, code, http.StatusOK)

	// No live book: the listed 0.64 is used.
	env.exchange.mu.Lock()
	order := env.exchange.posted[0].Order
	env.exchange.mu.Unlock()
	assert.Equal(t, order.TokenID, yesToken)
	assert.Equal(t, order.MakerAmount, "49996800")
	assert.Equal(t, order.TakerAmount, "78120000")
}

func TestOrderStateOfUnknownMarket(t *testing.T) {
	env := newTestEnv(t)

	var snap trading.Snapshot
	assert.Equal(t, env.do(t, http.MethodGet, "/api/v1/markets/junk-1/orders", nil, &snap), http.StatusOK)
	assert.Equal(t, snap.State, trading.StateIdle)
	assert.Equal(t, snap.MarketID, "junk-1")

	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/markets/junk-2/orders/dismiss", nil, &snap), http.StatusOK)
	assert.Equal(t, snap.State, trading.StateIdle)

	env.server.mu.Lock()
	n := len(env.server.workflows)
	env.server.mu.Unlock()
	assert.Equal(t, n, 0)
}

func TestWorkflowsAreBounded(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < maxWorkflows; i++ {
		_, created := env.server.workflow(strconv.Itoa(i))
		assert.Assert(t, created)
	}
	_, created := env.server.workflow("one-more")
	assert.Assert(t, created)

	env.server.mu.Lock()
	n := len(env.server.workflows)
	env.server.mu.Unlock()
	assert.Equal(t, n, 1)
}

func TestSubmitOrderErrors(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	code := env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "50", "price": "0.65",
	}, &errResp)
	assert.Equal(t, code, http.StatusConflict)
	assert.Equal(t, errResp.Reason, "client_not_ready")
	assert.Equal(t, errResp.Snapshot.State, trading.StateFailed)

	var snap trading.Snapshot
	assert.Equal(t, env.do(t, http.MethodPost, "/api/v1/markets/253591/orders/dismiss", nil, &snap), http.StatusOK)
	assert.Equal(t, snap.State, trading.StateIdle)
	assert.Equal(t, snap.Amount, "50")

	code = env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "0", "price": "0.65",
	}, &errResp)
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, errResp.Reason, "invalid_amount")

	code = env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "maybe", "action": "buy", "amount": "5",
	}, &errResp)
	assert.Equal(t, code, http.StatusBadRequest)
	assert.Equal(t, errResp.Reason, "invalid_request")

	env.connect(t)
	code = env.do(t, http.MethodPost, "/api/v1/markets/404/orders", map[string]any{
		"side": "no", "action": "sell", "amount": "5", "price": "0.4",
	}, &errResp)
	assert.Equal(t, code, http.StatusNotFound)
	assert.Equal(t, errResp.Reason, "market_not_found")
	_, kept := env.server.existingWorkflow("404")
	assert.Check(t, !kept)

	env.exchange.mu.Lock()
	assert.Equal(t, len(env.exchange.posted), 0)
	env.exchange.mu.Unlock()
}

func TestWebsocketPushesSessionAndWorkflow(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
	assert.NilError(t, err)
	defer conn.Close()

	assert.NilError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{WorkflowChannel("253591")}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSMessage
	assert.NilError(t, conn.ReadJSON(&ack))
	assert.Equal(t, ack.Type, "subscribed")

	env.do(t, http.MethodPost, "/api/v1/markets/253591/orders", map[string]any{
		"side": "yes", "action": "buy", "amount": "0", "price": "0.65",
	}, nil)

	var msg WSMessage
	assert.NilError(t, conn.ReadJSON(&msg))
	assert.Equal(t, msg.Type, "workflow")
	assert.Equal(t, msg.Channel, WorkflowChannel("253591"))

	env.connect(t)
	for {
		var msg WSMessage
		assert.NilError(t, conn.ReadJSON(&msg))
		if msg.Type == "session" {
			assert.Equal(t, msg.Channel, SessionChannel)
			break
		}
	}
}

func TestWebsocketRejectsUnknownOrigin(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	assert.Assert(t, err != nil)
	assert.Equal(t, resp.StatusCode, http.StatusForbidden)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/v1/session", nil)
	assert.NilError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "http://localhost:3000")
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Credentials"), "true")
}

func TestCORSCredentialsNeedExplicitOrigins(t *testing.T) {
	preflight := func(h http.Handler) http.Header {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/session", nil)
		req.Header.Set("Origin", "http://evil.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Header()
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := trading.NewSession(trading.NewFactory(&stubExchange{}, trading.FactoryConfig{ChainID: 137}, log), log)
	deps := Deps{Session: session, Resolver: trading.NewResolver(gamma.New("http://127.0.0.1:0", time.Second), log)}

	open := NewServer(Config{}, deps, log)
	assert.Equal(t, preflight(open.Handler()).Get("Access-Control-Allow-Credentials"), "")

	wildcard := NewServer(Config{AllowedOrigins: []string{"*"}}, deps, log)
	assert.Equal(t, preflight(wildcard.Handler()).Get("Access-Control-Allow-Credentials"), "")

	env := newTestEnv(t)
	h := preflight(env.server.Handler())
	assert.Equal(t, h.Get("Access-Control-Allow-Origin"), "")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	assert.NilError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(body), "fennac_websocket_clients"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{trading.ErrInvalidAmount, http.StatusBadRequest},
		{trading.ErrTokenMissing, http.StatusBadRequest},
		{trading.ErrClientNotReady, http.StatusConflict},
		{trading.ErrSubmissionInProgress, http.StatusConflict},
		{trading.ErrMarketNotFound, http.StatusNotFound},
		{&trading.SubmissionError{Err: errors.New("not enough balance")}, http.StatusBadGateway},
		{trading.ErrCredentialDerivation, http.StatusBadGateway},
		{trading.ErrMissingCredential, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, statusFor(tt.err), tt.want, tt.err.Error())
	}
}
