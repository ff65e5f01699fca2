package trading

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"gotest.tools/v3/assert"

	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
	"github.com/aliveevie/fennac-markets/internal/polymarket/gamma"
)

const testChainID = 137

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeExchange records calls. derive, when set, serves the n-th (1-based)
// credential request.
type fakeExchange struct {
	mu          sync.Mutex
	deriveCalls int
	postCalls   int
	posted      []clob.OrderPayload

	derive  func(ctx context.Context, n int) (clob.Credentials, error)
	postErr error
}

func (f *fakeExchange) CreateOrDeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (clob.Credentials, error) {
	f.mu.Lock()
	f.deriveCalls++
	n := f.deriveCalls
	derive := f.derive
	f.mu.Unlock()

	if derive != nil {
		return derive(ctx, n)
	}
	return clob.Credentials{APIKey: "api-key", Secret: "c2VjcmV0", Passphrase: "pass"}, nil
}

func (f *fakeExchange) PostOrder(ctx context.Context, key *ecdsa.PrivateKey, creds clob.Credentials, payload clob.OrderPayload) (*clob.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	f.posted = append(f.posted, payload)
	if f.postErr != nil {
		return nil, f.postErr
	}
	return &clob.OrderResponse{Success: true, OrderID: "0xorder", Status: "live"}, nil
}

func (f *fakeExchange) calls() (derive, post int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deriveCalls, f.postCalls
}

func (f *fakeExchange) lastOrder(t *testing.T) clob.OrderPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Assert(t, len(f.posted) > 0, "no order posted")
	return f.posted[len(f.posted)-1]
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	assert.NilError(t, err)
	return key
}

func walletFor(key *ecdsa.PrivateKey) Wallet {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return Wallet{Address: addr, ChainID: testChainID, Signer: StaticSigner{addr}}
}

func newTestFactory(t *testing.T, ex Exchange, key *ecdsa.PrivateKey) *Factory {
	t.Helper()
	return NewFactory(ex, FactoryConfig{Key: key, ChainID: testChainID}, discardLogger)
}

// marketServer serves gamma markets by id. A missing id answers 404.
type marketServer struct {
	mu      sync.Mutex
	markets map[string]string
	hits    int
}

func newMarketServer(t *testing.T, markets map[string]string) (*marketServer, *gamma.Client) {
	t.Helper()
	ms := &marketServer{markets: markets}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits++
		body, ok := ms.markets[r.URL.Path[len("/markets/"):]]
		ms.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"not found error","error":"id not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return ms, gamma.New(srv.URL, time.Second)
}

func (ms *marketServer) requests() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits
}

const (
	yesToken = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	noToken  = "52114319501245915516055106046884209969926127482827954674443846427813813222426"
)

var testMarkets = map[string]string{
	"253591": `{"id":"253591","question":"Will it rain?","negRisk":true,"orderPriceMinTickSize":0.01,
		"outcomeTokens":[{"outcome":"Yes","tokenId":"` + yesToken + `"},{"outcome":"No","tokenId":"` + noToken + `"}]}`,
	"500": `{"id":"500","question":"Double encoded","outcomes":"[\"Yes\", \"No\"]",
		"clobTokenIds":"[\"` + yesToken + `\", \"` + noToken + `\"]"}`,
	"777": `{"id":"777","question":"Half listed","outcomeTokens":[{"outcome":"Yes","tokenId":"` + yesToken + `"}]}`,
	"888": `{"id":"888","question":"No tokens"}`,
}

var errBoom = errors.New("boom")
