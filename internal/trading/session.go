package trading

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Initializer creates client handles for a wallet. *Factory implements it.
type Initializer interface {
	Initialize(ctx context.Context, w Wallet) (*ClientHandle, error)
}

// SessionStatus is a point-in-time view of the session.
type SessionStatus struct {
	Connected    bool   `json:"connected"`
	Address      string `json:"address,omitempty"`
	ChainID      int64  `json:"chainId,omitempty"`
	Initializing bool   `json:"initializing"`
	Ready        bool   `json:"ready"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Generation   uint64 `json:"generation"`
}

// Session owns the single client handle of the connected wallet.
//
// Every connect, disconnect and reinitialize bumps the generation. An
// initialization only publishes its result if the generation it started
// under is still current, so a slow earlier call can never overwrite the
// result of a later one.
type Session struct {
	init Initializer
	log  *slog.Logger

	mu           sync.Mutex
	generation   uint64
	wallet       *Wallet
	handle       *ClientHandle
	initializing bool
	lastErr      error
	listeners    []func(SessionStatus)
}

func NewSession(init Initializer, log *slog.Logger) *Session {
	return &Session{
		init: init,
		log:  log.With("component", "session"),
	}
}

// OnChange registers fn to be called after every lifecycle change.
func (s *Session) OnChange(fn func(SessionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Connect records w as the connected wallet and initializes a handle for it.
// Connecting the wallet that is already connected keeps the current handle.
func (s *Session) Connect(ctx context.Context, w Wallet) (*ClientHandle, error) {
	s.mu.Lock()
	if s.wallet != nil && s.wallet.Address == w.Address && s.wallet.ChainID == w.ChainID &&
		(s.handle != nil || s.initializing) {
		h := s.handle
		s.mu.Unlock()
		if h == nil {
			return nil, ErrClientNotReady
		}
		return h, nil
	}
	s.wallet = &w
	s.mu.Unlock()

	s.log.Info("wallet connected", "address", w.Address.Hex(), "chain_id", w.ChainID)
	return s.Reinitialize(ctx)
}

// Disconnect drops the wallet and its handle. Pending initializations are discarded.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.generation++
	s.wallet = nil
	s.handle = nil
	s.initializing = false
	s.lastErr = nil
	s.mu.Unlock()

	s.log.Info("wallet disconnected")
	s.notify()
}

// Reinitialize replaces the handle with a freshly initialized one. The
// previous handle stops being served immediately. If a newer request starts
// before this one finishes, this one's result is discarded and ErrSuperseded
// is returned.
func (s *Session) Reinitialize(ctx context.Context) (*ClientHandle, error) {
	s.mu.Lock()
	if s.wallet == nil {
		s.handle = nil
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.generation++
	gen := s.generation
	w := *s.wallet
	s.handle = nil
	s.initializing = true
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()

	h, err := s.init.Initialize(ctx, w)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.log.Debug("discarding stale initialization", "generation", gen)
		return nil, ErrSuperseded
	}
	s.initializing = false
	if err != nil {
		s.handle = nil
		s.lastErr = err
	} else {
		s.handle = h
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("client initialization failed", "error", err)
	}
	s.notify()
	return h, err
}

// Handle returns the ready handle of the connected wallet.
func (s *Session) Handle() (*ClientHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil || s.handle == nil || s.initializing {
		return nil, ErrClientNotReady
	}
	if s.handle.Owner() != s.wallet.Address {
		return nil, ErrClientNotReady
	}
	return s.handle, nil
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() SessionStatus {
	st := SessionStatus{
		Connected:    s.wallet != nil,
		Initializing: s.initializing,
		Generation:   s.generation,
	}
	if s.wallet != nil {
		st.Address = s.wallet.Address.Hex()
		st.ChainID = s.wallet.ChainID
		st.Ready = s.handle != nil && !s.initializing && s.handle.Owner() == s.wallet.Address
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
		st.Reason = Reason(s.lastErr)
	}
	return st
}

func (s *Session) notify() {
	s.mu.Lock()
	st := s.statusLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}
