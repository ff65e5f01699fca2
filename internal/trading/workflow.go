package trading

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aliveevie/fennac-markets/internal/metrics"
)

// State is a step of the order-submission workflow.
type State uint8

const (
	StateIdle State = iota
	StateValidating
	StateAwaitingClient
	StateResolvingMetadata
	StateSubmitting
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateValidating:        "validating",
	StateAwaitingClient:    "awaiting_client",
	StateResolvingMetadata: "resolving_metadata",
	StateSubmitting:        "submitting",
	StateSucceeded:         "succeeded",
	StateFailed:            "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *State) UnmarshalJSON(data []byte) error {
	name, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.New("unsupported state: " + string(data))
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return errors.New("unsupported state: " + string(data))
}

// Ticket is what the user asked to trade.
type Ticket struct {
	MarketID string          `json:"marketId"`
	Side     Side            `json:"side"`
	Action   Action          `json:"action"`
	Amount   string          `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	// Tokens skips metadata resolution when the id for Side is set.
	Tokens TokenPair `json:"tokens"`
	// Params are used when fresh params can't be resolved. Nil means defaults.
	Params *MarketParams `json:"params,omitempty"`
}

// Snapshot is the observable state of a workflow.
type Snapshot struct {
	State        State         `json:"state"`
	MarketID     string        `json:"marketId,omitempty"`
	AttemptID    string        `json:"attemptId,omitempty"`
	Amount       string        `json:"amount"`
	Reason       string        `json:"reason,omitempty"`
	Message      string        `json:"message,omitempty"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// Transition is reported to observers on every state change.
type Transition struct {
	From     State    `json:"from"`
	To       State    `json:"to"`
	Snapshot Snapshot `json:"snapshot"`
}

// ClientSource hands out the ready client handle of the current wallet.
type ClientSource interface {
	Handle() (*ClientHandle, error)
}

type MetadataResolver interface {
	ResolveTokens(ctx context.Context, marketID string) (TokenPair, error)
	ResolveParams(ctx context.Context, marketID string) (MarketParams, error)
	// CachedParams returns the last params resolved for marketID.
	CachedParams(marketID string) (MarketParams, bool)
}

// Workflow runs one order submission at a time for a trading ticket.
type Workflow struct {
	clients  ClientSource
	resolver MetadataResolver
	log      *slog.Logger

	mu        sync.Mutex
	snap      Snapshot
	running   bool
	observers []func(Transition)
}

func NewWorkflow(clients ClientSource, resolver MetadataResolver, log *slog.Logger) *Workflow {
	return &Workflow{
		clients:  clients,
		resolver: resolver,
		log:      log.With("component", "workflow"),
	}
}

// OnTransition registers fn to be called after every state change.
func (w *Workflow) OnTransition(fn func(Transition)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, fn)
}

func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Dismiss acknowledges a finished attempt and returns the workflow to idle.
// The amount of a failed attempt is kept so it can be corrected.
func (w *Workflow) Dismiss() (Snapshot, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return Snapshot{}, ErrSubmissionInProgress
	}
	if w.snap.State == StateIdle {
		snap := w.snap
		w.mu.Unlock()
		return snap, nil
	}
	w.mu.Unlock()

	return w.set(StateIdle, func(s *Snapshot) {
		s.Reason = ""
		s.Message = ""
		s.Confirmation = nil
	}), nil
}

// Submit runs t through the workflow. It returns the final snapshot and, if
// the attempt failed, the error that failed it.
func (w *Workflow) Submit(ctx context.Context, t Ticket) (Snapshot, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return Snapshot{}, ErrSubmissionInProgress
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	start := time.Now()
	attemptID := uuid.NewString()
	log := w.log.With("attempt_id", attemptID, "market_id", t.MarketID)

	w.set(StateIdle, func(s *Snapshot) {
		*s = Snapshot{MarketID: t.MarketID, AttemptID: attemptID, Amount: t.Amount}
	})

	conf, err := w.run(ctx, t)
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := Reason(err)
		metrics.Submissions.WithLabelValues(reason).Inc()
		log.Warn("order submission failed", "reason", reason, "error", err)
		return w.set(StateFailed, func(s *Snapshot) {
			s.Reason = reason
			s.Message = err.Error()
		}), err
	}

	metrics.Submissions.WithLabelValues("succeeded").Inc()
	log.Info("order submitted", "order_id", conf.OrderID, "status", conf.Status)
	return w.set(StateSucceeded, func(s *Snapshot) {
		s.Amount = ""
		s.Confirmation = conf
	}), nil
}

func (w *Workflow) run(ctx context.Context, t Ticket) (*Confirmation, error) {
	w.set(StateValidating, nil)

	amount, err := decimal.NewFromString(strings.TrimSpace(t.Amount))
	if err != nil || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w.set(StateAwaitingClient, nil)

	handle, err := w.clients.Handle()
	if err != nil {
		return nil, err
	}
	if !validPrice(t.Price) {
		return nil, ErrInvalidPrice
	}

	params := w.fallbackParams(t)

	tokenID := t.Tokens.TokenFor(t.Side)
	if tokenID == "" {
		w.set(StateResolvingMetadata, nil)

		pair, err := w.resolver.ResolveTokens(ctx, t.MarketID)
		tokenID = pair.TokenFor(t.Side)
		if tokenID == "" {
			if err == nil || errors.Is(err, ErrTokenMissing) {
				return nil, ErrTokenMissing
			}
			return nil, err
		}

		if fresh, err := w.resolver.ResolveParams(ctx, t.MarketID); err == nil {
			params = fresh
		} else {
			w.log.Warn("using fallback market params", "market_id", t.MarketID, "tick_size", params.TickSize, "error", err)
		}
	}

	// The wallet may have changed while metadata was resolving.
	current, err := w.clients.Handle()
	if err != nil {
		return nil, err
	}
	if current != handle {
		return nil, ErrClientNotReady
	}

	req, err := NewOrderRequest(tokenID, t.Price, t.Action, Shares(amount, t.Price), params)
	if err != nil {
		return nil, err
	}

	w.set(StateSubmitting, nil)

	conf, err := handle.PlaceOrder(ctx, req)
	if errors.Is(err, ErrInvalidOrder) {
		return nil, err
	}
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	return conf, nil
}

// fallbackParams are the params used when fresh ones are not resolved: the
// ticket's own, then the last resolved for the market, then the defaults.
func (w *Workflow) fallbackParams(t Ticket) MarketParams {
	if t.Params != nil {
		return *t.Params
	}
	if params, ok := w.resolver.CachedParams(t.MarketID); ok {
		return params
	}
	return DefaultMarketParams()
}

// set moves the workflow to state, applies update to the snapshot and
// notifies observers.
func (w *Workflow) set(state State, update func(*Snapshot)) Snapshot {
	w.mu.Lock()
	from := w.snap.State
	if update != nil {
		update(&w.snap)
	}
	w.snap.State = state
	snap := w.snap
	observers := slices.Clone(w.observers)
	w.mu.Unlock()

	for _, fn := range observers {
		fn(Transition{From: from, To: state, Snapshot: snap})
	}
	return snap
}
