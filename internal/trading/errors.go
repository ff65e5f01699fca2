package trading

import "errors"

var (
	ErrInvalidAmount        = errors.New("amount must be a positive number")
	ErrInvalidPrice         = errors.New("price must be between 0 and 1")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrClientNotReady       = errors.New("trading client is not ready")
	ErrTokenMissing         = errors.New("token id for the selected side is unavailable")
	ErrMarketNotFound       = errors.New("market not found")
	ErrNotConnected         = errors.New("wallet is not connected")
	ErrNoAccount            = errors.New("no account found in wallet")
	ErrMissingCredential    = errors.New("signing key is not configured")
	ErrCredentialDerivation = errors.New("couldn't create or derive api credentials")
	ErrWrongChain           = errors.New("wallet is connected to an unsupported chain")
	ErrSuperseded           = errors.New("initialization superseded by a newer request")
	ErrSubmissionInProgress = errors.New("an order submission is already in progress")
)

// SubmissionError is a failure reported by the order-book submission call.
// Its message is the underlying message, unchanged.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Reason maps err to a stable snake_case code.
func Reason(err error) string {
	var subErr *SubmissionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrClientNotReady):
		return "client_not_ready"
	case errors.Is(err, ErrTokenMissing):
		return "token_missing"
	case errors.As(err, &subErr):
		return "submission_error"
	case errors.Is(err, ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrNoAccount):
		return "no_account"
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrCredentialDerivation):
		return "credential_derivation"
	case errors.Is(err, ErrWrongChain):
		return "wrong_chain"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrSubmissionInProgress):
		return "submission_in_progress"
	}
	return "internal"
}
