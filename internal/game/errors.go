package game

import (
	"errors"
	"fmt"
)

// Race outcomes. Callers are expected to show these as "missed the window"
// rather than as a retryable failure.
var (
	ErrRoundAlreadyEnded     = errors.New("round already ended")
	ErrBetNotActive          = errors.New("bet is not active")
	ErrRoundNotAcceptingBets = errors.New("round is not accepting bets")
	ErrRoundNotRunning       = errors.New("round is not running yet")
	ErrRoundNotEnded         = errors.New("round has not ended")
	ErrHandBusy              = errors.New("hand was changed by a concurrent action")
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerInvariant     = errors.New("ledger invariant violation")
	ErrEntropyUnavailable  = errors.New("entropy source unavailable")

	ErrRoundNotFound = errors.New("round not found")
	ErrBetNotFound   = errors.New("bet not found")
	ErrHandNotFound  = errors.New("hand not found")
	ErrTableNotFound = errors.New("table not found")
	ErrUnknownGame   = errors.New("unknown game")
)

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRaceLoss reports whether err is an expected race outcome.
func IsRaceLoss(err error) bool {
	return errors.Is(err, ErrRoundAlreadyEnded) ||
		errors.Is(err, ErrBetNotActive) ||
		errors.Is(err, ErrRoundNotAcceptingBets) ||
		errors.Is(err, ErrRoundNotRunning) ||
		errors.Is(err, ErrRoundNotEnded) ||
		errors.Is(err, ErrHandBusy)
}

// ResolveError means a bet's terminal state could not be written. The bet is
// still ACTIVE and nothing was paid for it.
type ResolveError struct {
	BetID string
	Err   error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve bet %s: %v", e.BetID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }
