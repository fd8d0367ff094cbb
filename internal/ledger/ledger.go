// Package ledger holds per-user, per-currency balances. Debit and Credit are the
// only mutation primitives; every mutation is journaled under a caller supplied
// reference that may be applied at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places balances are kept at.
const Scale = 2

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive with at most 2 decimal places")
	ErrDuplicateReference  = errors.New("ledger reference already applied")
)

// Ledger is the balance store shared with the non-game payment flows.
type Ledger interface {
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error)
}

// Entry is one journal line. Amount is signed: debits are negative.
type Entry struct {
	Ref          string          `json:"ref" db:"ref"`
	UserID       string          `json:"user_id" db:"user_id"`
	Currency     string          `json:"currency" db:"currency"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

func validate(userID, currency string, amount decimal.Decimal, ref string) error {
	if userID == "" || currency == "" || ref == "" {
		return fmt.Errorf("%w: user, currency and ref are required", ErrInvalidAmount)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(Scale)) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	return nil
}
