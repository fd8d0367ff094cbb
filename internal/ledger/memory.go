package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	userID   string
	currency string
}

// Memory is an in-process ledger. A single mutex makes every mutation atomic
// with respect to the balance it touches.
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]decimal.Decimal
	refs     map[string]struct{}
	entries  []Entry
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[balanceKey]decimal.Decimal),
		refs:     make(map[string]struct{}),
	}
}

func (m *Memory) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}
	return m.apply(userID, currency, amount.Neg(), ref)
}

func (m *Memory) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}
	return m.apply(userID, currency, amount, ref)
}

func (m *Memory) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{userID, currency}], nil
}

// Entries returns a copy of the journal for one user and currency.
func (m *Memory) Entries(userID, currency string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.UserID == userID && e.Currency == currency {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) apply(userID, currency string, delta decimal.Decimal, ref string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey{userID, currency}
	current := m.balances[key]
	if _, seen := m.refs[ref]; seen {
		return current, ErrDuplicateReference
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return current, ErrInsufficientBalance
	}

	m.balances[key] = next
	m.refs[ref] = struct{}{}
	m.entries = append(m.entries, Entry{
		Ref:          ref,
		UserID:       userID,
		Currency:     currency,
		Amount:       delta,
		BalanceAfter: next,
		CreatedAt:    time.Now(),
	})
	return next, nil
}
