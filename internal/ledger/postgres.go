package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// Postgres keeps balances in the balances table and journals every mutation in
// ledger_entries. The balance row is changed with a single conditional UPDATE so
// concurrent debits can never drive it below zero.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var after decimal.Decimal
	err = tx.GetContext(ctx, &after, `
		UPDATE balances SET amount = amount - $1, updated_at = now()
		WHERE user_id = $2 AND currency = $3 AND amount >= $1
		RETURNING amount`, amount, userID, currency)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit balance: %w", err)
	}

	if err := insertEntry(ctx, tx, ref, userID, currency, amount.Neg(), after); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit debit: %w", err)
	}
	return after, nil
}

func (p *Postgres) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var after decimal.Decimal
	err = tx.GetContext(ctx, &after, `
		INSERT INTO balances (user_id, currency, amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
		RETURNING amount`, userID, currency, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}

	if err := insertEntry(ctx, tx, ref, userID, currency, amount, after); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit credit: %w", err)
	}
	return after, nil
}

func (p *Postgres) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := p.db.GetContext(ctx, &amount,
		`SELECT amount FROM balances WHERE user_id = $1 AND currency = $2`, userID, currency)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return amount, nil
}

// Entries lists the journal for one user and currency, oldest first.
func (p *Postgres) Entries(ctx context.Context, userID, currency string) ([]Entry, error) {
	entries := []Entry{}
	err := p.db.SelectContext(ctx, &entries, `
		SELECT ref, user_id, currency, amount, balance_after, created_at
		FROM ledger_entries WHERE user_id = $1 AND currency = $2 ORDER BY id`, userID, currency)
	return entries, err
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, ref, userID, currency string, amount, after decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (ref, user_id, currency, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5)`, ref, userID, currency, amount, after)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("journal entry: %w", err)
	}
	return nil
}
