package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"pigeon/internal/game"
)

const pgUniqueViolation = "23505"

// Postgres implements game.Store on the rounds, bets and hands tables. Bet
// resolution and hand updates are single conditional UPDATEs, so the row
// itself arbitrates concurrent writers.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type roundRow struct {
	ID         string       `db:"id"`
	TableID    string       `db:"table_id"`
	State      string       `db:"state"`
	CrashPoint float64      `db:"crash_point"`
	ServerSeed string       `db:"server_seed"`
	Commitment string       `db:"commitment"`
	ClientSeed string       `db:"client_seed"`
	Nonce      int64        `db:"nonce"`
	GrowthRate float64      `db:"growth_rate"`
	CreatedAt  time.Time    `db:"created_at"`
	StartsAt   time.Time    `db:"starts_at"`
	EndedAt    sql.NullTime `db:"ended_at"`
	SettledAt  sql.NullTime `db:"settled_at"`
}

func (r roundRow) toRound() *game.Round {
	return &game.Round{
		ID:         r.ID,
		TableID:    r.TableID,
		State:      game.RoundState(r.State),
		CrashPoint: r.CrashPoint,
		ServerSeed: r.ServerSeed,
		Commitment: r.Commitment,
		ClientSeed: r.ClientSeed,
		Nonce:      uint64(r.Nonce),
		GrowthRate: r.GrowthRate,
		CreatedAt:  r.CreatedAt,
		StartsAt:   r.StartsAt,
		EndedAt:    nullTime(r.EndedAt),
		SettledAt:  nullTime(r.SettledAt),
	}
}

type betRow struct {
	ID            string          `db:"id"`
	RoundID       sql.NullString  `db:"round_id"`
	Game          string          `db:"game"`
	UserID        string          `db:"user_id"`
	Currency      string          `db:"currency"`
	Stake         decimal.Decimal `db:"stake"`
	AutoCashout   float64         `db:"auto_cashout"`
	Status        string          `db:"status"`
	Outcome       string          `db:"outcome"`
	Multiplier    float64         `db:"multiplier"`
	SettledAmount decimal.Decimal `db:"settled_amount"`
	Detail        string          `db:"detail"`
	CreatedAt     time.Time       `db:"created_at"`
	ResolvedAt    sql.NullTime    `db:"resolved_at"`
	CreditedAt    sql.NullTime    `db:"credited_at"`
}

func (b betRow) toBet() *game.Bet {
	return &game.Bet{
		ID:            b.ID,
		RoundID:       b.RoundID.String,
		Game:          game.GameType(b.Game),
		UserID:        b.UserID,
		Currency:      b.Currency,
		Stake:         b.Stake,
		AutoCashout:   b.AutoCashout,
		Status:        game.BetStatus(b.Status),
		Outcome:       game.BetOutcome(b.Outcome),
		Multiplier:    b.Multiplier,
		SettledAmount: b.SettledAmount,
		Detail:        b.Detail,
		CreatedAt:     b.CreatedAt,
		ResolvedAt:    nullTime(b.ResolvedAt),
		CreditedAt:    nullTime(b.CreditedAt),
	}
}

type handRow struct {
	BetID      string          `db:"bet_id"`
	UserID     string          `db:"user_id"`
	Currency   string          `db:"currency"`
	Stake      decimal.Decimal `db:"stake"`
	ServerSeed string          `db:"server_seed"`
	Commitment string          `db:"commitment"`
	ClientSeed string          `db:"client_seed"`
	Nonce      int64           `db:"nonce"`
	Decks      int             `db:"decks"`
	Cursor     int             `db:"draw_cursor"`
	Player     string          `db:"player"`
	Dealer     string          `db:"dealer"`
	Status     string          `db:"status"`
	Result     string          `db:"result"`
	Version    int64           `db:"version"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func newHandRow(h *game.Hand) handRow {
	return handRow{
		BetID:      h.BetID,
		UserID:     h.UserID,
		Currency:   h.Currency,
		Stake:      h.Stake,
		ServerSeed: h.ServerSeed,
		Commitment: h.Commitment,
		ClientSeed: h.ClientSeed,
		Nonce:      int64(h.Nonce),
		Decks:      h.Decks,
		Cursor:     h.Cursor,
		Player:     joinCards(h.Player),
		Dealer:     joinCards(h.Dealer),
		Status:     string(h.Status),
		Result:     string(h.Result),
		Version:    h.Version,
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
	}
}

func (h handRow) toHand() *game.Hand {
	return &game.Hand{
		BetID:      h.BetID,
		UserID:     h.UserID,
		Currency:   h.Currency,
		Stake:      h.Stake,
		ServerSeed: h.ServerSeed,
		Commitment: h.Commitment,
		ClientSeed: h.ClientSeed,
		Nonce:      uint64(h.Nonce),
		Decks:      h.Decks,
		Cursor:     h.Cursor,
		Player:     splitCards(h.Player),
		Dealer:     splitCards(h.Dealer),
		Status:     game.HandStatus(h.Status),
		Result:     game.HandResult(h.Result),
		Version:    h.Version,
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
	}
}

const (
	roundColumns = `id, table_id, state, crash_point, server_seed, commitment, client_seed,
		nonce, growth_rate, created_at, starts_at, ended_at, settled_at`
	betColumns = `id, round_id, game, user_id, currency, stake, auto_cashout, status, outcome,
		multiplier, settled_amount, detail, created_at, resolved_at, credited_at`
	handColumns = `bet_id, user_id, currency, stake, server_seed, commitment, client_seed, nonce,
		decks, draw_cursor, player, dealer, status, result, version, created_at, updated_at`
)

func (p *Postgres) CreateRound(ctx context.Context, r *game.Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, NULL)`,
		r.ID, r.TableID, string(r.State), r.CrashPoint, r.ServerSeed, r.Commitment, r.ClientSeed,
		int64(r.Nonce), r.GrowthRate, r.CreatedAt, r.StartsAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("round %s: %w", r.ID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (p *Postgres) GetRound(ctx context.Context, id string) (*game.Round, error) {
	var row roundRow
	err := p.db.GetContext(ctx, &row, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	return row.toRound(), nil
}

func (p *Postgres) UpdateRoundState(ctx context.Context, id string, from, to game.RoundState, at time.Time) (bool, error) {
	query := `UPDATE rounds SET state = $1 WHERE id = $2 AND state = $3`
	args := []interface{}{string(to), id, string(from)}
	if to == game.RoundEnded {
		query = `UPDATE rounds SET state = $1, ended_at = $4 WHERE id = $2 AND state = $3`
		args = append(args, at)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update round state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) MarkRoundSettled(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE rounds SET settled_at = $1 WHERE id = $2 AND settled_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark round settled: %w", err)
	}
	return nil
}

func (p *Postgres) ListUnsettledRounds(ctx context.Context) ([]*game.Round, error) {
	var rows []roundRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+roundColumns+` FROM rounds WHERE settled_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list unsettled rounds: %w", err)
	}
	rounds := make([]*game.Round, 0, len(rows))
	for _, row := range rows {
		rounds = append(rounds, row.toRound())
	}
	return rounds, nil
}

func (p *Postgres) InsertBet(ctx context.Context, b *game.Bet) error {
	var roundID sql.NullString
	if b.RoundID != "" {
		roundID = sql.NullString{String: b.RoundID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (`+betColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, NULL)`,
		b.ID, roundID, string(b.Game), b.UserID, b.Currency, b.Stake, b.AutoCashout,
		string(b.Status), string(b.Outcome), b.Multiplier, b.SettledAmount, b.Detail, b.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("bet %s: %w", b.ID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("insert bet: %w", err)
	}
	return nil
}

func (p *Postgres) GetBet(ctx context.Context, id string) (*game.Bet, error) {
	var row betRow
	err := p.db.GetContext(ctx, &row, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrBetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet: %w", err)
	}
	return row.toBet(), nil
}

func (p *Postgres) ListBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return p.selectBets(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY created_at`, roundID)
}

func (p *Postgres) ListActiveBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return p.selectBets(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 AND status = $2 ORDER BY created_at`,
		roundID, string(game.BetActive))
}

func (p *Postgres) selectBets(ctx context.Context, query string, args ...interface{}) ([]*game.Bet, error) {
	var rows []betRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select bets: %w", err)
	}
	bets := make([]*game.Bet, 0, len(rows))
	for _, row := range rows {
		bets = append(bets, row.toBet())
	}
	return bets, nil
}

// ResolveBet only updates an ACTIVE row; zero rows affected means another
// writer resolved the bet first.
func (p *Postgres) ResolveBet(ctx context.Context, id string, res game.Resolution) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status = $1, outcome = $2, multiplier = $3, settled_amount = $4, detail = $5, resolved_at = $6
		WHERE id = $7 AND status = $8`,
		string(game.BetResolved), string(res.Outcome), res.Multiplier, res.SettledAmount, res.Detail, res.At,
		id, string(game.BetActive))
	if err != nil {
		return false, fmt.Errorf("resolve bet: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) MarkCredited(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE bets SET credited_at = $1 WHERE id = $2 AND credited_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark credited: %w", err)
	}
	return nil
}

func (p *Postgres) ListUncreditedWins(ctx context.Context, limit int) ([]*game.Bet, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.selectBets(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE status = $1 AND settled_amount > 0 AND credited_at IS NULL
		ORDER BY created_at LIMIT $2`, string(game.BetResolved), limit)
}

func (p *Postgres) CountResolved(ctx context.Context, roundID string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM bets WHERE round_id = $1 AND status = $2`, roundID, string(game.BetResolved))
	if err != nil {
		return 0, fmt.Errorf("count resolved: %w", err)
	}
	return count, nil
}

func (p *Postgres) CreateHand(ctx context.Context, h *game.Hand) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO hands (`+handColumns+`)
		VALUES (:bet_id, :user_id, :currency, :stake, :server_seed, :commitment, :client_seed, :nonce,
			:decks, :draw_cursor, :player, :dealer, :status, :result, :version, :created_at, :updated_at)`,
		newHandRow(h))
	if isUniqueViolation(err) {
		return fmt.Errorf("hand %s: %w", h.BetID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("insert hand: %w", err)
	}
	return nil
}

func (p *Postgres) GetHand(ctx context.Context, betID string) (*game.Hand, error) {
	var row handRow
	err := p.db.GetContext(ctx, &row, `SELECT `+handColumns+` FROM hands WHERE bet_id = $1`, betID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrHandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hand: %w", err)
	}
	return row.toHand(), nil
}

func (p *Postgres) UpdateHand(ctx context.Context, h *game.Hand, expectedVersion int64) (bool, error) {
	row := newHandRow(h)
	result, err := p.db.ExecContext(ctx, `
		UPDATE hands
		SET draw_cursor = $1, player = $2, dealer = $3, status = $4, result = $5, version = $6, updated_at = $7
		WHERE bet_id = $8 AND version = $9`,
		row.Cursor, row.Player, row.Dealer, row.Status, row.Result, row.Version, row.UpdatedAt,
		row.BetID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update hand: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) ListOpenHands(ctx context.Context, updatedBefore time.Time) ([]*game.Hand, error) {
	var rows []handRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT h.bet_id, h.user_id, h.currency, h.stake, h.server_seed, h.commitment, h.client_seed, h.nonce,
			h.decks, h.draw_cursor, h.player, h.dealer, h.status, h.result, h.version, h.created_at, h.updated_at
		FROM hands h JOIN bets b ON b.id = h.bet_id
		WHERE b.status = $1 AND h.updated_at < $2
		ORDER BY h.updated_at`, string(game.BetActive), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list open hands: %w", err)
	}
	hands := make([]*game.Hand, 0, len(rows))
	for _, row := range rows {
		hands = append(hands, row.toHand())
	}
	return hands, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func joinCards(cards []game.Card) string {
	parts := make([]string, len(cards))
	for i, c := range cards {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCards(s string) []game.Card {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	cards := make([]game.Card, len(parts))
	for i, p := range parts {
		cards[i] = game.Card(p)
	}
	return cards
}
