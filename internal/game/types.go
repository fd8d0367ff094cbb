package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundState string

const (
	RoundIdle     RoundState = "IDLE"
	RoundStarting RoundState = "STARTING"
	RoundRunning  RoundState = "RUNNING"
	RoundEnded    RoundState = "ENDED"
)

type BetStatus string

const (
	BetActive   BetStatus = "ACTIVE"
	BetResolved BetStatus = "RESOLVED"
)

type BetOutcome string

const (
	OutcomePending  BetOutcome = "PENDING"
	OutcomeWon      BetOutcome = "WON"
	OutcomeLost     BetOutcome = "LOST"
	OutcomeRefunded BetOutcome = "REFUNDED"
)

// Round is one timed crash round. CrashPoint and ServerSeed are the committed
// outcome; they are fixed at creation and never leave the server while the
// round is live.
type Round struct {
	ID         string     `json:"round_id"`
	TableID    string     `json:"table_id"`
	State      RoundState `json:"state"`
	CrashPoint float64    `json:"-"`
	ServerSeed string     `json:"-"`
	Commitment string     `json:"commitment"`
	ClientSeed string     `json:"client_seed"`
	Nonce      uint64     `json:"nonce"`
	GrowthRate float64    `json:"growth_rate"`
	CreatedAt  time.Time  `json:"created_at"`
	StartsAt   time.Time  `json:"starts_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// Bet is a single wager. RoundID is empty for single-shot games.
type Bet struct {
	ID            string          `json:"bet_id"`
	RoundID       string          `json:"round_id,omitempty"`
	Game          GameType        `json:"game"`
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"`
	Stake         decimal.Decimal `json:"stake"`
	AutoCashout   float64         `json:"auto_cashout,omitempty"`
	Status        BetStatus       `json:"status"`
	Outcome       BetOutcome      `json:"outcome"`
	Multiplier    float64         `json:"multiplier,omitempty"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	Detail        string          `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreditedAt    *time.Time      `json:"credited_at,omitempty"`
}

// Resolution is the terminal state written onto an active bet.
type Resolution struct {
	Outcome       BetOutcome
	Multiplier    float64
	SettledAmount decimal.Decimal
	Detail        string
	At            time.Time
}

// RoundView is the public projection of a round. CrashPoint and ServerSeed
// are only filled once the round has ended.
type RoundView struct {
	RoundID     string     `json:"round_id,omitempty"`
	TableID     string     `json:"table_id"`
	State       RoundState `json:"state"`
	Commitment  string     `json:"commitment,omitempty"`
	Multiplier  float64    `json:"multiplier"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	CountdownMs int64      `json:"countdown_ms"`
	CrashPoint  float64    `json:"crash_point,omitempty"`
	ServerSeed  string     `json:"server_seed,omitempty"`
	ClientSeed  string     `json:"client_seed,omitempty"`
	Nonce       uint64     `json:"nonce,omitempty"`
}

type PlaceBetRequest struct {
	TableID     string          `json:"table"`
	UserID      string          `json:"-"`
	Currency    string          `json:"currency"`
	Stake       decimal.Decimal `json:"stake"`
	AutoCashout float64         `json:"auto_threshold,omitempty"`
}

type PlaceBetResponse struct {
	BetID   string          `json:"bet_id"`
	RoundID string          `json:"round_id"`
	Balance decimal.Decimal `json:"balance"`
}

type CashoutResponse struct {
	BetID      string          `json:"bet_id"`
	Multiplier float64         `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Balance    decimal.Decimal `json:"balance"`
}

// Event is pushed to websocket subscribers.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type BetPlacedMessage struct {
	RoundID string          `json:"round_id"`
	UserID  string          `json:"user_id"`
	BetID   string          `json:"bet_id"`
	Stake   decimal.Decimal `json:"stake"`
}

type CashoutMessage struct {
	RoundID    string          `json:"round_id"`
	UserID     string          `json:"user_id"`
	BetID      string          `json:"bet_id"`
	Multiplier float64         `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Auto       bool            `json:"auto"`
}

const (
	EventInitialState   = "initial_state"
	EventRoundStart     = "round_start"
	EventRoundRunning   = "round_running"
	EventTick           = "tick"
	EventBetPlaced      = "bet_placed"
	EventCashout        = "cashout"
	EventCrash          = "crash"
	EventRoundSettled   = "round_settled"
	EventRoundDiscarded = "round_discarded"
)

type TickMessage struct {
	RoundID    string  `json:"round_id"`
	TableID    string  `json:"table_id"`
	Multiplier float64 `json:"multiplier"`
}

type RoundSettledMessage struct {
	RoundID       string `json:"round_id"`
	TableID       string `json:"table_id"`
	ResolvedCount int    `json:"resolved_count"`
}
