package game

import (
	"context"
	"time"
)

// Store persists rounds, bets and blackjack hands so that an interrupted
// round can still be finalized after a restart.
//
// ResolveBet and UpdateHand are conditional writes. ResolveBet only touches a
// bet that is still ACTIVE and reports false otherwise; it is the single
// guard against settling a bet twice.
type Store interface {
	CreateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
	// UpdateRoundState moves a round from one state to another and reports
	// false when the round was not in the from state.
	UpdateRoundState(ctx context.Context, id string, from, to RoundState, at time.Time) (bool, error)
	MarkRoundSettled(ctx context.Context, id string, at time.Time) error
	ListUnsettledRounds(ctx context.Context) ([]*Round, error)

	InsertBet(ctx context.Context, b *Bet) error
	GetBet(ctx context.Context, id string) (*Bet, error)
	ListBets(ctx context.Context, roundID string) ([]*Bet, error)
	ListActiveBets(ctx context.Context, roundID string) ([]*Bet, error)
	ResolveBet(ctx context.Context, id string, res Resolution) (bool, error)
	MarkCredited(ctx context.Context, id string, at time.Time) error
	ListUncreditedWins(ctx context.Context, limit int) ([]*Bet, error)
	CountResolved(ctx context.Context, roundID string) (int, error)

	CreateHand(ctx context.Context, h *Hand) error
	GetHand(ctx context.Context, betID string) (*Hand, error)
	UpdateHand(ctx context.Context, h *Hand, expectedVersion int64) (bool, error)
	// ListOpenHands returns hands not updated since updatedBefore whose bet
	// is still ACTIVE.
	ListOpenHands(ctx context.Context, updatedBefore time.Time) ([]*Hand, error)
}

// TableLock keeps two processes from running live rounds for the same table.
type TableLock interface {
	Acquire(ctx context.Context, tableID string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, tableID, token string) error
}

// SnapshotPublisher receives the public view of a table after every change.
type SnapshotPublisher interface {
	PublishRound(ctx context.Context, view RoundView) error
}

// Broadcaster fans events out to connected clients.
type Broadcaster interface {
	Broadcast(event Event)
}

type noopLock struct{}

func (noopLock) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", true, nil
}

func (noopLock) Release(context.Context, string, string) error { return nil }

type noopSnapshots struct{}

func (noopSnapshots) PublishRound(context.Context, RoundView) error { return nil }

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(Event) {}
