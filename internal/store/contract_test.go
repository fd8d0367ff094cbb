package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pigeon/internal/game"
	"pigeon/internal/store"
)

// runStoreContract checks the behaviour every game.Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) game.Store) {
	t.Run("Rounds", func(t *testing.T) { testRounds(t, newStore(t)) })
	t.Run("Bets", func(t *testing.T) { testBets(t, newStore(t)) })
	t.Run("ResolveBetOnce", func(t *testing.T) { testResolveBetOnce(t, newStore(t)) })
	t.Run("Hands", func(t *testing.T) { testHands(t, newStore(t)) })
}

var epoch = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newRound(createdAt time.Time) *game.Round {
	return &game.Round{
		ID:         uuid.NewString(),
		TableID:    "main",
		State:      game.RoundStarting,
		CrashPoint: 2.47,
		ServerSeed: "server-seed",
		Commitment: game.HashCommitment("server-seed"),
		ClientSeed: "client-seed",
		Nonce:      7,
		GrowthRate: game.GROWTH_RATE,
		CreatedAt:  createdAt,
		StartsAt:   createdAt.Add(5 * time.Second),
	}
}

func newBet(roundID string, g game.GameType, stake string) *game.Bet {
	return &game.Bet{
		ID:            uuid.NewString(),
		RoundID:       roundID,
		Game:          g,
		UserID:        "alice",
		Currency:      "USD",
		Stake:         decimal.RequireFromString(stake),
		Status:        game.BetActive,
		Outcome:       game.OutcomePending,
		SettledAmount: decimal.Zero,
		CreatedAt:     epoch,
	}
}

func containsRound(rounds []*game.Round, id string) bool {
	for _, r := range rounds {
		if r.ID == id {
			return true
		}
	}
	return false
}

func containsBet(bets []*game.Bet, id string) bool {
	for _, b := range bets {
		if b.ID == id {
			return true
		}
	}
	return false
}

func testRounds(t *testing.T, s game.Store) {
	ctx := context.Background()
	r := newRound(epoch)

	require.NoError(t, s.CreateRound(ctx, r))
	assert.ErrorIs(t, s.CreateRound(ctx, r), store.ErrDuplicateID)

	_, err := s.GetRound(ctx, uuid.NewString())
	assert.ErrorIs(t, err, game.ErrRoundNotFound)

	got, err := s.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.CrashPoint, got.CrashPoint)
	assert.Equal(t, r.Commitment, got.Commitment)
	assert.Equal(t, r.Nonce, got.Nonce)
	assert.True(t, r.StartsAt.Equal(got.StartsAt))
	assert.Nil(t, got.EndedAt)

	ok, err := s.UpdateRoundState(ctx, r.ID, game.RoundStarting, game.RoundRunning, epoch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateRoundState(ctx, r.ID, game.RoundStarting, game.RoundRunning, epoch)
	require.NoError(t, err)
	assert.False(t, ok, "transition from a stale state must not apply")

	endedAt := epoch.Add(20 * time.Second)
	ok, err = s.UpdateRoundState(ctx, r.ID, game.RoundRunning, game.RoundEnded, endedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, game.RoundEnded, got.State)
	require.NotNil(t, got.EndedAt)
	assert.True(t, endedAt.Equal(*got.EndedAt))

	unsettled, err := s.ListUnsettledRounds(ctx)
	require.NoError(t, err)
	assert.True(t, containsRound(unsettled, r.ID))

	settledAt := endedAt.Add(time.Second)
	require.NoError(t, s.MarkRoundSettled(ctx, r.ID, settledAt))
	require.NoError(t, s.MarkRoundSettled(ctx, r.ID, settledAt.Add(time.Hour)))

	got, err = s.GetRound(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SettledAt)
	assert.True(t, settledAt.Equal(*got.SettledAt), "settled_at is written once")

	unsettled, err = s.ListUnsettledRounds(ctx)
	require.NoError(t, err)
	assert.False(t, containsRound(unsettled, r.ID))
}

func testBets(t *testing.T, s game.Store) {
	ctx := context.Background()
	r := newRound(epoch)
	require.NoError(t, s.CreateRound(ctx, r))

	winner := newBet(r.ID, game.GameTypeCrash, "50")
	winner.AutoCashout = 1.5
	loser := newBet(r.ID, game.GameTypeCrash, "100")
	require.NoError(t, s.InsertBet(ctx, winner))
	require.NoError(t, s.InsertBet(ctx, loser))
	assert.ErrorIs(t, s.InsertBet(ctx, winner), store.ErrDuplicateID)

	single := newBet("", game.GameTypeCoinFlip, "10")
	require.NoError(t, s.InsertBet(ctx, single))

	got, err := s.GetBet(ctx, winner.ID)
	require.NoError(t, err)
	assert.True(t, got.Stake.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 1.5, got.AutoCashout)
	assert.Equal(t, game.BetActive, got.Status)

	got, err = s.GetBet(ctx, single.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RoundID)

	_, err = s.GetBet(ctx, uuid.NewString())
	assert.ErrorIs(t, err, game.ErrBetNotFound)

	bets, err := s.ListBets(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, bets, 2)

	resolvedAt := epoch.Add(10 * time.Second)
	ok, err := s.ResolveBet(ctx, winner.ID, game.Resolution{
		Outcome:       game.OutcomeWon,
		Multiplier:    1.5,
		SettledAmount: decimal.RequireFromString("75"),
		Detail:        "auto",
		At:            resolvedAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := s.ListActiveBets(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, loser.ID, active[0].ID)

	count, err := s.CountResolved(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err = s.GetBet(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, game.BetResolved, got.Status)
	assert.Equal(t, game.OutcomeWon, got.Outcome)
	assert.True(t, got.SettledAmount.Equal(decimal.NewFromInt(75)))
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, resolvedAt.Equal(*got.ResolvedAt))
	assert.Nil(t, got.CreditedAt)

	ok, err = s.ResolveBet(ctx, loser.ID, game.Resolution{Outcome: game.OutcomeLost, SettledAmount: decimal.Zero, At: resolvedAt})
	require.NoError(t, err)
	assert.True(t, ok)

	wins, err := s.ListUncreditedWins(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, containsBet(wins, winner.ID))
	assert.False(t, containsBet(wins, loser.ID), "a zero payout needs no credit")

	require.NoError(t, s.MarkCredited(ctx, winner.ID, resolvedAt))
	wins, err = s.ListUncreditedWins(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, containsBet(wins, winner.ID))
}

func testResolveBetOnce(t *testing.T, s game.Store) {
	ctx := context.Background()
	b := newBet("", game.GameTypeDice, "5")
	require.NoError(t, s.InsertBet(ctx, b))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ResolveBet(ctx, b.ID, game.Resolution{
				Outcome:       game.OutcomeWon,
				Multiplier:    float64(i + 2),
				SettledAmount: decimal.NewFromInt(int64(5 * (i + 2))),
				At:            epoch,
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testHands(t *testing.T, s game.Store) {
	ctx := context.Background()
	b := newBet("", game.GameTypeBlackjack, "20")
	require.NoError(t, s.InsertBet(ctx, b))

	h := &game.Hand{
		BetID:      b.ID,
		UserID:     b.UserID,
		Currency:   b.Currency,
		Stake:      b.Stake,
		ServerSeed: "server-seed",
		Commitment: game.HashCommitment("server-seed"),
		ClientSeed: "client-seed",
		Nonce:      3,
		Decks:      6,
		Cursor:     4,
		Player:     []game.Card{"9S", "8D"},
		Dealer:     []game.Card{"7H", "KC"},
		Status:     game.HandPlaying,
		Version:    1,
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
	}
	require.NoError(t, s.CreateHand(ctx, h))
	assert.ErrorIs(t, s.CreateHand(ctx, h), store.ErrDuplicateID)

	_, err := s.GetHand(ctx, uuid.NewString())
	assert.ErrorIs(t, err, game.ErrHandNotFound)

	got, err := s.GetHand(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Player, got.Player)
	assert.Equal(t, h.Dealer, got.Dealer)
	assert.Equal(t, 4, got.Cursor)
	assert.Equal(t, "server-seed", got.ServerSeed)

	open, err := s.ListOpenHands(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, filterHands(open, b.ID), 1)

	open, err = s.ListOpenHands(ctx, epoch)
	require.NoError(t, err)
	assert.Empty(t, filterHands(open, b.ID), "updated_at must be strictly before the cutoff")

	next := *got
	next.Player = append(next.Player, "2S")
	next.Cursor = 5
	next.Version = 2
	next.UpdatedAt = epoch.Add(time.Second)

	ok, err := s.UpdateHand(ctx, &next, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateHand(ctx, &next, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not apply")

	got, err = s.GetHand(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []game.Card{"9S", "8D", "2S"}, got.Player)
	assert.Equal(t, int64(2), got.Version)

	ok, err = s.ResolveBet(ctx, b.ID, game.Resolution{Outcome: game.OutcomeLost, SettledAmount: decimal.Zero, At: epoch})
	require.NoError(t, err)
	require.True(t, ok)

	open, err = s.ListOpenHands(ctx, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, filterHands(open, b.ID), "a resolved bet has no open hand")
}

func filterHands(hands []*game.Hand, betID string) []*game.Hand {
	out := make([]*game.Hand, 0, 1)
	for _, h := range hands {
		if h.BetID == betID {
			out = append(out, h)
		}
	}
	return out
}
