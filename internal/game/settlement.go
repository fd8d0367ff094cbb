package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"pigeon/internal/ledger"
	"pigeon/internal/metrics"
)

func StakeRef(betID string) string  { return "bet:" + betID + ":stake" }
func PayoutRef(betID string) string { return "bet:" + betID + ":payout" }
func RefundRef(betID string) string { return "bet:" + betID + ":refund" }

// Payout is stake × multiplier truncated to ledger precision.
func Payout(stake decimal.Decimal, multiplier float64) decimal.Decimal {
	if multiplier <= 0 {
		return decimal.Zero
	}
	return stake.Mul(decimal.NewFromFloat(multiplier)).Truncate(ledger.Scale)
}

// Settlement turns terminal bet states into ledger credits exactly once.
//
// The terminal state is written first through Store.ResolveBet, which only
// succeeds while the bet is ACTIVE. The credit follows under the bet's unique
// payout reference. A credit that fails after the state was written is left
// for ReconcilePayouts; it is never retried inline.
type Settlement struct {
	store  Store
	ledger ledger.Ledger
	clock  func() time.Time
	group  singleflight.Group
}

func NewSettlement(store Store, l ledger.Ledger, clock func() time.Time) *Settlement {
	if clock == nil {
		clock = time.Now
	}
	return &Settlement{store: store, ledger: l, clock: clock}
}

// Settle resolves bet with res and pays SettledAmount. It returns
// ErrBetNotActive when something else resolved the bet first, and a
// *ResolveError when the terminal state could not be written. The returned
// balance is only meaningful when a credit was made.
func (s *Settlement) Settle(ctx context.Context, bet *Bet, res Resolution) (decimal.Decimal, error) {
	ok, err := s.store.ResolveBet(ctx, bet.ID, res)
	if err != nil {
		return decimal.Zero, &ResolveError{BetID: bet.ID, Err: err}
	}
	if !ok {
		return decimal.Zero, ErrBetNotActive
	}

	bet.Status = BetResolved
	bet.Outcome = res.Outcome
	bet.Multiplier = res.Multiplier
	bet.SettledAmount = res.SettledAmount
	bet.Detail = res.Detail
	at := res.At
	bet.ResolvedAt = &at
	metrics.RecordSettlement(string(bet.Game), string(res.Outcome))

	if !res.SettledAmount.IsPositive() {
		return decimal.Zero, nil
	}
	return s.credit(ctx, bet, false)
}

func (s *Settlement) credit(ctx context.Context, bet *Bet, reconciling bool) (decimal.Decimal, error) {
	balance, err := s.ledger.Credit(ctx, bet.UserID, bet.Currency, bet.SettledAmount, PayoutRef(bet.ID))
	switch {
	case errors.Is(err, ledger.ErrDuplicateReference) && reconciling:
		// an earlier attempt landed but was not marked
		log.Info().Str("bet_id", bet.ID).Msg("[SETTLE] payout already credited")
	case errors.Is(err, ledger.ErrDuplicateReference):
		metrics.RecordLedgerError("credit", "duplicate")
		log.Error().Str("bet_id", bet.ID).Str("user_id", bet.UserID).
			Str("amount", bet.SettledAmount.String()).
			Msg("[SETTLE] payout reference already used for a freshly resolved bet")
		return decimal.Zero, fmt.Errorf("%w: bet %s paid twice", ErrLedgerInvariant, bet.ID)
	case err != nil:
		metrics.RecordLedgerError("credit", "failed")
		log.Warn().Err(err).Str("bet_id", bet.ID).Msg("[SETTLE] payout credit failed, left for reconciliation")
		return decimal.Zero, fmt.Errorf("credit payout for bet %s: %w", bet.ID, err)
	}

	now := s.clock()
	if err := s.store.MarkCredited(ctx, bet.ID, now); err != nil {
		log.Warn().Err(err).Str("bet_id", bet.ID).Msg("[SETTLE] mark credited failed")
	}
	bet.CreditedAt = &now
	return balance, nil
}

// Finalize ends round if its committed crash instant has passed and resolves
// every bet still ACTIVE. Concurrent calls for one round share one pass; any
// later call redoes the conditional writes, which are no-ops by then. The
// result is the number of resolved bets in the round.
func (s *Settlement) Finalize(ctx context.Context, round *Round) (int, error) {
	if round.StateAt(s.clock()) != RoundEnded {
		return 0, ErrRoundNotEnded
	}

	v, err, _ := s.group.Do(round.ID, func() (interface{}, error) {
		return s.finalize(ctx, round)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Settlement) finalize(ctx context.Context, round *Round) (int, error) {
	started := time.Now()
	now := s.clock()
	endedAt := round.CrashAt()
	if endedAt.After(now) {
		endedAt = now
	}

	for _, from := range []RoundState{RoundStarting, RoundRunning} {
		if _, err := s.store.UpdateRoundState(ctx, round.ID, from, RoundEnded, endedAt); err != nil {
			return 0, fmt.Errorf("end round %s: %w", round.ID, err)
		}
	}

	active, err := s.store.ListActiveBets(ctx, round.ID)
	if err != nil {
		return 0, fmt.Errorf("list active bets for round %s: %w", round.ID, err)
	}

	var unresolved, unpaid error
	for _, bet := range active {
		res := Resolution{Outcome: OutcomeLost, SettledAmount: decimal.Zero, Detail: "crashed", At: now}
		// A threshold below the crash point was reached before the crash,
		// even if no tick got to it.
		if bet.AutoCashout > 0 && bet.AutoCashout < round.CrashPoint {
			res = Resolution{
				Outcome:       OutcomeWon,
				Multiplier:    bet.AutoCashout,
				SettledAmount: Payout(bet.Stake, bet.AutoCashout),
				Detail:        "auto_cashout",
				At:            now,
			}
		}

		_, err := s.Settle(ctx, bet, res)
		var resolveErr *ResolveError
		switch {
		case err == nil, errors.Is(err, ErrBetNotActive):
		case errors.Is(err, ErrLedgerInvariant):
			return 0, err
		case errors.As(err, &resolveErr):
			if unresolved == nil {
				unresolved = err
			}
		default:
			// resolved but not paid; reconciliation picks it up
			if unpaid == nil {
				unpaid = err
			}
		}
	}
	if unpaid != nil {
		log.Warn().Err(unpaid).Str("round_id", round.ID).Msg("[SETTLE] some payouts pending")
	}
	// The round stays unsettled while any bet is ACTIVE, so the next tick or
	// sweep runs this pass again.
	if unresolved != nil {
		log.Warn().Err(unresolved).Str("round_id", round.ID).Msg("[SETTLE] some bets left unresolved")
		return 0, fmt.Errorf("finalize round %s: %w", round.ID, unresolved)
	}

	if round.SettledAt == nil {
		if err := s.store.MarkRoundSettled(ctx, round.ID, now); err != nil {
			return 0, fmt.Errorf("mark round %s settled: %w", round.ID, err)
		}
	}

	count, err := s.store.CountResolved(ctx, round.ID)
	if err != nil {
		return 0, fmt.Errorf("count resolved bets for round %s: %w", round.ID, err)
	}

	metrics.ObserveFinalize(started)
	log.Info().Str("round_id", round.ID).Int("resolved", count).Int("swept", len(active)).
		Float64("crash_point", round.CrashPoint).Msg("[SETTLE] round finalized")
	return count, nil
}

// ReconcilePayouts re-drives credits for won bets resolved before cutoff
// whose credit never completed.
func (s *Settlement) ReconcilePayouts(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	bets, err := s.store.ListUncreditedWins(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list uncredited wins: %w", err)
	}

	credited := 0
	for _, bet := range bets {
		if bet.ResolvedAt != nil && bet.ResolvedAt.After(cutoff) {
			continue
		}
		if _, err := s.credit(ctx, bet, true); err != nil {
			continue
		}
		credited++
	}
	if credited > 0 {
		log.Info().Int("credited", credited).Msg("[SETTLE] reconciled payouts")
	}
	return credited, nil
}
