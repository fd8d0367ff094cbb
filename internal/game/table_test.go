package game_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pigeon/internal/game"
)

// secondsTo is the time after StartsAt at which the multiplier reaches m.
func secondsTo(m float64) time.Duration {
	return time.Duration(math.Log(m) / game.GROWTH_RATE * float64(time.Second))
}

func TestTable_AutoCashoutAndCrashScenario(t *testing.T) {
	h := newHarness(t, 1.20)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 500)
	h.fund(t, "bob", 100)

	a := h.bet(t, "alice", 100, 0)
	b := h.bet(t, "bob", 50, 1.10)
	if a.RoundID != b.RoundID {
		t.Fatalf("bets landed in different rounds: %s, %s", a.RoundID, b.RoundID)
	}
	mustEqualDecimal(t, "alice balance after bet", a.Balance, "400")
	mustEqualDecimal(t, "bob balance after bet", b.Balance, "50")

	round := table.Current()
	if round == nil {
		t.Fatal("expected a live round")
	}

	h.elapsed(round, 0)
	if done := table.Tick(ctx, round.ID); done {
		t.Fatal("round should keep ticking once running")
	}
	if got := table.Current().State; got != game.RoundRunning {
		t.Fatalf("state = %s, want RUNNING", got)
	}

	h.elapsed(round, secondsTo(1.10)+50*time.Millisecond)
	table.Tick(ctx, round.ID)

	bobBet := h.storedBet(t, b.BetID)
	if bobBet.Status != game.BetResolved || bobBet.Outcome != game.OutcomeWon {
		t.Fatalf("bob bet = %s/%s, want RESOLVED/WON", bobBet.Status, bobBet.Outcome)
	}
	if bobBet.Multiplier != 1.10 {
		t.Errorf("bob multiplier = %v, want 1.10", bobBet.Multiplier)
	}
	mustEqualDecimal(t, "bob payout", bobBet.SettledAmount, "55")
	mustEqualDecimal(t, "bob balance", h.balance(t, "bob"), "105")

	if aliceBet := h.storedBet(t, a.BetID); aliceBet.Status != game.BetActive {
		t.Fatalf("alice bet resolved before the crash: %s", aliceBet.Status)
	}

	h.elapsed(round, secondsTo(1.20)+50*time.Millisecond)
	if done := table.Tick(ctx, round.ID); !done {
		t.Fatal("round should be done after the crash")
	}

	aliceBet := h.storedBet(t, a.BetID)
	if aliceBet.Outcome != game.OutcomeLost {
		t.Errorf("alice outcome = %s, want LOST", aliceBet.Outcome)
	}
	mustEqualDecimal(t, "alice payout", aliceBet.SettledAmount, "0")
	mustEqualDecimal(t, "alice balance", h.balance(t, "alice"), "400")

	if table.Current() != nil {
		t.Error("table should be idle after settlement")
	}
	stored, err := h.store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != game.RoundEnded || stored.SettledAt == nil {
		t.Errorf("stored round = %s settled=%v, want ENDED and settled", stored.State, stored.SettledAt != nil)
	}

	count, err := h.manager.Finalize(ctx, round.ID)
	if err != nil || count != 2 {
		t.Errorf("Finalize() = %d, %v, want 2, nil", count, err)
	}
}

func TestTable_CashoutAfterCrashLosesRegardlessOfFinalize(t *testing.T) {
	h := newHarness(t, 2.00)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	h.fund(t, "bob", 100)
	a := h.bet(t, "alice", 10, 0)
	b := h.bet(t, "bob", 10, 0)
	round := table.Current()

	h.elapsed(round, 0)
	table.Tick(ctx, round.ID)

	// past the crash instant, no tick has observed it yet
	h.elapsed(round, secondsTo(2.00)+100*time.Millisecond)

	if _, err := h.manager.CashOut(ctx, "alice", a.BetID); !errors.Is(err, game.ErrRoundAlreadyEnded) {
		t.Fatalf("CashOut before finalize error = %v, want ErrRoundAlreadyEnded", err)
	}

	if _, err := h.manager.Finalize(ctx, round.ID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if _, err := h.manager.CashOut(ctx, "bob", b.BetID); !errors.Is(err, game.ErrRoundAlreadyEnded) {
		t.Fatalf("CashOut after finalize error = %v, want ErrRoundAlreadyEnded", err)
	}

	for _, id := range []string{a.BetID, b.BetID} {
		if bet := h.storedBet(t, id); bet.Outcome != game.OutcomeLost {
			t.Errorf("bet %s outcome = %s, want LOST", id, bet.Outcome)
		}
	}
	mustEqualDecimal(t, "alice balance", h.balance(t, "alice"), "90")
}

func TestTable_ManualCashoutWhileRunning(t *testing.T) {
	h := newHarness(t, 3.00)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 10, 0)
	round := table.Current()

	if _, err := h.manager.CashOut(ctx, "alice", a.BetID); !errors.Is(err, game.ErrRoundNotRunning) {
		t.Fatalf("CashOut during countdown error = %v, want ErrRoundNotRunning", err)
	}

	h.elapsed(round, secondsTo(1.50)+10*time.Millisecond)
	resp, err := h.manager.CashOut(ctx, "alice", a.BetID)
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if resp.Multiplier != 1.50 {
		t.Errorf("multiplier = %v, want 1.50", resp.Multiplier)
	}
	mustEqualDecimal(t, "payout", resp.Payout, "15")
	mustEqualDecimal(t, "balance", resp.Balance, "105")

	if _, err := h.manager.CashOut(ctx, "alice", a.BetID); !errors.Is(err, game.ErrBetNotActive) {
		t.Errorf("second CashOut error = %v, want ErrBetNotActive", err)
	}
	if _, err := h.manager.CashOut(ctx, "mallory", a.BetID); !errors.Is(err, game.ErrBetNotFound) {
		t.Errorf("CashOut by another user error = %v, want ErrBetNotFound", err)
	}
}

func TestTable_ManualCashoutPastThresholdPaysThreshold(t *testing.T) {
	h := newHarness(t, 3.00)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 10, 1.50)
	round := table.Current()

	// 1.55x, and no tick has run since 1.50x was crossed
	h.elapsed(round, secondsTo(1.55)+10*time.Millisecond)
	resp, err := h.manager.CashOut(ctx, "alice", a.BetID)
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if resp.Multiplier != 1.50 {
		t.Errorf("multiplier = %v, want 1.50", resp.Multiplier)
	}
	mustEqualDecimal(t, "payout", resp.Payout, "15")
	mustEqualDecimal(t, "balance", h.balance(t, "alice"), "105")

	bet := h.storedBet(t, a.BetID)
	if bet.Detail != "auto_cashout" || bet.Multiplier != 1.50 {
		t.Errorf("bet = %q at %v, want auto_cashout at 1.50", bet.Detail, bet.Multiplier)
	}

	// the next tick finds nothing left to pay
	table.Tick(ctx, round.ID)
	mustEqualDecimal(t, "balance after tick", h.balance(t, "alice"), "105")
}

func TestTable_AutoCashoutBeatsCrashInSameTick(t *testing.T) {
	h := newHarness(t, 1.60)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 20, 1.50)
	round := table.Current()

	h.elapsed(round, 0)
	table.Tick(ctx, round.ID)

	// one tick jumps straight past both the threshold and the crash
	h.elapsed(round, secondsTo(1.60)+time.Second)
	table.Tick(ctx, round.ID)

	bet := h.storedBet(t, a.BetID)
	if bet.Outcome != game.OutcomeWon || bet.Multiplier != 1.50 {
		t.Fatalf("bet = %s at %v, want WON at 1.50", bet.Outcome, bet.Multiplier)
	}
	mustEqualDecimal(t, "balance", h.balance(t, "alice"), "110")
}

func TestTable_AutoThresholdAtCrashPointLoses(t *testing.T) {
	h := newHarness(t, 1.50)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 20, 1.50)
	round := table.Current()

	h.elapsed(round, 0)
	table.Tick(ctx, round.ID)
	h.elapsed(round, secondsTo(1.50)+time.Second)
	table.Tick(ctx, round.ID)

	if bet := h.storedBet(t, a.BetID); bet.Outcome != game.OutcomeLost {
		t.Errorf("outcome = %s, want LOST", bet.Outcome)
	}
}

func TestTable_FinalizeHonorsThresholdsNoTickReached(t *testing.T) {
	h := newHarness(t, 5.00)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 10, 2.00)
	round := table.Current()

	// no tick ever runs; the sweeper finds the round after the crash
	h.elapsed(round, secondsTo(5.00)+time.Second)
	n, err := h.manager.FinalizeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("FinalizeExpired() = %d, %v, want 1, nil", n, err)
	}

	bet := h.storedBet(t, a.BetID)
	if bet.Outcome != game.OutcomeWon || bet.Multiplier != 2.00 {
		t.Errorf("bet = %s at %v, want WON at 2.00", bet.Outcome, bet.Multiplier)
	}
	mustEqualDecimal(t, "balance", h.balance(t, "alice"), "110")
}

func TestTable_FinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, 1.30)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	h.fund(t, "bob", 100)
	h.bet(t, "alice", 10, 0)
	h.bet(t, "bob", 10, 1.20)
	round := table.Current()

	if _, err := h.manager.Finalize(ctx, round.ID); !errors.Is(err, game.ErrRoundNotEnded) {
		t.Fatalf("Finalize of live round error = %v, want ErrRoundNotEnded", err)
	}

	h.elapsed(round, secondsTo(1.30)+time.Second)

	var wg sync.WaitGroup
	counts := make([]int, 8)
	errs := make([]error, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], errs[i] = h.manager.Finalize(ctx, round.ID)
		}(i)
	}
	wg.Wait()

	for i := range counts {
		if errs[i] != nil || counts[i] != 2 {
			t.Errorf("call %d: Finalize() = %d, %v, want 2, nil", i, counts[i], errs[i])
		}
	}

	mustEqualDecimal(t, "alice balance", h.balance(t, "alice"), "90")
	mustEqualDecimal(t, "bob balance", h.balance(t, "bob"), "102")
	if entries := h.ledger.Entries("bob", "USD"); len(entries) != 3 {
		t.Errorf("bob ledger entries = %d, want 3 (deposit, stake, payout)", len(entries))
	}
}

func TestTable_EmptyRoundIsDiscarded(t *testing.T) {
	h := newHarness(t, 2.00)
	ctx := context.Background()
	table := h.table(t)

	round, created, err := table.StartRound(ctx)
	if err != nil || !created {
		t.Fatalf("StartRound() = %v, %v", created, err)
	}

	h.elapsed(round, 0)
	if done := table.Tick(ctx, round.ID); !done {
		t.Fatal("empty round should be discarded at the end of the countdown")
	}
	if table.Current() != nil {
		t.Fatal("table should be idle after discard")
	}

	stored, err := h.store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != game.RoundEnded || stored.SettledAt == nil {
		t.Errorf("discarded round = %s settled=%v", stored.State, stored.SettledAt != nil)
	}

	// the next bet opens a fresh round
	h.fund(t, "alice", 10)
	resp := h.bet(t, "alice", 5, 0)
	if resp.RoundID == round.ID {
		t.Error("bet joined the discarded round")
	}
}

func TestTable_LateBetRejected(t *testing.T) {
	h := newHarness(t, 10.00)
	ctx := context.Background()
	table := h.table(t)

	h.fund(t, "alice", 100)
	h.fund(t, "bob", 100)
	h.bet(t, "alice", 10, 0)
	round := table.Current()

	h.elapsed(round, 2*time.Second)
	_, err := h.manager.PlaceBet(ctx, game.PlaceBetRequest{UserID: "bob", Currency: "USD", Stake: decimal.NewFromInt(10)})
	if !errors.Is(err, game.ErrRoundNotAcceptingBets) {
		t.Fatalf("late PlaceBet error = %v, want ErrRoundNotAcceptingBets", err)
	}
	mustEqualDecimal(t, "bob balance", h.balance(t, "bob"), "100")
}

func TestTable_BetValidation(t *testing.T) {
	h := newHarness(t, 2.00)
	ctx := context.Background()
	h.fund(t, "alice", 100)

	tests := []struct {
		name string
		req  game.PlaceBetRequest
	}{
		{"zero stake", game.PlaceBetRequest{UserID: "alice", Stake: decimal.Zero}},
		{"too many decimals", game.PlaceBetRequest{UserID: "alice", Stake: decimal.RequireFromString("1.001")}},
		{"below minimum", game.PlaceBetRequest{UserID: "alice", Stake: decimal.RequireFromString("0.50")}},
		{"above maximum", game.PlaceBetRequest{UserID: "alice", Stake: decimal.NewFromInt(20000)}},
		{"threshold at 1.00", game.PlaceBetRequest{UserID: "alice", Stake: decimal.NewFromInt(1), AutoCashout: 1.00}},
		{"threshold precision", game.PlaceBetRequest{UserID: "alice", Stake: decimal.NewFromInt(1), AutoCashout: 1.555}},
		{"missing user", game.PlaceBetRequest{Stake: decimal.NewFromInt(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.PlaceBet(ctx, tt.req)
			var verr *game.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("PlaceBet() error = %v, want ValidationError", err)
			}
		})
	}
	mustEqualDecimal(t, "balance", h.balance(t, "alice"), "100")

	_, err := h.manager.PlaceBet(ctx, game.PlaceBetRequest{UserID: "alice", Currency: "USD", Stake: decimal.NewFromInt(500)})
	if !errors.Is(err, game.ErrInsufficientBalance) {
		t.Errorf("PlaceBet() error = %v, want ErrInsufficientBalance", err)
	}
}

func TestTable_ConcurrentBetsNeverOverdraw(t *testing.T) {
	h := newHarness(t, 2.00)
	ctx := context.Background()
	h.fund(t, "alice", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.PlaceBet(ctx, game.PlaceBetRequest{UserID: "alice", Currency: "USD", Stake: decimal.NewFromInt(10)})
			if err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			} else if !errors.Is(err, game.ErrInsufficientBalance) {
				t.Errorf("PlaceBet() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if placed != 5 {
		t.Errorf("placed = %d, want 5", placed)
	}
	mustEqualDecimal(t, "balance", h.balance(t, "alice"), "0")
}

func TestTable_BetsRacingFinalizeAreAllSettled(t *testing.T) {
	h := newHarness(t, 1.01)
	ctx := context.Background()
	table := h.table(t)

	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		h.fund(t, u, 100)
	}
	h.bet(t, "u1", 10, 0)
	round := table.Current()
	h.elapsed(round, 0)

	var wg sync.WaitGroup
	for _, u := range []string{"u2", "u3", "u4"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			h.manager.PlaceBet(ctx, game.PlaceBetRequest{UserID: u, Currency: "USD", Stake: decimal.NewFromInt(10)})
		}(u)
	}
	h.elapsed(round, time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.manager.Finalize(ctx, round.ID)
	}()
	wg.Wait()

	if _, err := h.manager.Finalize(ctx, round.ID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	bets, err := h.store.ListBets(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, bet := range bets {
		if bet.Status != game.BetResolved {
			t.Errorf("bet %s left %s after finalize", bet.ID, bet.Status)
		}
	}
}

func TestManager_StartResumesAndFinalizes(t *testing.T) {
	h := newHarness(t, 1.50)
	ctx := context.Background()

	h.fund(t, "alice", 100)
	a := h.bet(t, "alice", 10, 0)
	round := h.table(t).Current()
	h.manager.Stop()

	// a new process with the same store comes up after the crash
	h.elapsed(round, secondsTo(1.50)+time.Minute)
	restarted := game.NewManager([]string{game.DEFAULT_TABLE}, h.cfg, h.deps)
	t.Cleanup(restarted.Stop)
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if bet := h.storedBet(t, a.BetID); bet.Outcome != game.OutcomeLost {
		t.Errorf("outcome = %s, want LOST", bet.Outcome)
	}
	unsettled, err := h.store.ListUnsettledRounds(ctx)
	if err != nil || len(unsettled) != 0 {
		t.Errorf("unsettled rounds = %d, %v", len(unsettled), err)
	}
}

func TestManager_UnknownTable(t *testing.T) {
	h := newHarness(t, 2.00)
	_, err := h.manager.PlaceBet(context.Background(), game.PlaceBetRequest{TableID: "nope", UserID: "alice", Stake: decimal.NewFromInt(1)})
	if !errors.Is(err, game.ErrTableNotFound) {
		t.Errorf("PlaceBet() error = %v, want ErrTableNotFound", err)
	}
}

func TestRound_ViewHidesOutcomeUntilEnded(t *testing.T) {
	h := newHarness(t, 1.80)
	ctx := context.Background()
	table := h.table(t)

	round, _, err := table.StartRound(ctx)
	if err != nil {
		t.Fatal(err)
	}

	view := round.View(h.clock.Now())
	if view.State != game.RoundStarting || view.CrashPoint != 0 || view.ServerSeed != "" {
		t.Errorf("starting view leaks outcome: %+v", view)
	}
	if view.CountdownMs != h.cfg.Countdown.Milliseconds() {
		t.Errorf("countdown = %d, want %d", view.CountdownMs, h.cfg.Countdown.Milliseconds())
	}

	h.elapsed(round, secondsTo(1.80)-100*time.Millisecond)
	view = round.View(h.clock.Now())
	if view.State != game.RoundRunning || view.Multiplier >= 1.80 {
		t.Errorf("running view = %+v", view)
	}

	h.elapsed(round, secondsTo(1.80)+time.Millisecond)
	view = round.View(h.clock.Now())
	if view.State != game.RoundEnded || view.CrashPoint != 1.80 || view.ServerSeed == "" {
		t.Errorf("ended view = %+v", view)
	}
	if game.HashCommitment(view.ServerSeed) != view.Commitment {
		t.Error("revealed seed does not match the commitment")
	}
}
