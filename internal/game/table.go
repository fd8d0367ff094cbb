package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pigeon/internal/ledger"
	"pigeon/internal/metrics"
)

const (
	TICK_INTERVAL = 100 * time.Millisecond
	BETTING_TIME  = 5 * time.Second
	GROWTH_RATE   = 0.06
	LEASE_GRACE   = 30 * time.Second
)

type CrashConfig struct {
	Countdown            time.Duration
	TickInterval         time.Duration
	GrowthRate           float64
	HouseEdge            float64
	LateBetMaxMultiplier float64
	LeaseGrace           time.Duration
	MinStake             decimal.Decimal
	MaxStake             decimal.Decimal
	DefaultCurrency      string
}

func DefaultCrashConfig() CrashConfig {
	return CrashConfig{
		Countdown:            BETTING_TIME,
		TickInterval:         TICK_INTERVAL,
		GrowthRate:           GROWTH_RATE,
		HouseEdge:            HOUSE_EDGE,
		LateBetMaxMultiplier: MIN_MULTIPLIER,
		LeaseGrace:           LEASE_GRACE,
		MinStake:             decimal.NewFromInt(1),
		MaxStake:             decimal.NewFromInt(10000),
		DefaultCurrency:      "USD",
	}
}

// Deps are the collaborators shared by every table and the single-shot
// resolver. Lock, Snapshots and Hub may be nil.
type Deps struct {
	Store     Store
	Ledger    ledger.Ledger
	Generator OutcomeGenerator
	Hub       Broadcaster
	Lock      TableLock
	Snapshots SnapshotPublisher
	Clock     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Hub == nil {
		d.Hub = noopBroadcaster{}
	}
	if d.Lock == nil {
		d.Lock = noopLock{}
	}
	if d.Snapshots == nil {
		d.Snapshots = noopSnapshots{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Generator == nil {
		d.Generator = NewFairGenerator(nil)
	}
	return d
}

// roundGate admits bets into one round. Finalize closes it under the write
// lock, so every bet that got in is visible to the settlement pass.
type roundGate struct {
	mu     sync.RWMutex
	closed bool
}

// Table runs crash rounds for one table id, one live round at a time.
//
// The round's timeline is fixed at creation: StartsAt = CreatedAt+Countdown
// and the crash instant follows from the committed crash point. Ticks only
// persist transitions, run auto cash-outs and publish events; every request
// recomputes the state from the clock itself.
type Table struct {
	id         string
	cfg        CrashConfig
	deps       Deps
	settlement *Settlement

	mu         sync.Mutex
	current    *Round
	gate       *roundGate
	leaseToken string
	autos      map[string]*Bet

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewTable(ctx context.Context, id string, cfg CrashConfig, deps Deps, settlement *Settlement) *Table {
	deps = deps.withDefaults()
	return &Table{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		settlement: settlement,
		autos:      make(map[string]*Bet),
		runCtx:     ctx,
	}
}

func (t *Table) ID() string { return t.id }

// Current returns a copy of the live round, or nil when idle.
func (t *Table) Current() *Round {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	r := *t.current
	return &r
}

func (t *Table) Snapshot() RoundView {
	round := t.Current()
	if round == nil {
		return RoundView{TableID: t.id, State: RoundIdle, Multiplier: MIN_MULTIPLIER}
	}
	return round.View(t.deps.Clock())
}

// StartRound returns the live round, opening one if the table is idle. The
// bool reports whether a new round was opened.
func (t *Table) StartRound(ctx context.Context) (*Round, bool, error) {
	round, _, created, err := t.live(ctx)
	if err != nil {
		return nil, false, err
	}
	return round, created, nil
}

func (t *Table) live(ctx context.Context) (*Round, *roundGate, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t.mu.Lock()
		cur := t.current
		if cur == nil {
			round, err := t.openLocked(ctx)
			gate := t.gate
			t.mu.Unlock()
			if err != nil {
				return nil, nil, false, err
			}
			t.afterOpen(round)
			return round, gate, true, nil
		}
		now := t.deps.Clock()
		if cur.StateAt(now) != RoundEnded {
			r, gate := *cur, t.gate
			t.mu.Unlock()
			return &r, gate, false, nil
		}
		roundID := cur.ID
		t.mu.Unlock()

		// the previous round is over but not yet settled
		if _, err := t.Finalize(ctx, roundID); err != nil && !errors.Is(err, ErrRoundNotFound) {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, ErrRoundNotAcceptingBets
}

func (t *Table) openLocked(ctx context.Context) (*Round, error) {
	outcome, err := t.deps.Generator.Commit(GameTypeCrash, OutcomeParams{HouseEdge: t.cfg.HouseEdge})
	if err != nil {
		log.Error().Err(err).Str("table", t.id).Msg("[ROUND] outcome commit failed, not starting")
		return nil, err
	}

	now := t.deps.Clock()
	round := &Round{
		ID:         uuid.NewString(),
		TableID:    t.id,
		State:      RoundStarting,
		CrashPoint: outcome.CrashPoint,
		ServerSeed: outcome.ServerSeed,
		Commitment: outcome.Commitment,
		ClientSeed: outcome.ClientSeed,
		Nonce:      outcome.Nonce,
		GrowthRate: t.cfg.GrowthRate,
		CreatedAt:  now,
		StartsAt:   now.Add(t.cfg.Countdown),
	}

	ttl := round.CrashAt().Sub(now) + t.cfg.LeaseGrace
	token, ok, err := t.deps.Lock.Acquire(ctx, t.id, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire table lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: table %s is running elsewhere", ErrRoundNotAcceptingBets, t.id)
	}

	if err := t.deps.Store.CreateRound(ctx, round); err != nil {
		t.releaseLease(ctx, token)
		return nil, fmt.Errorf("create round: %w", err)
	}

	t.current = round
	t.gate = &roundGate{}
	t.leaseToken = token
	t.autos = make(map[string]*Bet)

	r := *round
	return &r, nil
}

func (t *Table) afterOpen(round *Round) {
	metrics.RecordRound(t.id, "started")
	metrics.ObserveCrashPoint(round.CrashPoint)
	log.Info().Str("table", t.id).Str("round_id", round.ID).Str("commitment", round.Commitment).
		Time("starts_at", round.StartsAt).Msg("[ROUND] starting")

	view := round.View(t.deps.Clock())
	t.deps.Hub.Broadcast(Event{Type: EventRoundStart, Data: view})
	t.publish(view)
	t.startLoop(round.ID)
}

// resume adopts an unsettled round loaded from the store after a restart.
func (t *Table) resume(ctx context.Context, round *Round) error {
	active, err := t.deps.Store.ListActiveBets(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("load active bets: %w", err)
	}

	t.mu.Lock()
	if t.current != nil {
		t.mu.Unlock()
		return fmt.Errorf("table %s already has round %s", t.id, t.current.ID)
	}
	t.current = round
	t.gate = &roundGate{}
	t.autos = make(map[string]*Bet)
	for _, bet := range active {
		if bet.AutoCashout > 0 {
			t.autos[bet.ID] = bet
		}
	}
	t.mu.Unlock()

	log.Info().Str("table", t.id).Str("round_id", round.ID).Int("active_bets", len(active)).Msg("[ROUND] resumed")
	t.startLoop(round.ID)
	return nil
}

func (t *Table) startLoop(roundID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(roundID)
	}()
}

// run ticks the round until it is settled or the table is stopped.
func (t *Table) run(roundID string) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.runCtx.Done():
			return
		case <-ticker.C:
			if done := t.Tick(t.runCtx, roundID); done {
				return
			}
		}
	}
}

// Tick advances roundID to the clock's current time. Auto cash-outs that are
// due run before the crash check, so a threshold below the crash point
// always wins against the crash in the same tick. It reports true once the
// round no longer needs ticking.
func (t *Table) Tick(ctx context.Context, roundID string) bool {
	round := t.Current()
	if round == nil || round.ID != roundID {
		return true
	}
	now := t.deps.Clock()

	if round.State == RoundStarting && !now.Before(round.StartsAt) {
		if discarded := t.discardIfEmpty(ctx, round); discarded {
			return true
		}
		if _, err := t.deps.Store.UpdateRoundState(ctx, round.ID, RoundStarting, RoundRunning, round.StartsAt); err != nil {
			log.Warn().Err(err).Str("round_id", round.ID).Msg("[ROUND] persist running state")
		} else {
			t.setState(round.ID, RoundRunning)
			metrics.RecordRound(t.id, "running")
			t.deps.Hub.Broadcast(Event{Type: EventRoundRunning, Data: round.View(now)})
		}
	}

	if now.Before(round.StartsAt) {
		t.publish(round.View(now))
		return false
	}

	t.runAutoCashouts(ctx, round, now)

	if !round.Crashed(now) {
		t.deps.Hub.Broadcast(Event{Type: EventTick, Data: TickMessage{
			RoundID:    round.ID,
			TableID:    t.id,
			Multiplier: round.MultiplierAt(now),
		}})
		t.publish(round.View(now))
		return false
	}

	metrics.RecordRound(t.id, "crashed")
	log.Info().Str("table", t.id).Str("round_id", round.ID).Float64("crash_point", round.CrashPoint).Msg("[ROUND] crashed")
	t.deps.Hub.Broadcast(Event{Type: EventCrash, Data: round.View(now)})

	if _, err := t.Finalize(ctx, round.ID); err != nil {
		log.Error().Err(err).Str("round_id", round.ID).Msg("[ROUND] finalize after crash failed, sweeper will retry")
		return false
	}
	return true
}

// discardIfEmpty ends a round that reached the end of its countdown without
// bets. Bets arriving meanwhile wait on the gate and then see it closed.
func (t *Table) discardIfEmpty(ctx context.Context, round *Round) bool {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()

	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.closed {
		return false
	}

	bets, err := t.deps.Store.ListBets(ctx, round.ID)
	if err != nil || len(bets) > 0 {
		return false
	}
	gate.closed = true

	now := t.deps.Clock()
	if _, err := t.deps.Store.UpdateRoundState(ctx, round.ID, RoundStarting, RoundEnded, now); err != nil {
		log.Warn().Err(err).Str("round_id", round.ID).Msg("[ROUND] discard failed")
		gate.closed = false
		return false
	}
	if err := t.deps.Store.MarkRoundSettled(ctx, round.ID, now); err != nil {
		log.Warn().Err(err).Str("round_id", round.ID).Msg("[ROUND] mark discarded round settled")
	}

	t.clear(ctx, round.ID)
	metrics.RecordRound(t.id, "discarded")
	log.Info().Str("table", t.id).Str("round_id", round.ID).Msg("[ROUND] discarded, no bets")
	t.deps.Hub.Broadcast(Event{Type: EventRoundDiscarded, Data: RoundSettledMessage{RoundID: round.ID, TableID: t.id}})
	t.publish(t.Snapshot())
	return true
}

func (t *Table) runAutoCashouts(ctx context.Context, round *Round, now time.Time) {
	raw := round.rawMultiplier(now)

	t.mu.Lock()
	due := make([]*Bet, 0)
	for id, bet := range t.autos {
		if bet.AutoCashout >= round.CrashPoint {
			delete(t.autos, id)
			continue
		}
		if raw >= bet.AutoCashout {
			due = append(due, bet)
			delete(t.autos, id)
		}
	}
	t.mu.Unlock()

	for _, bet := range due {
		payout := Payout(bet.Stake, bet.AutoCashout)
		_, err := t.settlement.Settle(ctx, bet, Resolution{
			Outcome:       OutcomeWon,
			Multiplier:    bet.AutoCashout,
			SettledAmount: payout,
			Detail:        "auto_cashout",
			At:            now,
		})
		switch {
		case errors.Is(err, ErrBetNotActive):
			metrics.RecordCashout(true, "not_active")
			continue
		case err != nil:
			metrics.RecordCashout(true, "error")
			log.Error().Err(err).Str("bet_id", bet.ID).Msg("[CASHOUT] auto cash-out failed")
			continue
		}

		metrics.RecordCashout(true, "success")
		log.Info().Str("round_id", round.ID).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
			Float64("multiplier", bet.AutoCashout).Str("payout", payout.String()).Msg("[CASHOUT] auto")
		t.deps.Hub.Broadcast(Event{Type: EventCashout, Data: CashoutMessage{
			RoundID:    round.ID,
			UserID:     bet.UserID,
			BetID:      bet.ID,
			Multiplier: bet.AutoCashout,
			Payout:     payout,
			Auto:       true,
		}})
	}
}

// PlaceBet debits the stake and registers the bet in the live round, opening
// a round when the table is idle. The debit and the insert succeed together
// or the stake is refunded.
func (t *Table) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResponse, error) {
	if err := t.validateBet(&req); err != nil {
		metrics.RecordBet(string(GameTypeCrash), "invalid")
		return nil, err
	}

	round, gate, _, err := t.live(ctx)
	if err != nil {
		return nil, err
	}

	gate.mu.RLock()
	defer gate.mu.RUnlock()
	if gate.closed {
		metrics.RecordRaceLoss("bet_after_close")
		return nil, ErrRoundNotAcceptingBets
	}

	now := t.deps.Clock()
	switch round.StateAt(now) {
	case RoundStarting:
	case RoundRunning:
		if round.rawMultiplier(now) > t.cfg.LateBetMaxMultiplier {
			metrics.RecordRaceLoss("late_bet")
			return nil, ErrRoundNotAcceptingBets
		}
	default:
		metrics.RecordRaceLoss("bet_after_crash")
		return nil, ErrRoundNotAcceptingBets
	}

	bet := &Bet{
		ID:            uuid.NewString(),
		RoundID:       round.ID,
		Game:          GameTypeCrash,
		UserID:        req.UserID,
		Currency:      req.Currency,
		Stake:         req.Stake,
		AutoCashout:   req.AutoCashout,
		Status:        BetActive,
		Outcome:       OutcomePending,
		SettledAmount: decimal.Zero,
		CreatedAt:     now,
	}
	balance, err := placeStake(ctx, t.deps, bet)
	if err != nil {
		return nil, err
	}

	if bet.AutoCashout > 0 {
		t.mu.Lock()
		if t.current != nil && t.current.ID == round.ID {
			t.autos[bet.ID] = bet
		}
		t.mu.Unlock()
	}

	metrics.RecordBet(string(GameTypeCrash), "success")
	log.Info().Str("round_id", round.ID).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
		Str("stake", bet.Stake.String()).Float64("auto", bet.AutoCashout).Msg("[BET] placed")
	t.deps.Hub.Broadcast(Event{Type: EventBetPlaced, Data: BetPlacedMessage{
		RoundID: round.ID,
		UserID:  bet.UserID,
		BetID:   bet.ID,
		Stake:   bet.Stake,
	}})

	return &PlaceBetResponse{BetID: bet.ID, RoundID: round.ID, Balance: balance}, nil
}

func (t *Table) validateBet(req *PlaceBetRequest) error {
	if req.UserID == "" {
		return invalid("user_id", "user is required")
	}
	if req.Currency == "" {
		req.Currency = t.cfg.DefaultCurrency
	}
	if err := validateStake(req.Stake, t.cfg.MinStake, t.cfg.MaxStake); err != nil {
		return err
	}
	if a := req.AutoCashout; a != 0 {
		if math.IsNaN(a) || a <= MIN_MULTIPLIER || a > MAX_MULTIPLIER {
			return invalid("auto_threshold", "must be above %.2f and at most %.2f", MIN_MULTIPLIER, MAX_MULTIPLIER)
		}
		if math.Abs(a*100-math.Round(a*100)) > 1e-6 {
			return invalid("auto_threshold", "at most 2 decimal places")
		}
		req.AutoCashout = math.Round(a*100) / 100
	}
	return nil
}

// CashOut pays bet at the multiplier recomputed from the server clock. Once
// the crash instant has passed the request loses, whether or not a tick or
// finalize has run yet.
func (t *Table) CashOut(ctx context.Context, bet *Bet) (*CashoutResponse, error) {
	round := t.Current()
	if round == nil || round.ID != bet.RoundID {
		stored, err := t.deps.Store.GetRound(ctx, bet.RoundID)
		if err != nil {
			return nil, err
		}
		round = stored
	}

	resp, err := cashOut(ctx, t.deps, t.settlement, round, bet)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	delete(t.autos, bet.ID)
	t.mu.Unlock()
	return resp, nil
}

func cashOut(ctx context.Context, deps Deps, settlement *Settlement, round *Round, bet *Bet) (*CashoutResponse, error) {
	// the clock decides before the bet's stored status, so a late request
	// fails the same way whether or not finalize already ran
	now := deps.Clock()
	switch round.StateAt(now) {
	case RoundStarting:
		metrics.RecordCashout(false, "not_running")
		return nil, ErrRoundNotRunning
	case RoundEnded:
		metrics.RecordCashout(false, "too_late")
		metrics.RecordRaceLoss("cashout_after_crash")
		return nil, ErrRoundAlreadyEnded
	}
	if bet.Status != BetActive {
		metrics.RecordCashout(false, "not_active")
		return nil, ErrBetNotActive
	}

	multiplier := round.MultiplierAt(now)
	detail, auto := "cashout", false
	// a threshold crossed since the last tick already took the bet out
	if bet.AutoCashout > 0 && bet.AutoCashout < round.CrashPoint && round.rawMultiplier(now) >= bet.AutoCashout {
		multiplier = bet.AutoCashout
		detail, auto = "auto_cashout", true
	}
	payout := Payout(bet.Stake, multiplier)
	balance, err := settlement.Settle(ctx, bet, Resolution{
		Outcome:       OutcomeWon,
		Multiplier:    multiplier,
		SettledAmount: payout,
		Detail:        detail,
		At:            now,
	})
	if err != nil {
		if errors.Is(err, ErrBetNotActive) {
			metrics.RecordCashout(auto, "not_active")
			metrics.RecordRaceLoss("cashout_after_resolve")
		}
		return nil, err
	}

	metrics.RecordCashout(auto, "success")
	log.Info().Str("round_id", round.ID).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
		Float64("multiplier", multiplier).Str("payout", payout.String()).Bool("auto", auto).Msg("[CASHOUT] manual")
	deps.Hub.Broadcast(Event{Type: EventCashout, Data: CashoutMessage{
		RoundID:    round.ID,
		UserID:     bet.UserID,
		BetID:      bet.ID,
		Multiplier: multiplier,
		Payout:     payout,
		Auto:       auto,
	}})

	return &CashoutResponse{BetID: bet.ID, Multiplier: multiplier, Payout: payout, Balance: balance}, nil
}

// Finalize closes admission to roundID and settles it. It fails with
// ErrRoundNotEnded while the round is still live.
func (t *Table) Finalize(ctx context.Context, roundID string) (int, error) {
	t.mu.Lock()
	var round *Round
	var gate *roundGate
	if t.current != nil && t.current.ID == roundID {
		r := *t.current
		round, gate = &r, t.gate
	}
	t.mu.Unlock()

	if round == nil {
		stored, err := t.deps.Store.GetRound(ctx, roundID)
		if err != nil {
			return 0, err
		}
		round = stored
	}
	if round.StateAt(t.deps.Clock()) != RoundEnded {
		return 0, ErrRoundNotEnded
	}

	if gate != nil {
		gate.mu.Lock()
		gate.closed = true
		gate.mu.Unlock()
	}

	count, err := t.settlement.Finalize(ctx, round)
	if err != nil {
		return 0, err
	}

	if t.clear(ctx, roundID) {
		metrics.RecordRound(t.id, "settled")
		t.deps.Hub.Broadcast(Event{Type: EventRoundSettled, Data: RoundSettledMessage{
			RoundID:       roundID,
			TableID:       t.id,
			ResolvedCount: count,
		}})
		t.publish(t.Snapshot())
	}
	return count, nil
}

// clear returns the table to idle if roundID is still its live round.
func (t *Table) clear(ctx context.Context, roundID string) bool {
	t.mu.Lock()
	if t.current == nil || t.current.ID != roundID {
		t.mu.Unlock()
		return false
	}
	token := t.leaseToken
	t.current = nil
	t.gate = nil
	t.leaseToken = ""
	t.autos = make(map[string]*Bet)
	t.mu.Unlock()

	t.releaseLease(ctx, token)
	return true
}

func (t *Table) setState(roundID string, state RoundState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.ID == roundID {
		t.current.State = state
	}
}

func (t *Table) releaseLease(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := t.deps.Lock.Release(ctx, t.id, token); err != nil {
		log.Warn().Err(err).Str("table", t.id).Msg("[ROUND] release table lease")
	}
}

func (t *Table) publish(view RoundView) {
	if err := t.deps.Snapshots.PublishRound(t.runCtx, view); err != nil {
		log.Debug().Err(err).Str("table", t.id).Msg("[ROUND] publish snapshot")
	}
}

// Wait blocks until the table's round loop has exited.
func (t *Table) Wait() {
	t.wg.Wait()
}

func validateStake(stake, min, max decimal.Decimal) error {
	if !stake.IsPositive() {
		return invalid("stake", "must be positive")
	}
	if !stake.Equal(stake.Truncate(ledger.Scale)) {
		return invalid("stake", "at most %d decimal places", ledger.Scale)
	}
	if stake.LessThan(min) || (max.IsPositive() && stake.GreaterThan(max)) {
		return invalid("stake", "must be between %s and %s", min.StringFixed(ledger.Scale), max.StringFixed(ledger.Scale))
	}
	return nil
}

// placeStake debits the stake under the bet's stake reference and inserts the
// bet. If the insert fails the stake is credited back.
func placeStake(ctx context.Context, deps Deps, bet *Bet) (decimal.Decimal, error) {
	balance, err := deps.Ledger.Debit(ctx, bet.UserID, bet.Currency, bet.Stake, StakeRef(bet.ID))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.RecordBet(string(bet.Game), "insufficient_balance")
			return decimal.Zero, ErrInsufficientBalance
		}
		metrics.RecordLedgerError("debit", "failed")
		return decimal.Zero, fmt.Errorf("debit stake: %w", err)
	}

	if err := deps.Store.InsertBet(ctx, bet); err != nil {
		log.Warn().Err(err).Str("bet_id", bet.ID).Msg("[BET] insert failed, refunding stake")
		if _, rerr := deps.Ledger.Credit(ctx, bet.UserID, bet.Currency, bet.Stake, RefundRef(bet.ID)); rerr != nil {
			metrics.RecordLedgerError("refund", "failed")
			log.Error().Err(rerr).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
				Str("amount", bet.Stake.String()).Msg("[LEDGER] stake refund failed")
		}
		return decimal.Zero, fmt.Errorf("insert bet: %w", err)
	}
	return balance, nil
}
