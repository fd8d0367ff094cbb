package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pigeon/internal/metrics"
)

type SingleShotRequest struct {
	Game     GameType        `json:"-"`
	UserID   string          `json:"-"`
	Currency string          `json:"currency"`
	Stake    decimal.Decimal `json:"stake"`
	Choice   string          `json:"choice"`
}

// SingleShotResult reveals the seeds together with the outcome. For a
// blackjack hand still in play the seeds stay hidden and Hand carries the
// visible cards.
type SingleShotResult struct {
	BetID      string                 `json:"bet_id"`
	Game       GameType               `json:"game"`
	Outcome    string                 `json:"outcome"`
	Multiplier float64                `json:"multiplier"`
	Payout     decimal.Decimal        `json:"payout"`
	NewBalance decimal.Decimal        `json:"new_balance"`
	Commitment string                 `json:"commitment"`
	ServerSeed string                 `json:"server_seed,omitempty"`
	ClientSeed string                 `json:"client_seed,omitempty"`
	Nonce      uint64                 `json:"nonce,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Hand       *HandView              `json:"hand,omitempty"`
}

// Resolver plays single-shot games. Each call commits its own outcome, so a
// bet is placed and resolved within one request and there is nothing to race
// against except concurrent actions on the same blackjack hand.
type Resolver struct {
	deps            Deps
	settlement      *Settlement
	factory         *GameFactory
	rules           *BlackjackRules
	decks           int
	minStake        decimal.Decimal
	maxStake        decimal.Decimal
	defaultCurrency string
}

func NewResolver(deps Deps, settlement *Settlement, factory *GameFactory, tables Tables, cfg CrashConfig) *Resolver {
	deps = deps.withDefaults()
	return &Resolver{
		deps:            deps,
		settlement:      settlement,
		factory:         factory,
		rules:           NewBlackjackRules(tables.Blackjack),
		decks:           tables.Blackjack.Decks,
		minStake:        cfg.MinStake,
		maxStake:        cfg.MaxStake,
		defaultCurrency: cfg.DefaultCurrency,
	}
}

func (r *Resolver) Play(ctx context.Context, req SingleShotRequest) (*SingleShotResult, error) {
	if err := r.validate(&req); err != nil {
		metrics.RecordBet(string(req.Game), "invalid")
		return nil, err
	}
	if req.Game == GameTypeBlackjack {
		return r.Deal(ctx, req)
	}

	engine, ok := r.factory.GetEngine(req.Game)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, req.Game)
	}
	params, err := engine.Prepare(req.Choice)
	if err != nil {
		metrics.RecordBet(string(req.Game), "invalid")
		return nil, err
	}

	// commit before any money moves; a failing entropy source stops here
	outcome, err := r.deps.Generator.Commit(req.Game, params)
	if err != nil {
		return nil, err
	}

	bet := r.newBet(req)
	balance, err := placeStake(ctx, r.deps, bet)
	if err != nil {
		return nil, err
	}
	metrics.RecordBet(string(req.Game), "success")

	result := engine.Resolve(req.Choice, outcome)
	res := Resolution{
		Outcome:       OutcomeLost,
		Multiplier:    result.Multiplier,
		SettledAmount: Payout(bet.Stake, result.Multiplier),
		Detail:        encodeDetail(result.Outcome, result.Detail),
		At:            r.deps.Clock(),
	}
	if res.SettledAmount.IsPositive() {
		res.Outcome = OutcomeWon
	}

	credited, err := r.settlement.Settle(ctx, bet, res)
	if err != nil {
		r.refundUnresolved(ctx, bet, err)
		return nil, err
	}
	if res.SettledAmount.IsPositive() {
		balance = credited
	}

	log.Info().Str("game", string(req.Game)).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
		Str("outcome", result.Outcome).Float64("multiplier", result.Multiplier).
		Str("payout", res.SettledAmount.String()).Msg("[BET] single-shot resolved")

	return &SingleShotResult{
		BetID:      bet.ID,
		Game:       req.Game,
		Outcome:    result.Outcome,
		Multiplier: result.Multiplier,
		Payout:     res.SettledAmount,
		NewBalance: balance,
		Commitment: outcome.Commitment,
		ServerSeed: outcome.ServerSeed,
		ClientSeed: outcome.ClientSeed,
		Nonce:      outcome.Nonce,
		Detail:     result.Detail,
	}, nil
}

// Deal opens a blackjack hand on a freshly committed shoe. A natural on
// either side settles the hand immediately.
func (r *Resolver) Deal(ctx context.Context, req SingleShotRequest) (*SingleShotResult, error) {
	outcome, err := r.deps.Generator.Commit(GameTypeBlackjack, OutcomeParams{Decks: r.decks})
	if err != nil {
		return nil, err
	}

	bet := r.newBet(req)
	balance, err := placeStake(ctx, r.deps, bet)
	if err != nil {
		return nil, err
	}
	metrics.RecordBet(string(GameTypeBlackjack), "success")

	now := r.deps.Clock()
	hand := &Hand{
		BetID:      bet.ID,
		UserID:     bet.UserID,
		Currency:   bet.Currency,
		Stake:      bet.Stake,
		ServerSeed: outcome.ServerSeed,
		Commitment: outcome.Commitment,
		ClientSeed: outcome.ClientSeed,
		Nonce:      outcome.Nonce,
		Decks:      r.decks,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.rules.Deal(hand, outcome.Shoe)

	if err := r.deps.Store.CreateHand(ctx, hand); err != nil {
		// the bet stays active; the hand can't be played, so resolve it as a push
		log.Error().Err(err).Str("bet_id", bet.ID).Msg("[BET] create hand failed")
		if _, _, serr := r.settleHand(ctx, bet, &Hand{BetID: bet.ID, Stake: bet.Stake, Status: HandDone, Result: HandResultPush}); serr != nil {
			r.refundUnresolved(ctx, bet, serr)
		}
		return nil, fmt.Errorf("create hand: %w", err)
	}

	log.Info().Str("bet_id", bet.ID).Str("user_id", bet.UserID).Str("commitment", hand.Commitment).Msg("[BET] blackjack dealt")
	return r.handResult(ctx, bet, hand, balance)
}

func (r *Resolver) Hit(ctx context.Context, userID, betID string) (*SingleShotResult, error) {
	return r.act(ctx, userID, betID, r.rules.Hit)
}

func (r *Resolver) Stand(ctx context.Context, userID, betID string) (*SingleShotResult, error) {
	return r.act(ctx, userID, betID, r.rules.Stand)
}

// act applies one player action under the hand's version. Two concurrent
// actions on the same hand cannot both apply; the loser gets ErrHandBusy.
func (r *Resolver) act(ctx context.Context, userID, betID string, action func(*Hand, []Card)) (*SingleShotResult, error) {
	hand, err := r.deps.Store.GetHand(ctx, betID)
	if err != nil {
		return nil, err
	}
	if hand.UserID != userID {
		return nil, ErrHandNotFound
	}
	if hand.Status != HandPlaying {
		return nil, ErrBetNotActive
	}

	shoe, err := r.shoe(hand)
	if err != nil {
		return nil, err
	}

	expected := hand.Version
	action(hand, shoe)
	hand.Version++
	hand.UpdatedAt = r.deps.Clock()

	ok, err := r.deps.Store.UpdateHand(ctx, hand, expected)
	if err != nil {
		return nil, fmt.Errorf("update hand: %w", err)
	}
	if !ok {
		metrics.RecordRaceLoss("hand_busy")
		return nil, ErrHandBusy
	}

	bet, err := r.deps.Store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	balance, err := r.deps.Ledger.Balance(ctx, bet.UserID, bet.Currency)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return r.handResult(ctx, bet, hand, balance)
}

// ExpireHands stands every hand left in play since before cutoff and settles
// finished hands whose bet is still active, so an abandoned hand still
// settles.
func (r *Resolver) ExpireHands(ctx context.Context, cutoff time.Time) (int, error) {
	hands, err := r.deps.Store.ListOpenHands(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list open hands: %w", err)
	}

	expired := 0
	for _, hand := range hands {
		if hand.Status == HandDone {
			// finished, but the settlement did not go through
			bet, err := r.deps.Store.GetBet(ctx, hand.BetID)
			if err != nil {
				continue
			}
			if _, _, err := r.settleHand(ctx, bet, hand); err == nil {
				expired++
			}
			continue
		}
		if _, err := r.Stand(ctx, hand.UserID, hand.BetID); err != nil {
			if !errors.Is(err, ErrHandBusy) && !errors.Is(err, ErrBetNotActive) {
				log.Warn().Err(err).Str("bet_id", hand.BetID).Msg("[SWEEP] auto-stand failed")
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (r *Resolver) handResult(ctx context.Context, bet *Bet, hand *Hand, balance decimal.Decimal) (*SingleShotResult, error) {
	result := &SingleShotResult{
		BetID:      bet.ID,
		Game:       GameTypeBlackjack,
		Outcome:    string(HandPlaying),
		NewBalance: balance,
		Commitment: hand.Commitment,
	}

	if hand.Status == HandDone {
		payout, credited, err := r.settleHand(ctx, bet, hand)
		if err != nil {
			return nil, err
		}
		if payout.IsPositive() {
			result.NewBalance = credited
		}
		result.Outcome = string(hand.Result)
		result.Multiplier = r.rules.Multiplier(hand.Result)
		result.Payout = payout
		result.ServerSeed = hand.ServerSeed
		result.ClientSeed = hand.ClientSeed
		result.Nonce = hand.Nonce
	}

	view := hand.View()
	result.Hand = &view
	return result, nil
}

func (r *Resolver) settleHand(ctx context.Context, bet *Bet, hand *Hand) (decimal.Decimal, decimal.Decimal, error) {
	multiplier := r.rules.Multiplier(hand.Result)
	res := Resolution{
		Outcome:       OutcomeLost,
		Multiplier:    multiplier,
		SettledAmount: Payout(hand.Stake, multiplier),
		Detail:        encodeDetail(string(hand.Result), map[string]interface{}{"player": hand.Player, "dealer": hand.Dealer}),
		At:            r.deps.Clock(),
	}
	if res.SettledAmount.IsPositive() {
		res.Outcome = OutcomeWon
	}

	balance, err := r.settlement.Settle(ctx, bet, res)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	log.Info().Str("bet_id", bet.ID).Str("user_id", bet.UserID).Str("result", string(hand.Result)).
		Str("payout", res.SettledAmount.String()).Msg("[BET] blackjack settled")
	return res.SettledAmount, balance, nil
}

// refundUnresolved returns the stake of a bet that settleErr left ACTIVE.
// Nothing sweeps a single-shot bet without a hand, so the bet is voided here
// first; a void that finds the bet already resolved means the failed write
// landed, and any payout it owes goes through ReconcilePayouts instead.
func (r *Resolver) refundUnresolved(ctx context.Context, bet *Bet, settleErr error) {
	var resolveErr *ResolveError
	if !errors.As(settleErr, &resolveErr) {
		return
	}

	void := Resolution{Outcome: OutcomeRefunded, SettledAmount: decimal.Zero, Detail: "refunded", At: r.deps.Clock()}
	ok, err := r.deps.Store.ResolveBet(ctx, bet.ID, void)
	if err == nil && !ok {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("bet_id", bet.ID).Msg("[BET] void unresolved bet failed")
	}

	if _, err := r.deps.Ledger.Credit(ctx, bet.UserID, bet.Currency, bet.Stake, RefundRef(bet.ID)); err != nil {
		metrics.RecordLedgerError("refund", "failed")
		log.Error().Err(err).Str("bet_id", bet.ID).Str("user_id", bet.UserID).
			Str("amount", bet.Stake.String()).Msg("[LEDGER] stake refund failed")
		return
	}
	log.Warn().Str("bet_id", bet.ID).Str("user_id", bet.UserID).Msg("[BET] unresolved bet refunded")
}

func (r *Resolver) shoe(hand *Hand) ([]Card, error) {
	o, err := DeriveOutcome(GameTypeBlackjack, OutcomeParams{Decks: hand.Decks}, hand.ServerSeed, hand.ClientSeed, hand.Nonce)
	if err != nil {
		return nil, err
	}
	return o.Shoe, nil
}

func (r *Resolver) validate(req *SingleShotRequest) error {
	if req.UserID == "" {
		return invalid("user_id", "user is required")
	}
	req.Game = GameType(strings.ToLower(string(req.Game)))
	if req.Game == GameTypeCrash {
		return invalid("game", "crash is played in rounds")
	}
	if _, ok := r.factory.GetEngine(req.Game); !ok && req.Game != GameTypeBlackjack {
		return fmt.Errorf("%w: %s", ErrUnknownGame, req.Game)
	}
	if req.Currency == "" {
		req.Currency = r.defaultCurrency
	}
	return validateStake(req.Stake, r.minStake, r.maxStake)
}

func (r *Resolver) newBet(req SingleShotRequest) *Bet {
	return &Bet{
		ID:            uuid.NewString(),
		Game:          req.Game,
		UserID:        req.UserID,
		Currency:      req.Currency,
		Stake:         req.Stake,
		Status:        BetActive,
		Outcome:       OutcomePending,
		SettledAmount: decimal.Zero,
		CreatedAt:     r.deps.Clock(),
	}
}

func encodeDetail(outcome string, detail map[string]interface{}) string {
	payload := map[string]interface{}{"outcome": outcome}
	for k, v := range detail {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return outcome
	}
	return string(b)
}
