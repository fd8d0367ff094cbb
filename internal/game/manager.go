package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DEFAULT_TABLE = "main"

// Manager owns one Table per configured table id and routes requests that
// only carry a bet or round id to the table that owns it.
type Manager struct {
	cfg        CrashConfig
	deps       Deps
	settlement *Settlement
	tables     map[string]*Table
	order      []string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewManager(tableIDs []string, cfg CrashConfig, deps Deps) *Manager {
	deps = deps.withDefaults()
	if len(tableIDs) == 0 {
		tableIDs = []string{DEFAULT_TABLE}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		settlement: NewSettlement(deps.Store, deps.Ledger, deps.Clock),
		tables:     make(map[string]*Table, len(tableIDs)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, id := range tableIDs {
		if _, dup := m.tables[id]; dup {
			continue
		}
		m.tables[id] = NewTable(ctx, id, cfg, deps, m.settlement)
		m.order = append(m.order, id)
	}
	return m
}

// Start reloads unsettled rounds. Live rounds resume ticking on their table;
// rounds that ended while the process was down are finalized.
func (m *Manager) Start(ctx context.Context) error {
	rounds, err := m.deps.Store.ListUnsettledRounds(ctx)
	if err != nil {
		return fmt.Errorf("list unsettled rounds: %w", err)
	}

	now := m.deps.Clock()
	for _, round := range rounds {
		table, owned := m.tables[round.TableID]
		if owned && round.StateAt(now) != RoundEnded && table.Current() == nil {
			if err := table.resume(ctx, round); err != nil {
				log.Warn().Err(err).Str("round_id", round.ID).Msg("[ROUND] resume failed")
			}
			continue
		}
		if round.StateAt(now) != RoundEnded {
			// another table set owns it; the sweeper finalizes it once it ends
			continue
		}
		if _, err := m.finalizeRound(ctx, round); err != nil {
			log.Warn().Err(err).Str("round_id", round.ID).Msg("[ROUND] finalize on boot failed")
		}
	}

	log.Info().Strs("tables", m.order).Int("unsettled", len(rounds)).Msg("[ROUND] manager started")
	return nil
}

func (m *Manager) Stop() {
	m.once.Do(func() {
		m.cancel()
		for _, id := range m.order {
			m.tables[id].Wait()
		}
		log.Info().Msg("[ROUND] manager stopped")
	})
}

func (m *Manager) Settlement() *Settlement { return m.settlement }

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.deps.Clock() }

// Table returns the table with id, or the first configured table for "".
func (m *Manager) Table(id string) (*Table, error) {
	if id == "" {
		id = m.order[0]
	}
	table, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	return table, nil
}

func (m *Manager) Snapshots() []RoundView {
	views := make([]RoundView, 0, len(m.order))
	for _, id := range m.order {
		views = append(views, m.tables[id].Snapshot())
	}
	return views
}

func (m *Manager) StartRound(ctx context.Context, tableID string) (*Round, bool, error) {
	table, err := m.Table(tableID)
	if err != nil {
		return nil, false, err
	}
	return table.StartRound(ctx)
}

func (m *Manager) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResponse, error) {
	table, err := m.Table(req.TableID)
	if err != nil {
		return nil, err
	}
	return table.PlaceBet(ctx, req)
}

func (m *Manager) CashOut(ctx context.Context, userID, betID string) (*CashoutResponse, error) {
	bet, err := m.GetBet(ctx, userID, betID)
	if err != nil {
		return nil, err
	}
	if bet.Game != GameTypeCrash || bet.RoundID == "" {
		return nil, invalid("bet_id", "bet %s is not a crash bet", betID)
	}

	round, err := m.deps.Store.GetRound(ctx, bet.RoundID)
	if err != nil {
		return nil, err
	}
	if table, ok := m.tables[round.TableID]; ok {
		return table.CashOut(ctx, bet)
	}
	// the round runs on another instance; the stored timeline is enough
	return cashOut(ctx, m.deps, m.settlement, round, bet)
}

// Finalize is safe to call any number of times for the same round; every
// call returns the number of resolved bets.
func (m *Manager) Finalize(ctx context.Context, roundID string) (int, error) {
	round, err := m.deps.Store.GetRound(ctx, roundID)
	if err != nil {
		return 0, err
	}
	return m.finalizeRound(ctx, round)
}

func (m *Manager) finalizeRound(ctx context.Context, round *Round) (int, error) {
	if table, ok := m.tables[round.TableID]; ok {
		return table.Finalize(ctx, round.ID)
	}
	return m.settlement.Finalize(ctx, round)
}

// FinalizeExpired settles every unsettled round whose crash instant has
// passed. It returns how many rounds were finalized.
func (m *Manager) FinalizeExpired(ctx context.Context) (int, error) {
	rounds, err := m.deps.Store.ListUnsettledRounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsettled rounds: %w", err)
	}

	now := m.deps.Clock()
	finalized := 0
	for _, round := range rounds {
		if round.StateAt(now) != RoundEnded {
			continue
		}
		if _, err := m.finalizeRound(ctx, round); err != nil {
			if !errors.Is(err, ErrRoundNotEnded) {
				log.Warn().Err(err).Str("round_id", round.ID).Msg("[SWEEP] finalize failed")
			}
			continue
		}
		finalized++
	}
	return finalized, nil
}

func (m *Manager) RoundView(ctx context.Context, roundID string) (RoundView, error) {
	round, err := m.deps.Store.GetRound(ctx, roundID)
	if err != nil {
		return RoundView{}, err
	}
	return round.View(m.deps.Clock()), nil
}

// GetBet returns a bet owned by userID. Bets of other users are reported as
// missing.
func (m *Manager) GetBet(ctx context.Context, userID, betID string) (*Bet, error) {
	bet, err := m.deps.Store.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.UserID != userID {
		return nil, ErrBetNotFound
	}
	return bet, nil
}
