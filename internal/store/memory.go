// Package store persists rounds, bets and blackjack hands for the game engine.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pigeon/internal/game"
)

var ErrDuplicateID = errors.New("record already exists")

// Memory implements game.Store in process memory. Every read and write
// copies, so callers never share a record with the store.
type Memory struct {
	mu      sync.RWMutex
	rounds  map[string]*game.Round
	bets    map[string]*game.Bet
	byRound map[string][]string
	hands   map[string]*game.Hand
}

func NewMemory() *Memory {
	return &Memory{
		rounds:  make(map[string]*game.Round),
		bets:    make(map[string]*game.Bet),
		byRound: make(map[string][]string),
		hands:   make(map[string]*game.Hand),
	}
}

func (m *Memory) CreateRound(ctx context.Context, r *game.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rounds[r.ID]; exists {
		return fmt.Errorf("round %s: %w", r.ID, ErrDuplicateID)
	}
	m.rounds[r.ID] = copyRound(r)
	return nil
}

func (m *Memory) GetRound(ctx context.Context, id string) (*game.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rounds[id]
	if !ok {
		return nil, game.ErrRoundNotFound
	}
	return copyRound(r), nil
}

func (m *Memory) UpdateRoundState(ctx context.Context, id string, from, to game.RoundState, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[id]
	if !ok {
		return false, game.ErrRoundNotFound
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	if to == game.RoundEnded {
		r.EndedAt = &at
	}
	return true, nil
}

func (m *Memory) MarkRoundSettled(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[id]
	if !ok {
		return game.ErrRoundNotFound
	}
	if r.SettledAt == nil {
		r.SettledAt = &at
	}
	return nil
}

func (m *Memory) ListUnsettledRounds(ctx context.Context) ([]*game.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rounds := make([]*game.Round, 0)
	for _, r := range m.rounds {
		if r.SettledAt == nil {
			rounds = append(rounds, copyRound(r))
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].CreatedAt.Before(rounds[j].CreatedAt) })
	return rounds, nil
}

func (m *Memory) InsertBet(ctx context.Context, b *game.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bets[b.ID]; exists {
		return fmt.Errorf("bet %s: %w", b.ID, ErrDuplicateID)
	}
	m.bets[b.ID] = copyBet(b)
	if b.RoundID != "" {
		m.byRound[b.RoundID] = append(m.byRound[b.RoundID], b.ID)
	}
	return nil
}

func (m *Memory) GetBet(ctx context.Context, id string) (*game.Bet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bets[id]
	if !ok {
		return nil, game.ErrBetNotFound
	}
	return copyBet(b), nil
}

func (m *Memory) ListBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return m.listBets(roundID, func(*game.Bet) bool { return true }), nil
}

func (m *Memory) ListActiveBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return m.listBets(roundID, func(b *game.Bet) bool { return b.Status == game.BetActive }), nil
}

func (m *Memory) listBets(roundID string, keep func(*game.Bet) bool) []*game.Bet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bets := make([]*game.Bet, 0, len(m.byRound[roundID]))
	for _, id := range m.byRound[roundID] {
		if b := m.bets[id]; keep(b) {
			bets = append(bets, copyBet(b))
		}
	}
	return bets
}

// ResolveBet is the write-once transition. Only one caller ever sees true.
func (m *Memory) ResolveBet(ctx context.Context, id string, res game.Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[id]
	if !ok {
		return false, game.ErrBetNotFound
	}
	if b.Status != game.BetActive {
		return false, nil
	}
	at := res.At
	b.Status = game.BetResolved
	b.Outcome = res.Outcome
	b.Multiplier = res.Multiplier
	b.SettledAmount = res.SettledAmount
	b.Detail = res.Detail
	b.ResolvedAt = &at
	return true, nil
}

func (m *Memory) MarkCredited(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[id]
	if !ok {
		return game.ErrBetNotFound
	}
	if b.CreditedAt == nil {
		b.CreditedAt = &at
	}
	return nil
}

func (m *Memory) ListUncreditedWins(ctx context.Context, limit int) ([]*game.Bet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bets := make([]*game.Bet, 0)
	for _, b := range m.bets {
		if b.Status == game.BetResolved && b.SettledAmount.IsPositive() && b.CreditedAt == nil {
			bets = append(bets, copyBet(b))
		}
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].CreatedAt.Before(bets[j].CreatedAt) })
	if limit > 0 && len(bets) > limit {
		bets = bets[:limit]
	}
	return bets, nil
}

func (m *Memory) CountResolved(ctx context.Context, roundID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.byRound[roundID] {
		if m.bets[id].Status == game.BetResolved {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CreateHand(ctx context.Context, h *game.Hand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hands[h.BetID]; exists {
		return fmt.Errorf("hand %s: %w", h.BetID, ErrDuplicateID)
	}
	m.hands[h.BetID] = copyHand(h)
	return nil
}

func (m *Memory) GetHand(ctx context.Context, betID string) (*game.Hand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hands[betID]
	if !ok {
		return nil, game.ErrHandNotFound
	}
	return copyHand(h), nil
}

func (m *Memory) UpdateHand(ctx context.Context, h *game.Hand, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.hands[h.BetID]
	if !ok {
		return false, game.ErrHandNotFound
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	m.hands[h.BetID] = copyHand(h)
	return true, nil
}

func (m *Memory) ListOpenHands(ctx context.Context, updatedBefore time.Time) ([]*game.Hand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hands := make([]*game.Hand, 0)
	for _, h := range m.hands {
		b, ok := m.bets[h.BetID]
		if !ok || b.Status != game.BetActive || !h.UpdatedAt.Before(updatedBefore) {
			continue
		}
		hands = append(hands, copyHand(h))
	}
	return hands, nil
}

func copyRound(r *game.Round) *game.Round {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func copyBet(b *game.Bet) *game.Bet {
	c := *b
	if b.ResolvedAt != nil {
		t := *b.ResolvedAt
		c.ResolvedAt = &t
	}
	if b.CreditedAt != nil {
		t := *b.CreditedAt
		c.CreditedAt = &t
	}
	return &c
}

func copyHand(h *game.Hand) *game.Hand {
	c := *h
	c.Player = append([]game.Card(nil), h.Player...)
	c.Dealer = append([]game.Card(nil), h.Dealer...)
	return &c
}
