package game

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	SWEEP_INTERVAL = 5 * time.Second
	HAND_TIMEOUT   = 2 * time.Minute
	PAYOUT_GRACE   = 30 * time.Second
	reconcileBatch = 100
)

// Sweeper recovers work no client finishes: rounds whose crash instant has
// passed without a finalize, payouts whose credit did not complete and
// blackjack hands abandoned mid-play.
type Sweeper struct {
	manager     *Manager
	resolver    *Resolver
	interval    time.Duration
	handTimeout time.Duration
	clock       func() time.Time
}

func NewSweeper(manager *Manager, resolver *Resolver, interval, handTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = SWEEP_INTERVAL
	}
	if handTimeout <= 0 {
		handTimeout = HAND_TIMEOUT
	}
	return &Sweeper{
		manager:     manager,
		resolver:    resolver,
		interval:    interval,
		handTimeout: handTimeout,
		clock:       manager.deps.Clock,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock()

	rounds, err := s.manager.FinalizeExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[SWEEP] rounds")
	}

	payouts, err := s.manager.Settlement().ReconcilePayouts(ctx, now.Add(-PAYOUT_GRACE), reconcileBatch)
	if err != nil {
		log.Warn().Err(err).Msg("[SWEEP] payouts")
	}

	hands := 0
	if s.resolver != nil {
		hands, err = s.resolver.ExpireHands(ctx, now.Add(-s.handTimeout))
		if err != nil {
			log.Warn().Err(err).Msg("[SWEEP] hands")
		}
	}

	if rounds+payouts+hands > 0 {
		log.Info().Int("rounds", rounds).Int("payouts", payouts).Int("hands", hands).Msg("[SWEEP] recovered")
	}
}
