package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pigeon/internal/game"
)

const (
	REDIS_KEY_ROUND_SNAPSHOT = "crash:round:snapshot:"
	snapshotTTL              = time.Minute
)

// RoundSnapshots stores the public view of each table so any instance can
// answer state reads for tables it does not run. Only RoundView is written,
// which never carries the crash point of a live round.
type RoundSnapshots struct {
	client *redis.Client
}

func NewRoundSnapshots(client *redis.Client) *RoundSnapshots {
	return &RoundSnapshots{client: client}
}

func (s *RoundSnapshots) PublishRound(ctx context.Context, view game.RoundView) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, REDIS_KEY_ROUND_SNAPSHOT+view.TableID, payload, snapshotTTL).Err()
}

// Get returns the last published view, or false if none is cached.
func (s *RoundSnapshots) Get(ctx context.Context, tableID string) (game.RoundView, bool, error) {
	payload, err := s.client.Get(ctx, REDIS_KEY_ROUND_SNAPSHOT+tableID).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.RoundView{}, false, nil
	}
	if err != nil {
		return game.RoundView{}, false, fmt.Errorf("get snapshot: %w", err)
	}

	var view game.RoundView
	if err := json.Unmarshal(payload, &view); err != nil {
		return game.RoundView{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return view, true, nil
}
