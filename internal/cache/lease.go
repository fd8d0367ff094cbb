package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const REDIS_KEY_TABLE_LOCK = "crash:lock:table:"

// releaseScript deletes the lock only if it still holds our token, so an
// expired lease re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// TableLease implements game.TableLock with SET NX PX.
type TableLease struct {
	client *redis.Client
}

func NewTableLease(client *redis.Client) *TableLease {
	return &TableLease{client: client}
}

func (l *TableLease) Acquire(ctx context.Context, tableID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, REDIS_KEY_TABLE_LOCK+tableID, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease for table %s: %w", tableID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *TableLease) Release(ctx context.Context, tableID, token string) error {
	result, err := releaseScript.Run(ctx, l.client, []string{REDIS_KEY_TABLE_LOCK + tableID}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lease for table %s: %w", tableID, err)
	}
	if result == 0 {
		log.Warn().Str("table", tableID).Msg("[CACHE] lease already expired or taken over")
	}
	return nil
}
