package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	REDIS_KEY_BALANCE = "ledger:balance:"
	REDIS_KEY_REF     = "ledger:ref:"
)

// Balances are stored as integer minor units so INCRBY/DECRBY stay exact.
// Both scripts check the reference key and the balance and mutate in one step.
var (
	debitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-2, tonumber(redis.call('GET', KEYS[1]) or '0')}
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
	return {-1, balance}
end
local after = redis.call('DECRBY', KEYS[1], amount)
redis.call('SET', KEYS[2], ARGV[2])
return {0, after}
`)

	creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-2, tonumber(redis.call('GET', KEYS[1]) or '0')}
end
local after = redis.call('INCRBY', KEYS[1], tonumber(ARGV[1]))
redis.call('SET', KEYS[2], ARGV[2])
return {0, after}
`)
)

// Redis is a ledger backed by a Redis instance.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}
	return r.run(ctx, debitScript, userID, currency, amount, ref, "debit")
}

func (r *Redis) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	if err := validate(userID, currency, amount, ref); err != nil {
		return decimal.Zero, err
	}
	return r.run(ctx, creditScript, userID, currency, amount, ref, "credit")
}

func (r *Redis) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	minor, err := r.client.Get(ctx, balanceKey{userID, currency}.redisKey()).Int64()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return fromMinor(minor), nil
}

func (r *Redis) run(ctx context.Context, script *redis.Script, userID, currency string, amount decimal.Decimal, ref, op string) (decimal.Decimal, error) {
	keys := []string{balanceKey{userID, currency}.redisKey(), REDIS_KEY_REF + ref}
	res, err := script.Run(ctx, r.client, keys, toMinor(amount), op).Int64Slice()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s script: %w", op, err)
	}
	if len(res) != 2 {
		return decimal.Zero, fmt.Errorf("%s script: unexpected reply %v", op, res)
	}

	balance := fromMinor(res[1])
	switch res[0] {
	case 0:
		return balance, nil
	case -1:
		return balance, ErrInsufficientBalance
	case -2:
		return balance, ErrDuplicateReference
	}
	return decimal.Zero, fmt.Errorf("%s script: unknown status %d", op, res[0])
}

func (k balanceKey) redisKey() string {
	return REDIS_KEY_BALANCE + k.userID + ":" + k.currency
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(Scale).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}
