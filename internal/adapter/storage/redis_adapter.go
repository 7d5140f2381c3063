package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

const (
	stockKeyPrefix     = "stock:"
	decrementKeyPrefix = "dec:"
)

// decrementMarkerTTL bounds how long a sale's decrement is remembered; it
// outlives any retry window for a confirmation.
const decrementMarkerTTL = 7 * 24 * time.Hour

const (
	scriptMissingKey   = -1
	scriptInsufficient = -2
)

// decrementStockScript runs atomically on the Redis server, so GET, compare and
// DECRBY cannot interleave with another decrement of the same key. KEYS[2]
// marks the sale as applied; a sale seen before gets the current level back.
var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local marker = KEYS[2]
local quantity = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if not current then
	return -1
end

current = tonumber(current)
if redis.call('EXISTS', marker) == 1 then
	return current
end

if current < quantity then
	return -2
end

local remaining = redis.call('DECRBY', key, quantity)
redis.call('SET', marker, quantity, 'EX', ttl)
return remaining
`)

type RedisAdapter struct {
	client redis.Cmdable
}

func NewRedisAdapter(client redis.Cmdable) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func stockKey(eventID, batchID string) string {
	return stockKeyPrefix + eventID + ":" + batchID
}

func decrementKey(saleID string) string {
	return decrementKeyPrefix + saleID
}

func (r *RedisAdapter) Decrement(ctx context.Context, saleID, eventID, batchID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	keys := []string{stockKey(eventID, batchID), decrementKey(saleID)}
	ttl := int(decrementMarkerTTL / time.Second)
	result, err := decrementStockScript.Run(ctx, r.client, keys, quantity, ttl).Int()
	if err != nil {
		return 0, redisErr("decrement stock", err)
	}

	switch result {
	case scriptMissingKey:
		return 0, domain.ErrBatchNotFound
	case scriptInsufficient:
		return 0, domain.ErrInsufficientInventory
	}
	return result, nil
}

func (r *RedisAdapter) Available(ctx context.Context, eventID, batchID string) (int, error) {
	available, err := r.client.Get(ctx, stockKey(eventID, batchID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrBatchNotFound
	}
	if err != nil {
		return 0, redisErr("read stock", err)
	}
	return available, nil
}

// SetStock overwrites the counter; meant for tests and operator resets.
func (r *RedisAdapter) SetStock(ctx context.Context, eventID, batchID string, quantity int) error {
	if err := r.client.Set(ctx, stockKey(eventID, batchID), quantity, 0).Err(); err != nil {
		return redisErr("set stock", err)
	}
	return nil
}

// SeedStock initialises the counter only when it is absent, so restarts do
// not resurrect units already sold.
func (r *RedisAdapter) SeedStock(ctx context.Context, eventID, batchID string, quantity int) (bool, error) {
	ok, err := r.client.SetNX(ctx, stockKey(eventID, batchID), quantity, 0).Result()
	if err != nil {
		return false, redisErr("seed stock", err)
	}
	return ok, nil
}

func (r *RedisAdapter) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, redisErr("acquire cooldown", err)
	}
	return ok, nil
}

func redisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
