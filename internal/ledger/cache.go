package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BalanceCache stores derived balances. It is never written independently of
// a replay, and a miss or an error always falls back to the entries.
//
// Get hands out a generation token alongside the value. Set only stores a
// balance when the token is still current, so an Invalidate that lands
// between a replay and its Set wins and the stale value is dropped.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (balance int64, generation int64, ok bool)
	Set(ctx context.Context, accountID string, generation int64, balance int64)
	Invalidate(ctx context.Context, accountID string)
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (int64, int64, bool) { return 0, 0, false }
func (NopCache) Set(context.Context, string, int64, int64)        {}
func (NopCache) Invalidate(context.Context, string)               {}

// RedisBalanceCache keeps balances under settlement:balance:<account> with a
// TTL. The generation counter lives under settlement:balance:gen:<account>
// without a TTL.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisBalanceCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisBalanceCache {
	return &RedisBalanceCache{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func balanceKey(accountID string) string {
	return "settlement:balance:" + accountID
}

func generationKey(accountID string) string {
	return "settlement:balance:gen:" + accountID
}

func (c *RedisBalanceCache) Get(ctx context.Context, accountID string) (int64, int64, bool) {
	values, err := c.client.MGet(ctx, balanceKey(accountID), generationKey(accountID)).Result()
	if err != nil {
		c.log.Warn("Balance cache read failed", zap.String("account_id", accountID), zap.Error(err))
		return 0, 0, false
	}

	generation := parseCached(values[1])
	if values[0] == nil {
		return 0, generation, false
	}
	raw, _ := values[0].(string)
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.Invalidate(ctx, accountID)
		return 0, generation + 1, false
	}
	return balance, generation, true
}

func parseCached(v interface{}) int64 {
	raw, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func (c *RedisBalanceCache) Set(ctx context.Context, accountID string, generation int64, balance int64) {
	genKey := generationKey(accountID)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, balanceKey(accountID), balance, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		c.log.Warn("Balance cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, accountID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(accountID))
		pipe.Del(ctx, balanceKey(accountID))
		return nil
	})
	if err != nil {
		c.log.Warn("Balance cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
