package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"waitline/internal/queue"
)

// Снимает резерв, только если он всё ещё принадлежит claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisIndex: индекс членства в Redis, общий для экземпляров сервиса.
// Ключ живёт ttl и продлевается повторным Reserve тем же claim.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func memberKey(businessID, memberID uint) string {
	return fmt.Sprintf("waitline:member:%d:%d", businessID, memberID)
}

func (r *RedisIndex) Reserve(ctx context.Context, businessID, memberID uint, claim string) (bool, error) {
	key := memberKey(businessID, memberID)
	ok, err := r.client.SetNX(ctx, key, claim, r.ttl).Result()
	if err != nil {
		return false, unavailable(ctx, err, "reserve member")
	}
	if ok {
		return true, nil
	}
	held, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Резерв истёк или снят между SETNX и GET.
		return false, queue.ErrConcurrencyConflict
	}
	if err != nil {
		return false, unavailable(ctx, err, "read member reservation")
	}
	if held != claim {
		return false, nil
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return false, unavailable(ctx, err, "extend member reservation")
	}
	return true, nil
}

func (r *RedisIndex) Release(ctx context.Context, businessID, memberID uint, claim string) error {
	err := releaseScript.Run(ctx, r.client, []string{memberKey(businessID, memberID)}, claim).Err()
	if err != nil && err != redis.Nil {
		return unavailable(ctx, err, "release member")
	}
	return nil
}

func unavailable(ctx context.Context, err error, what string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.Wrapf(queue.ErrUnavailable, "%s: %v", what, err)
}
