package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBudget adapts *redis.Client to the clusterBudget interface. The
// compare-and-swap is implemented with a small Lua script so the
// read-compare-write is atomic against concurrent writers, since
// go-redis has no native CAS primitive for plain string keys.
type redisBudget struct {
	rdb *redis.Client
}

// NewRedisBudget wraps rdb for use with AdaptiveRateLimiter.WithCluster.
func NewRedisBudget(rdb *redis.Client) *redisBudget {
	return &redisBudget{rdb: rdb}
}

func (b *redisBudget) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (b *redisBudget) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, value, ttl).Result()
}

var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
else
	return 0
end
`)

func (b *redisBudget) CompareAndSwap(ctx context.Context, key, oldValue, newValue string) (bool, error) {
	res, err := casScript.Run(ctx, b.rdb, []string{key}, oldValue, newValue).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
