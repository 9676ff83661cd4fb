package lock

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared by all worker replicas. Locks expire after ttl so a crashed
// replica cannot hold a device forever.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedis constructs a Redis-backed locker.
func NewRedis(rdb redis.Cmdable, ttl time.Duration, log *zap.Logger) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "saunalog:lock:", log: log}
}

// TryLock sets the key with NX and a random token.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	k := r.prefix + key
	ok, err := r.rdb.SetNX(ctx, k, token.String(), r.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.rdb, []string{k}, token.String()).Int()
		switch {
		case err != nil:
			r.log.Error("release lock", zap.String("key", k), zap.Error(err))
		case n == 0:
			r.log.Warn("lock expired before release", zap.String("key", k), zap.Duration("ttl", r.ttl))
		}
	}, true, nil
}
