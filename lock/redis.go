package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ussd-airtime-bot/logging"
)

const (
	keySeparator = ":"
	lockPrefix   = "lock"
	retryDelay   = 50 * time.Millisecond
)

var ErrLockFailed = errors.New("failed to acquire lock in redis")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared between processes through SETNX with a TTL.
type Redis struct {
	client    redis.UniversalClient
	Namespace string
	TTL       time.Duration
	log       *zap.Logger
}

func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration, log *zap.Logger) *Redis {
	return &Redis{client: client, Namespace: namespace, TTL: ttl, log: logging.OrNop(log)}
}

func (r *Redis) key(name string) string {
	return strings.Join([]string{r.Namespace, lockPrefix, name}, keySeparator)
}

func (r *Redis) Lock(ctx context.Context, name string) (func(), error) {
	key := r.key(name)
	token := uuid.NewString()
	for {
		acquired, err := r.client.SetNX(ctx, key, token, r.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return func() {
		// released on a fresh context so a cancelled caller still frees the key
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warn("release redis lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
