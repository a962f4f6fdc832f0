package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultClaimTTL = 10 * time.Minute

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer shares slot claims between scheduler instances. The TTL must outlive
// the longest dispatch (all attempts plus backoff) of any task.
type RedisClaimer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRedisClaimer(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *RedisClaimer {
	if prefix == "" {
		prefix = "appointments:claim"
	}
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &RedisClaimer{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *RedisClaimer) key(taskID int64, slot time.Time) string {
	return fmt.Sprintf("%s:%d:%d", c.prefix, taskID, slot.Unix())
}

func (c *RedisClaimer) Claim(ctx context.Context, taskID int64, slot time.Time) (func(), bool, error) {
	key := c.key(taskID, slot)
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, false, storeErr("redis claim", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			c.logger.Warnf("release claim %s failed: %v", key, err)
		}
	}
	return release, true, nil
}
