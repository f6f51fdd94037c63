package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims, counts and appends in one atomic step. It returns -1
// when the action was recorded, otherwise the milliseconds until the oldest
// entry leaves the window.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return tonumber(oldest[2]) + window - now
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return -1
`)

// Redis is a Limiter shared by every instance connected to the same server.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func redisKey(actorID int64, action string) string {
	return fmt.Sprintf("ratelimit:%s:%d", action, actorID)
}

func (r *Redis) CheckAndConsume(ctx context.Context, actorID int64, action string, limit int, window time.Duration) error {
	now := r.now()
	waitMs, err := slidingWindow.Run(ctx, r.rdb,
		[]string{redisKey(actorID, action)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if waitMs < 0 {
		return nil
	}
	oldest := now.Add(time.Duration(waitMs)*time.Millisecond - window)
	return exceeded(oldest, window, now)
}

func (r *Redis) Reset(ctx context.Context, actorID int64, action string) error {
	return r.rdb.Del(ctx, redisKey(actorID, action)).Err()
}
