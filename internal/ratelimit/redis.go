package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims, counts and records in one step so concurrent
// callers on different instances cannot both take the last slot.
//
// KEYS[1] sorted set; ARGV now (ms), window (ms), limit, member.
// Returns {1, 0} when admitted, {0, retry_ms} when rejected.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisWindow is the sliding-window algorithm of Window kept in a Redis
// sorted set per key, so every server instance shares the same count.
type RedisWindow struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisWindow(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := w.now().UnixMilli()

	// Members must be unique or requests in the same millisecond collapse.
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, w.client,
		[]string{w.prefix + key},
		now, w.window.Milliseconds(), w.limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate rate window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate window reply %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
