package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript performs count-and-decide atomically. It returns
// {allowed, retry_after_ms}. A block key set on breach outlives the
// counting window, so the cooldown is independent of the window length.
var checkScript = redis.NewScript(`
local counter = KEYS[1]
local block = KEYS[2]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cooldown_ms = tonumber(ARGV[3])

local blocked = redis.call("PTTL", block)
if blocked > 0 then
	return {0, blocked}
end

local count = redis.call("INCR", counter)
if count == 1 then
	redis.call("PEXPIRE", counter, window_ms)
end
if count > limit then
	redis.call("SET", block, "1", "PX", cooldown_ms)
	redis.call("DEL", counter)
	return {0, cooldown_ms}
end
return {1, 0}
`)

// RedisLimiter implements Limiter on top of a shared Redis instance so
// budgets hold across application replicas.
type RedisLimiter struct {
	client   *redis.Client
	policies Policies
}

// NewRedisLimiter constructs a limiter with the given policy table.
func NewRedisLimiter(client *redis.Client, policies Policies) *RedisLimiter {
	return &RedisLimiter{client: client, policies: policies}
}

// CheckAndRecord counts the attempt and decides in one round trip.
func (l *RedisLimiter) CheckAndRecord(ctx context.Context, subject, action string) (Decision, error) {
	pol := l.policies.For(action)
	if pol.Attempts <= 0 || pol.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	keys := []string{counterKey(subject, action), blockKey(subject, action)}
	args := []any{pol.Attempts, pol.Window.Milliseconds(), pol.Cooldown.Milliseconds()}
	res, err := checkScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: check %s/%s: %w", action, subject, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

// Reset clears the counter and any block, used after a successful
// login or verification so earlier failures stop counting.
func (l *RedisLimiter) Reset(ctx context.Context, subject, action string) error {
	return l.client.Del(ctx, counterKey(subject, action), blockKey(subject, action)).Err()
}

func counterKey(subject, action string) string {
	return "rl:" + action + ":" + subject
}

func blockKey(subject, action string) string {
	return "rl:block:" + action + ":" + subject
}

var _ Limiter = (*RedisLimiter)(nil)
