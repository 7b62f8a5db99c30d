package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tokens travel as integer milli-tokens because Redis truncates Lua numbers
// on the way out; retry_after is computed server side in milliseconds.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens * 1000), now, retry_after}
`

var (
	ErrBucketNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket       = errors.New("invalid_rate_limit_bucket")
)

// Bucket sizes one token bucket: Rate tokens per second refilling up to Burst.
type Bucket struct {
	Rate  float64
	Burst int
}

func (b Bucket) valid() bool {
	return b.Rate > 0 && b.Burst > 0
}

// ttl keeps an idle key around for twice its full-refill time.
func (b Bucket) ttl() time.Duration {
	seconds := math.Ceil(float64(b.Burst) / b.Rate * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}

// TokenBucket is a Redis-side token bucket. Refill uses the Redis clock so
// every API replica draws from one budget.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  float64
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Take consumes one token from key.
func (t *TokenBucket) Take(ctx context.Context, key string, bucket Bucket) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return nil, ErrBucketNotConfigured
	}
	if key == "" || !bucket.valid() {
		return nil, ErrInvalidBucket
	}

	res, err := t.script.Run(ctx, t.client, []string{key},
		bucket.Rate,
		bucket.Burst,
		bucket.ttl().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 4 {
		return nil, errors.New("unexpected token bucket script response")
	}

	retryAfter := time.Duration(res[3]) * time.Millisecond
	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Limit:      bucket.Burst,
		Remaining:  float64(res[1]) / 1000,
		ResetTime:  time.UnixMilli(res[2]).Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}
