package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter throttles outbound submissions to external authorities and
// networks.
type Limiter interface {
	// Wait blocks until a submission slot for key is available or ctx ends.
	Wait(ctx context.Context, key string) error
}

// tokenBucketScript runs the token bucket atomically in Redis, so the limit
// holds across worker processes.
// KEYS[1] = bucket key, ARGV[1] = refill rate/s, ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (unix seconds, fractional).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a cross-process token bucket.
type RedisLimiter struct {
	client    *redis.Client
	ratePerS  float64
	capacity  int
	retryWait time.Duration
}

// NewRedisLimiter connects to addr and allows rpm submissions per minute
// per key with the given burst capacity.
func NewRedisLimiter(addr, password string, db, rpm, burst int) *RedisLimiter {
	perSecond := float64(rpm) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ratePerS:  perSecond,
		capacity:  burst,
		retryWait: 250 * time.Millisecond,
	}
}

func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	bucket := fmt.Sprintf("anchor_limiter:%s", key)
	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		res, err := tokenBucketScript.Run(ctx, l.client, []string{bucket},
			l.ratePerS, l.capacity, 1, now).Int()
		if err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}
		if res == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryWait):
		}
	}
}

// LocalLimiter is the in-process fallback when no redis address is
// configured. Limits hold per worker only.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	ratePerS rate.Limit
	burst    int
}

// NewLocalLimiter allows rpm submissions per minute per key.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	perSecond := rate.Limit(float64(rpm) / 60.0)
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		ratePerS: perSecond,
		burst:    burst,
	}
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.ratePerS, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
