// Package ratelimit throttles dispatch attempts with continuous-refill token
// buckets kept in redis, scoped per gateway and per tenant. Acquisition is
// both-or-nothing: a dispatch consumes one token from each scope atomically,
// or neither. Running out of tokens defers the dispatch, it is never an error.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript refills both buckets at their continuous rates, then takes
// one token from each only if both have one available. Continuous refill
// (fractional tokens per elapsed millisecond) avoids thundering-herd bursts
// at interval boundaries.
var acquireScript = redis.NewScript(`
local function refill(key, cap, rate_ms, now)
    local tokens = tonumber(redis.call('HGET', key, 'tokens'))
    local ts = tonumber(redis.call('HGET', key, 'ts'))
    if tokens == nil or ts == nil then
        return cap
    end
    local elapsed = now - ts
    if elapsed < 0 then elapsed = 0 end
    local filled = tokens + elapsed * rate_ms
    if filled > cap then filled = cap end
    return filled
end

local now = tonumber(ARGV[1])
local cap1 = tonumber(ARGV[2])
local rate1 = tonumber(ARGV[3])
local cap2 = tonumber(ARGV[4])
local rate2 = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local t1 = refill(KEYS[1], cap1, rate1, now)
local t2 = refill(KEYS[2], cap2, rate2, now)

local allowed = 0
if t1 >= 1 and t2 >= 1 then
    allowed = 1
    t1 = t1 - 1
    t2 = t2 - 1
end

redis.call('HSET', KEYS[1], 'tokens', t1, 'ts', now)
redis.call('HSET', KEYS[2], 'tokens', t2, 'ts', now)
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)

return allowed
`)

// Limiter guards dispatch attempts with per-gateway and per-tenant buckets.
type Limiter struct {
	rdb redis.UniversalClient

	gatewayPerMinute int
	tenantPerMinute  int

	// now is overridable for tests; it returns unix milliseconds.
	now func() int64
}

type Option func(*Limiter)

// WithClock overrides the limiter's clock (unix milliseconds).
func WithClock(now func() int64) Option {
	return func(l *Limiter) { l.now = now }
}

func New(rdb redis.UniversalClient, gatewayPerMinute, tenantPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:              rdb,
		gatewayPerMinute: gatewayPerMinute,
		tenantPerMinute:  tenantPerMinute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func gatewayBucketKey(gatewayID string) string { return "rate:gw:" + gatewayID }
func tenantBucketKey(tenantID string) string   { return "rate:tenant:" + tenantID }

// Allow consumes one token from the gateway bucket and one from the tenant
// bucket, atomically. It returns false when either bucket is empty.
func (l *Limiter) Allow(ctx context.Context, gatewayID, tenantID string) (bool, error) {
	nowMs := l.nowMillis(ctx)

	// Refill rate in tokens per millisecond; bucket capacity equals the
	// per-minute budget so a full bucket can burst one minute's worth.
	gwRate := float64(l.gatewayPerMinute) / 60000.0
	tenantRate := float64(l.tenantPerMinute) / 60000.0

	// Keep idle buckets around for two refill periods, then let them lapse.
	const ttlMs = 2 * 60 * 1000

	res, err := acquireScript.Run(ctx, l.rdb,
		[]string{gatewayBucketKey(gatewayID), tenantBucketKey(tenantID)},
		nowMs, l.gatewayPerMinute, gwRate, l.tenantPerMinute, tenantRate, ttlMs,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquiring rate tokens for gateway %s tenant %s: %w", gatewayID, tenantID, err)
	}
	return res == 1, nil
}

func (l *Limiter) nowMillis(ctx context.Context) int64 {
	if l.now != nil {
		return l.now()
	}
	// Use the redis server clock so multiple dispatcher instances share a
	// timebase.
	t, err := l.rdb.Time(ctx).Result()
	if err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}
