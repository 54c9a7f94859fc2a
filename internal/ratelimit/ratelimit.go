// Package ratelimit implements the multi-tier sliding-window rate limiter
// (C4): one atomic Lua script evaluated on the shared Valkey/Redis cache so
// concurrent checks against the same bucket can never both pass a boundary.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rakunlabs/gatekeep/internal/apierr"
	"github.com/rakunlabs/gatekeep/internal/snapshot"
)

// Class is the endpoint cost class used solely for rate limiting.
type Class string

const (
	ClassA Class = "A" // chat
	ClassB Class = "B" // storage/DB
	ClassC Class = "C" // CRUD
	ClassD Class = "D" // admin
)

const windowSeconds = 3600

// slidingWindowScript performs the four-step check (drop stale entries,
// append now, read size, set TTL) as a single atomic round trip so
// concurrent checks against the same bucket are linearizable.
//
// KEYS[1] = bucket key
// ARGV[1] = now (unix seconds, float)
// ARGV[2] = window start (now - windowSeconds)
// ARGV[3] = window seconds (TTL)
// ARGV[4] = unique member suffix for this request (avoids collisions when
//
//	two checks land in the same second)
//
// Returns {count, oldest_remaining_timestamp_or_now}.
const slidingWindowScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1] .. '-' .. ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldestScore = ARGV[1]
if oldest[2] ~= nil then
  oldestScore = oldest[2]
end
return {count, oldestScore}
`

// Limits is the tier matrix: Limits[class][tier] = max requests per window.
type Limits map[Class]map[snapshot.Tier]int

// DefaultLimits mirrors the default matrix (SPEC_FULL.md §4.4), overridable
// in full via RATE_LIMITS_JSON.
var DefaultLimits = Limits{
	ClassA: {snapshot.TierAnonymous: 10, snapshot.TierFree: 20, snapshot.TierPro: 200, snapshot.TierEnterprise: 500},
	ClassB: {snapshot.TierAnonymous: 20, snapshot.TierFree: 50, snapshot.TierPro: 100, snapshot.TierEnterprise: 200},
	ClassC: {snapshot.TierAnonymous: 50, snapshot.TierFree: 200, snapshot.TierPro: 500, snapshot.TierEnterprise: 1000},
	ClassD: {snapshot.TierAnonymous: 0, snapshot.TierFree: 0, snapshot.TierPro: 0, snapshot.TierEnterprise: 100},
}

// Result carries the response-header fields every rate-limited endpoint
// must emit.
type Result struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter struct {
	client *redis.Client
	limits Limits
	script *redis.Script
	now    func() time.Time
}

func New(client *redis.Client, limits Limits) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{
		client: client,
		limits: limits,
		script: redis.NewScript(slidingWindowScript),
		now:    time.Now,
	}
}

func bucketKey(tier snapshot.Tier, class Class, subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", tier, class, subject)
}

// Check increments subject's bucket for (class, tier) and reports whether
// the request is within limit. subject is a userID or a salted/truncated
// IP hash for anonymous callers.
func (l *Limiter) Check(ctx context.Context, class Class, tier snapshot.Tier, subject string) (Result, error) {
	limit := l.limits[class][tier]
	if limit == 0 {
		return Result{}, apierr.NewRateLimitExceeded("tier %q has no allowance for %s-class endpoints", tier, class)
	}

	now := l.now()
	nowSec := float64(now.UnixNano()) / 1e9
	windowStart := nowSec - windowSeconds

	raw, err := l.script.Run(ctx, l.client,
		[]string{bucketKey(tier, class, subject)},
		nowSec, windowStart, windowSeconds, now.UnixNano(),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("rate limit check: unexpected script result %T", raw)
	}

	count, err := toInt64(vals[0])
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: parse count: %w", err)
	}

	oldest, err := toFloat64(vals[1])
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: parse oldest: %w", err)
	}

	resetAt := time.Unix(0, int64(oldest*1e9)).Add(windowSeconds * time.Second)
	remaining := int(limit) - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}

	if count > int64(limit) {
		result.RetryAfter = time.Until(resetAt)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		return result, apierr.NewRateLimitExceeded("rate limit exceeded for tier %q class %s", tier, class)
	}

	return result, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		var out float64
		_, err := fmt.Sscanf(n, "%f", &out)
		return out, err
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
