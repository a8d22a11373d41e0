package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// CacheClient is the subset of *redis.Client the limiter and lock package
// need; satisfied by *redis.Client and easy to fake in tests.
type CacheClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// slidingWindowScript evicts timestamps older than the window, then
// admits the call iff the remaining count is below the limit, atomically,
// via a single Lua script so concurrent orchestrator instances never race.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, now .. '-' .. redis.call('INCR', key .. ':seq'))
  redis.call('PEXPIRE', key, window_ms)
  return 1
end
return 0
`

// recordScript mirrors an already-admitted call into the shared window
// without gating on it, so a locally fast-pathed admission still counts
// against other orchestrator instances' view of the budget.
const recordScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
redis.call('ZADD', key, now, now .. '-' .. redis.call('INCR', key .. ':seq'))
redis.call('PEXPIRE', key, window_ms)
return 1
`

// Limiter implements the sliding-window rate limiter of spec §4.1: for
// each resource key, at most Limit admissions per Window, evaluated
// against an ordered timestamp set in the shared cache so multiple
// orchestrator instances share one quota. A local token bucket
// (golang.org/x/time/rate) is layered in front as a fast-path that avoids
// a cache round trip for the common case of being well under budget.
type Limiter struct {
	cache  CacheClient
	limit  int
	window time.Duration
	local  *rate.Limiter
}

// NewLimiter builds a Limiter admitting at most limit calls per window,
// keyed per resource in the shared cache.
func NewLimiter(cache CacheClient, limit int, window time.Duration) *Limiter {
	// The local bucket refills at limit/window and bursts up to limit,
	// so it never admits more than the cache-backed window would allow
	// in steady state; it only short-circuits obviously-fine calls.
	ratePerSec := float64(limit) / window.Seconds()
	return &Limiter{
		cache:  cache,
		limit:  limit,
		window: window,
		local:  rate.NewLimiter(rate.Limit(ratePerSec), limit),
	}
}

// Allow reports whether a call against resourceKey is admitted right now.
// On cache outage it fails open: outbound calls proceed rather than being
// blocked by unrelated infrastructure trouble, per spec §5 failure modes.
func (l *Limiter) Allow(ctx context.Context, resourceKey string) (bool, error) {
	if !l.local.Allow() {
		return l.allowFromCache(ctx, resourceKey)
	}
	// The fast path still has to count against the shared quota — per
	// spec §4.1, multiple orchestrator instances share one budget, and a
	// fast-pathed admission that the cache never learns about lets N
	// instances collectively admit up to N times the configured limit
	// before any of them falls back to the cache. Recording is
	// fire-and-forget so the common case still avoids waiting on a
	// round trip; the shared window only needs to be eventually
	// accurate for the next instance's slow-path decision.
	l.recordAsync(resourceKey)
	return true, nil
}

func (l *Limiter) recordAsync(resourceKey string) {
	if l.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := fmt.Sprintf("ratelimit:{%s}", resourceKey)
		now := time.Now().UTC().UnixMilli()
		_ = l.cache.Eval(ctx, recordScript, []string{key}, now, l.window.Milliseconds()).Err()
	}()
}

func (l *Limiter) allowFromCache(ctx context.Context, resourceKey string) (bool, error) {
	if l.cache == nil {
		return true, nil
	}
	key := fmt.Sprintf("ratelimit:{%s}", resourceKey)
	now := time.Now().UTC().UnixMilli()
	res, err := l.cache.Eval(ctx, slidingWindowScript, []string{key}, now, l.window.Milliseconds(), l.limit).Result()
	if err != nil {
		// Fail open for rate limiting per spec §5.
		return true, nil
	}
	admitted, _ := res.(int64)
	return admitted == 1, nil
}

// Require returns apperrors.ErrRateLimited when the resource is over
// budget, for call sites that want a plain error rather than a bool.
func (l *Limiter) Require(ctx context.Context, resourceKey string) error {
	ok, err := l.Allow(ctx, resourceKey)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrRateLimited
	}
	return nil
}
