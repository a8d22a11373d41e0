// Package lock implements the distributed lock service (C2): named
// mutual exclusion across orchestrator instances, with a monotonic
// fencing counter and TTL-based expiry, generalising the compare-and-swap
// discipline the in-memory state package uses into a Redis-backed form
// that works across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// Client is the subset of *redis.Client the lock service needs.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Token identifies one successful acquisition: the holder that obtained
// it, when, for how long, and its fencing counter. Downstream writers
// compare fencing counters to reject stale holders per spec §4.2.
type Token struct {
	Name      string
	Holder    string
	AcquiredAt time.Time
	TTL        time.Duration
	Fence      int64
}

// acquireScript sets the lock iff absent or expired, bumping a per-name
// fencing counter atomically with the acquisition so two holders can
// never observe the same fence value.
const acquireScript = `
local lock_key = KEYS[1]
local fence_key = KEYS[2]
local holder = ARGV[1]
local ttl_ms = ARGV[2]
if redis.call('EXISTS', lock_key) == 1 then
  return {0, 0}
end
local fence = redis.call('INCR', fence_key)
redis.call('SET', lock_key, holder, 'PX', ttl_ms)
return {1, fence}
`

// releaseScript deletes the lock iff the stored holder still matches,
// a check-and-delete performed atomically so a holder whose TTL already
// expired (and was possibly reacquired by someone else) cannot delete a
// newer holder's lock.
const releaseScript = `
local lock_key = KEYS[1]
local holder = ARGV[1]
if redis.call('GET', lock_key) == holder then
  return redis.call('DEL', lock_key)
end
return 0
`

// extendScript renews the TTL iff the stored holder still matches.
const extendScript = `
local lock_key = KEYS[1]
local holder = ARGV[1]
local ttl_ms = ARGV[2]
if redis.call('GET', lock_key) == holder then
  return redis.call('PEXPIRE', lock_key, ttl_ms)
end
return 0
`

// Service is the distributed lock service.
type Service struct {
	client Client
}

// NewService builds a Service against the given cache client. A nil
// client is valid and causes every Acquire to fail closed, matching
// spec §4.2's "on cache outage, acquire fails closed" requirement.
func NewService(client Client) *Service {
	return &Service{client: client}
}

func lockKey(name string) string  { return fmt.Sprintf("lock:{%s}", name) }
func fenceKey(name string) string { return fmt.Sprintf("lock:{%s}:fence", name) }

// Acquire attempts to take the named lock for holder with the given TTL.
// It never retries internally; callers that want polling should use
// AcquireWithDeadline. Returns apperrors.ErrLockBusy if already held, or
// on any cache-outage condition (fail-closed per spec §4.2/§5).
func (s *Service) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, apperrors.NewValidationError("ttl", "must be greater than zero")
	}
	if s.client == nil {
		return nil, apperrors.ErrLockBusy
	}

	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(name), fenceKey(name)}, holder, ttl.Milliseconds()).Result()
	if err != nil {
		// Fail closed: a cache outage must never be mistaken for "lock
		// free", so it surfaces the same way a busy lock would.
		return nil, apperrors.ErrLockBusy
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, apperrors.ErrInternal
	}
	acquired, _ := pair[0].(int64)
	if acquired != 1 {
		return nil, apperrors.ErrLockBusy
	}
	fence, _ := pair[1].(int64)

	return &Token{
		Name:       name,
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
		TTL:        ttl,
		Fence:      fence,
	}, nil
}

// AcquireWithDeadline polls Acquire with capped exponential backoff until
// it succeeds or deadline elapses.
func (s *Service) AcquireWithDeadline(ctx context.Context, name, holder string, ttl, deadline time.Duration) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := 50 * time.Millisecond
	const maxDelay = 2 * time.Second

	for {
		token, err := s.Acquire(ctx, name, holder, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, apperrors.ErrLockBusy) {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperrors.ErrLockBusy
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Release releases the lock iff token's holder still matches the stored
// value. A no-op (returns nil) if the lock already expired or was taken
// over by someone else, matching the check-and-delete semantics of
// spec §4.2.
func (s *Service) Release(ctx context.Context, token *Token) error {
	if s.client == nil || token == nil {
		return nil
	}
	_, err := s.client.Eval(ctx, releaseScript, []string{lockKey(token.Name)}, token.Holder).Result()
	return err
}

// Extend renews token's TTL iff its holder still matches the stored
// value. Returns apperrors.ErrLockBusy if the lock was lost (expired and
// possibly reacquired by another holder).
func (s *Service) Extend(ctx context.Context, token *Token, ttl time.Duration) error {
	if s.client == nil || token == nil {
		return apperrors.ErrLockBusy
	}
	res, err := s.client.Eval(ctx, extendScript, []string{lockKey(token.Name)}, token.Holder, ttl.Milliseconds()).Result()
	if err != nil {
		return apperrors.ErrLockBusy
	}
	ok, _ := res.(int64)
	if ok != 1 {
		return apperrors.ErrLockBusy
	}
	token.TTL = ttl
	return nil
}

// WithLock acquires name for holder, runs fn, and releases on every exit
// path including panic, per spec §4.2.
func (s *Service) WithLock(ctx context.Context, name, holder string, ttl time.Duration, fn func(ctx context.Context, token *Token) error) (err error) {
	token, err := s.Acquire(ctx, name, holder, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseErr := s.Release(ctx, token)
		if err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx, token)
}
