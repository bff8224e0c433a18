// Package limiter implements the two admission primitives shared by every
// worker process: a sliding-window RPM check and a bounded concurrency
// counter. Both run as single Lua scripts on Redis so that concurrent
// workers never interleave a read-modify-write. Scripts are registered with
// redis.NewScript, which executes by digest and transparently re-loads on
// NOSCRIPT.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scope key builders matching the shared key layout. Every worker process
// must agree on these, so they live here rather than in callers.
func GlobalRPMKey() string               { return "lim:global:rpm" }
func GlobalConcKey() string              { return "lim:global:conc" }
func CredentialRPMKey(id string) string  { return fmt.Sprintf("lim:key:%s:rpm", id) }
func CredentialConcKey(id string) string { return fmt.Sprintf("lim:key:%s:inflight", id) }
func TenantRPMKey(id string) string      { return fmt.Sprintf("lim:tenant:%s:rpm", id) }
func TenantConcKey(id string) string     { return fmt.Sprintf("lim:tenant:%s:conc", id) }

// slidingWindowScript trims timestamps older than the window, then admits
// iff the remaining cardinality is under the limit. The member carries a
// random suffix so two admissions in the same millisecond stay distinct.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + 1000)
return {1, count + 1}
`)

// concurrencyAcquireScript increments the in-flight counter, rolling back
// when the limit is exceeded. The TTL is armed on first acquisition so a
// crashed worker's tokens self-heal.
var concurrencyAcquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local v = redis.call('INCR', key)
if v > limit then
  redis.call('DECR', key)
  return {0, v - 1}
end
if v == 1 then
  redis.call('EXPIRE', key, ttl)
end
return {1, v}
`)

// concurrencyReleaseScript decrements, clamping at zero. Going negative can
// only happen after a TTL expiry raced a release; clamping keeps the counter
// sane either way.
var concurrencyReleaseScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('INCR', KEYS[1])
  return 0
end
return v
`)

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	Count    int64
}

// Limiter runs the admission scripts against the coordination store.
type Limiter struct {
	rdb redis.UniversalClient

	// ConcurrencyTTL bounds how long an orphaned in-flight token survives.
	// Must exceed the per-job wall-clock budget.
	ConcurrencyTTL time.Duration
}

// New creates a Limiter with the default 10-minute concurrency TTL.
func New(rdb redis.UniversalClient) *Limiter {
	return &Limiter{rdb: rdb, ConcurrencyTTL: 10 * time.Minute}
}

// AllowRPM performs a sliding-window admission on key with the given
// per-window limit.
func (l *Limiter) AllowRPM(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString()[:8])
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key}, limit, window.Milliseconds(), now, member).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	return decisionFrom(res)
}

// AcquireConcurrency takes one in-flight token on key, bounded by limit.
// Callers must pair every successful acquisition with ReleaseConcurrency.
func (l *Limiter) AcquireConcurrency(ctx context.Context, key string, limit int) (Decision, error) {
	res, err := concurrencyAcquireScript.Run(ctx, l.rdb,
		[]string{key}, limit, int(l.ConcurrencyTTL.Seconds())).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("concurrency acquire script: %w", err)
	}
	return decisionFrom(res)
}

// ReleaseConcurrency returns one in-flight token on key.
func (l *Limiter) ReleaseConcurrency(ctx context.Context, key string) error {
	if err := concurrencyReleaseScript.Run(ctx, l.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("concurrency release script: %w", err)
	}
	return nil
}

// InFlight reads the current in-flight count without mutating it.
func (l *Limiter) InFlight(ctx context.Context, key string) (int64, error) {
	v, err := l.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inflight read: %w", err)
	}
	return v, nil
}

func decisionFrom(res []interface{}) (Decision, error) {
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected script reply: %v", res)
	}
	admitted, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected script reply: %v", res)
	}
	count, ok := res[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected script reply: %v", res)
	}
	return Decision{Admitted: admitted == 1, Count: count}, nil
}
