// Package keypool tracks provider-credential health across worker processes
// and picks the credential a job should run on. Consecutive-failure counting
// and cooldown arming run as one Lua script so that two workers failing the
// same credential at once cannot double-arm or miss the threshold.
package keypool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// FailureThreshold consecutive failures put a credential in cooldown.
	FailureThreshold = 5
	// CooldownDuration is how long a tripped credential stays ineligible.
	CooldownDuration = 10 * time.Minute

	failureCounterTTL = time.Hour
	rollupTTL         = 5 * time.Minute
)

func cooldownKey(id string) string { return fmt.Sprintf("kp:%s:cooldown_until", id) }
func failuresKey(id string) string { return fmt.Sprintf("kp:%s:failures", id) }
func successesKey(id string) string {
	return fmt.Sprintf("kp:%s:successes", id)
}
func endpointKey(provider, endpoint, kind string) string {
	return fmt.Sprintf("ep:%s:%s:%s", provider, endpoint, kind)
}

// healthScript checks the cooldown gate and, when asked, increments the
// consecutive-failure counter, arming the cooldown once the threshold is
// reached. Reply: {available(0|1), cooldown_until_ms}.
var healthScript = redis.NewScript(`
local cdkey = KEYS[1]
local fkey = KEYS[2]
local now = tonumber(ARGV[1])
local inc = tonumber(ARGV[2])
local reset = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local cooldown = tonumber(ARGV[5])
local fttl = tonumber(ARGV[6])
local cd = tonumber(redis.call('GET', cdkey) or '0')
if cd > now then
  return {0, cd}
end
if inc == 1 then
  local f = redis.call('INCR', fkey)
  redis.call('EXPIRE', fkey, fttl)
  if f >= threshold then
    local nu = now + cooldown
    redis.call('SET', cdkey, nu, 'PX', cooldown)
    redis.call('DEL', fkey)
    return {0, nu}
  end
end
if reset == 1 then
  redis.call('DEL', fkey)
end
return {1, 0}
`)

// Availability is the cooldown-gate verdict for one credential.
type Availability struct {
	Available     bool
	CooldownUntil time.Time
}

// HealthTracker records credential and endpoint outcomes in Redis.
type HealthTracker struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewHealthTracker wires a tracker over the shared coordination store.
func NewHealthTracker(rdb redis.UniversalClient, logger *zap.Logger) *HealthTracker {
	return &HealthTracker{rdb: rdb, logger: logger}
}

func (h *HealthTracker) run(ctx context.Context, credID string, inc, reset bool) (Availability, error) {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	res, err := healthScript.Run(ctx, h.rdb,
		[]string{cooldownKey(credID), failuresKey(credID)},
		time.Now().UnixMilli(), b(inc), b(reset),
		FailureThreshold, CooldownDuration.Milliseconds(),
		int(failureCounterTTL.Seconds()),
	).Slice()
	if err != nil {
		return Availability{}, fmt.Errorf("health script: %w", err)
	}
	if len(res) != 2 {
		return Availability{}, fmt.Errorf("unexpected health reply: %v", res)
	}
	avail, _ := res[0].(int64)
	until, _ := res[1].(int64)
	out := Availability{Available: avail == 1}
	if until > 0 {
		out.CooldownUntil = time.UnixMilli(until)
	}
	return out, nil
}

// Check returns the current availability without mutating any counter.
func (h *HealthTracker) Check(ctx context.Context, credID string) (Availability, error) {
	return h.run(ctx, credID, false, false)
}

// MarkSuccess clears the consecutive-failure counter and bumps the success
// rollups for the credential and its endpoint.
func (h *HealthTracker) MarkSuccess(ctx context.Context, credID, provider, endpoint string) error {
	if _, err := h.run(ctx, credID, false, true); err != nil {
		return err
	}
	pipe := h.rdb.Pipeline()
	pipe.Incr(ctx, successesKey(credID))
	pipe.Expire(ctx, successesKey(credID), rollupTTL)
	pipe.Incr(ctx, endpointKey(provider, endpoint, "successes"))
	pipe.Expire(ctx, endpointKey(provider, endpoint, "successes"), rollupTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("success rollup update failed",
			zap.String("credential_id", credID), zap.Error(err))
	}
	return nil
}

// MarkFailure increments the consecutive-failure counter (possibly arming
// the cooldown) and bumps the failure rollups. overload flags a provider 503
// so the endpoint's overload window is tracked separately.
func (h *HealthTracker) MarkFailure(ctx context.Context, credID, provider, endpoint string, overload bool) (Availability, error) {
	avail, err := h.run(ctx, credID, true, false)
	if err != nil {
		return Availability{}, err
	}
	if !avail.Available {
		h.logger.Warn("credential entered cooldown",
			zap.String("credential_id", credID),
			zap.Time("cooldown_until", avail.CooldownUntil))
	}
	pipe := h.rdb.Pipeline()
	pipe.Incr(ctx, endpointKey(provider, endpoint, "failures"))
	pipe.Expire(ctx, endpointKey(provider, endpoint, "failures"), rollupTTL)
	if overload {
		pipe.Incr(ctx, endpointKey(provider, endpoint, "503_count"))
		pipe.Expire(ctx, endpointKey(provider, endpoint, "503_count"), rollupTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("failure rollup update failed",
			zap.String("credential_id", credID), zap.Error(err))
	}
	return avail, nil
}

// HealthScore derives 100*successes/(successes+failures) from the short-TTL
// rollups, defaulting to 100 when there is no recent signal.
func (h *HealthTracker) HealthScore(ctx context.Context, credID string) (float64, error) {
	successes, err := h.counter(ctx, successesKey(credID))
	if err != nil {
		return 0, err
	}
	failures, err := h.counter(ctx, failuresKey(credID))
	if err != nil {
		return 0, err
	}
	if successes+failures == 0 {
		return 100, nil
	}
	return 100 * float64(successes) / float64(successes+failures), nil
}

// EndpointFailureRate derives failures/(successes+failures) for an endpoint,
// defaulting to 0 when there is no recent signal.
func (h *HealthTracker) EndpointFailureRate(ctx context.Context, provider, endpoint string) (float64, error) {
	failures, err := h.counter(ctx, endpointKey(provider, endpoint, "failures"))
	if err != nil {
		return 0, err
	}
	successes, err := h.counter(ctx, endpointKey(provider, endpoint, "successes"))
	if err != nil {
		return 0, err
	}
	if successes+failures == 0 {
		return 0, nil
	}
	return float64(failures) / float64(successes+failures), nil
}

func (h *HealthTracker) counter(ctx context.Context, key string) (int64, error) {
	v, err := h.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter read %s: %w", key, err)
	}
	return v, nil
}
