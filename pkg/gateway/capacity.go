package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/vespid/pkg/errs"
)

// reserveScript atomically checks and increments both in-flight counters.
// Either both counters move or neither does; the TTLs are refreshed on
// every successful reservation so abandoned counters eventually decay.
var reserveScript = redis.NewScript(`
local exec = tonumber(redis.call('GET', KEYS[1]) or '0')
local org = tonumber(redis.call('GET', KEYS[2]) or '0')
if exec + 1 > tonumber(ARGV[1]) then
  return 'EXECUTOR_OVER_CAPACITY'
end
if org + 1 > tonumber(ARGV[2]) then
  return 'ORG_QUOTA_EXCEEDED'
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 'OK'
`)

// releaseScript decrements both counters, deleting at zero so stale keys do
// not linger. Floor at zero: a double release must not go negative.
var releaseScript = redis.NewScript(`
for i = 1, 2 do
  local v = tonumber(redis.call('GET', KEYS[i]) or '0')
  if v <= 1 then
    redis.call('DEL', KEYS[i])
  else
    redis.call('DECR', KEYS[i])
  end
end
return 'OK'
`)

// Capacity applies per-executor and per-org in-flight limits through a
// single atomic script, the only path that mutates the counters.
type Capacity struct {
	rdb           *redis.Client
	ttl           time.Duration
	defaultOrgMax int
}

// NewCapacity creates the capacity accountant.
func NewCapacity(rdb *redis.Client, ttl time.Duration, defaultOrgMax int) *Capacity {
	return &Capacity{rdb: rdb, ttl: ttl, defaultOrgMax: defaultOrgMax}
}

// Reserve takes one in-flight slot on both the executor and the org.
// orgMax <= 0 falls back to the configured default. Failure leaves both
// counters untouched.
func (c *Capacity) Reserve(ctx context.Context, executorID, orgID string, executorMax, orgMax int) error {
	if orgMax <= 0 {
		orgMax = c.defaultOrgMax
	}
	keys := []string{executorInFlightKeyPrefix + executorID, orgInFlightKeyPrefix + orgID}
	res, err := reserveScript.Run(ctx, c.rdb, keys, executorMax, orgMax, c.ttl.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("capacity reservation failed: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case errs.CodeExecutorOverCapacity:
		return errs.Newf(errs.CodeExecutorOverCapacity, "executor %s at max in-flight %d", executorID, executorMax)
	case errs.CodeOrgQuotaExceeded:
		return errs.Newf(errs.CodeOrgQuotaExceeded, "org %s at max in-flight %d", orgID, orgMax)
	default:
		return fmt.Errorf("unexpected reservation result %q", res)
	}
}

// Release frees the slots taken by Reserve. Idempotent.
func (c *Capacity) Release(ctx context.Context, executorID, orgID string) error {
	keys := []string{executorInFlightKeyPrefix + executorID, orgInFlightKeyPrefix + orgID}
	if err := releaseScript.Run(ctx, c.rdb, keys).Err(); err != nil {
		return fmt.Errorf("capacity release failed: %w", err)
	}
	return nil
}

// InFlight returns the current in-flight count for an executor.
func (c *Capacity) InFlight(ctx context.Context, executorID string) (int, error) {
	n, err := c.rdb.Get(ctx, executorInFlightKeyPrefix+executorID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight count: %w", err)
	}
	return n, nil
}
