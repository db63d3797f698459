package slots

import "dialhub/internal/kv"

// All slot-granting decisions happen inside single atomic scripts: between
// any two round trips the counters may be stale, so reads and writes that
// together decide a grant must not be separated.

// reserveScript checks the paused flag, compares occupancy against the limit
// and either increments the reservation counter or reports saturation.
//
// KEYS: paused, limit, leases, reserved, ledger, cold-start
// ARGV: ledgerMember, nowMs
// Returns: "paused" | "nolimit" | "waitlisted" | "granted"
//
// The ledger entry is added NX so a reissued job keeps its original score
// and its waitlist aging is preserved. The cold-start marker halves the
// effective limit during ramp-up.
var reserveScript = kv.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'paused'
end
local limit = tonumber(redis.call('GET', KEYS[2]) or '0')
if limit <= 0 then
  return 'nolimit'
end
if redis.call('EXISTS', KEYS[6]) == 1 then
  local damped = math.floor(limit / 2)
  if damped < 1 then damped = 1 end
  limit = damped
end
local active = redis.call('SCARD', KEYS[3])
local reserved = tonumber(redis.call('GET', KEYS[4]) or '0')
if active + reserved >= limit then
  return 'waitlisted'
end
redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[5], 'NX', ARGV[2], ARGV[1])
return 'granted'
`)

// preDialScript converts a reservation into a pre-dial lease. The reserved
// counter is clamped at zero: when it is already empty the lease is still
// created and the caller logs drift for the reconciler.
//
// KEYS: reserved, leases, preLeaseKey, ledger
// ARGV: token, ttlSeconds, preMember, ledgerMember
// Returns: 0 normally, 1 when the counter was already zero
var preDialScript = kv.NewScript(`
local drift = 0
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
if reserved > 0 then
  redis.call('DECR', KEYS[1])
else
  redis.call('SET', KEYS[1], '0')
  drift = 1
end
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[4])
return drift
`)

// upgradeScript is the compare-and-swap from pre-dial to active: the stored
// pre-dial token is the expected value, the new active token the replacement.
// A mismatch mutates nothing.
//
// KEYS: preLeaseKey, leases, activeLeaseKey
// ARGV: preToken, activeToken, ttlSeconds, preMember, activeMember
// Returns: activeToken on success, "" on token mismatch
var upgradeScript = kv.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return ''
end
redis.call('SREM', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
return ARGV[2]
`)

// releaseScript removes an active lease and its set membership.
//
// KEYS: leases, activeLeaseKey
// ARGV: activeMember
// Returns: number of members removed
var releaseScript = kv.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed
`)

// forceReleaseScript unconditionally strips both lease shapes for a call id.
// Idempotent by construction.
//
// KEYS: leases, preLeaseKey, activeLeaseKey
// ARGV: preMember, activeMember
// Returns: number of members removed
var forceReleaseScript = kv.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2], KEYS[3])
return removed
`)

// decrReservedScript decrements the reservation counter without ever letting
// it go negative. An absent counter is treated as zero.
//
// KEYS: reserved
// Returns: the counter after the decrement
var decrReservedScript = kv.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  redis.call('SET', KEYS[1], '0')
  return 0
end
return redis.call('DECR', KEYS[1])
`)
