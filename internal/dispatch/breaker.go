package dispatch

import (
	"context"
	"log"
	"time"

	"dialhub/internal/kv"
	"dialhub/internal/slots"
)

// failWindow bounds how long consecutive failures stay counted. A quiet
// period resets the breaker naturally through key expiry.
const failWindow = 60 * time.Second

// Breaker is a per-campaign circuit breaker shared across the worker fleet.
// State lives in the key-value store so every worker sees the same circuit:
// a failure counter with a sliding expiry and a cooldown flag that opens the
// circuit once the counter crosses the threshold.
type Breaker struct {
	kv        *kv.Coordinator
	threshold int
	cooldown  time.Duration
}

// NewBreaker creates a breaker with the configured trip threshold and
// cooldown.
func NewBreaker(coord *kv.Coordinator, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{kv: coord, threshold: threshold, cooldown: cooldown}
}

// tripScript bumps the failure counter and opens the circuit atomically when
// the threshold is reached, so two workers failing at once cannot both miss
// the trip.
var tripScript = kv.NewScript(`
local fails = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
if fails >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[2], '1', 'EX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RecordFailure counts a temporary vendor failure against the campaign.
// Returns true when this failure tripped the circuit open.
func (b *Breaker) RecordFailure(ctx context.Context, campaignID string) (bool, error) {
	k := slots.NewKeys(campaignID)
	res, err := b.kv.Run(ctx, tripScript,
		[]string{k.CircuitFails(), k.Circuit()},
		int(failWindow.Seconds()), b.threshold, int(b.cooldown.Seconds()),
	)
	if err != nil {
		return false, err
	}
	tripped := res == int64(1)
	if tripped {
		log.Printf("[Breaker] Circuit opened for campaign %s (cooldown %s)", campaignID, b.cooldown)
	}
	return tripped, nil
}

// RecordSuccess resets the failure counter after a vendor accept.
func (b *Breaker) RecordSuccess(ctx context.Context, campaignID string) error {
	return b.kv.Del(ctx, slots.NewKeys(campaignID).CircuitFails())
}

// IsOpen reports whether the campaign's circuit is in cooldown. The flag
// expires on its own; there is no explicit close.
func (b *Breaker) IsOpen(ctx context.Context, campaignID string) (bool, error) {
	return b.kv.Exists(ctx, slots.NewKeys(campaignID).Circuit())
}

// Cooldown returns the configured open duration.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }
