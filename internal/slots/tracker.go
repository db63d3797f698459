package slots

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"dialhub/internal/kv"
)

var (
	// ErrCampaignPaused is returned when the pause flag blocks a reservation.
	ErrCampaignPaused = errors.New("slots: campaign paused")
	// ErrLimitMissing means the limit key is unset; the caller must seed it
	// from the campaign row before reserving.
	ErrLimitMissing = errors.New("slots: limit key missing")
	// ErrTokenMismatch means an upgrade lost the race against the janitor or
	// another worker. The caller must treat the slot as lost and release.
	ErrTokenMismatch = errors.New("slots: pre-dial token mismatch")
)

// Decision is the outcome of a reservation attempt.
type Decision string

const (
	Granted    Decision = "granted"
	Waitlisted Decision = "waitlisted"
)

// PausedFlagTTL is the lifetime of the pause flag; the lifecycle controller
// refreshes it well before expiry.
const PausedFlagTTL = 300 * time.Second

// Tracker enforces per-campaign concurrency caps across the worker fleet
// through atomic scripts on the shared key-value store.
type Tracker struct {
	kv        *kv.Coordinator
	preTTL    time.Duration
	activeTTL time.Duration
}

// NewTracker creates a tracker with the configured lease TTLs.
func NewTracker(coord *kv.Coordinator, preTTL, activeTTL time.Duration) *Tracker {
	return &Tracker{kv: coord, preTTL: preTTL, activeTTL: activeTTL}
}

// KV exposes the coordinator for collaborating services that share keys.
func (t *Tracker) KV() *kv.Coordinator {
	return t.kv
}

// newToken mints an opaque lease token: 16 random bytes, hex-encoded.
func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// ReserveSlot atomically checks occupancy against the limit and, when there
// is room, increments the reservation counter and records the ledger entry.
func (t *Tracker) ReserveSlot(ctx context.Context, campaignID, origin, jobID string) (Decision, error) {
	k := NewKeys(campaignID)
	member := LedgerMember(origin, jobID)
	res, err := t.kv.Run(ctx, reserveScript,
		[]string{k.Paused(), k.Limit(), k.Leases(), k.Reserved(), k.Ledger(), k.ColdStart()},
		member, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	switch res {
	case "granted":
		return Granted, nil
	case "waitlisted":
		return Waitlisted, nil
	case "paused":
		return "", ErrCampaignPaused
	case "nolimit":
		return "", ErrLimitMissing
	}
	return "", fmt.Errorf("slots: unexpected reserve result %v", res)
}

// CreatePreDialLease converts a reservation into a short-lived pre-dial
// lease and returns its token. The reserved counter clamps at zero; when it
// was already empty the lease is still created and drift is logged for the
// reconciler to converge.
func (t *Tracker) CreatePreDialLease(ctx context.Context, campaignID, origin, jobID, callID string) (string, error) {
	k := NewKeys(campaignID)
	token := newToken()
	res, err := t.kv.Run(ctx, preDialScript,
		[]string{k.Reserved(), k.Leases(), k.PreDialLease(callID), k.Ledger()},
		token, int(t.preTTL.Seconds()), PreMember(callID), LedgerMember(origin, jobID),
	)
	if err != nil {
		return "", err
	}
	if n, ok := res.(int64); ok && n == 1 {
		log.Printf("[Slots] Reserved counter drift on campaign %s (counter was zero at pre-dial)", campaignID)
	}
	return token, nil
}

// UpgradeToActive performs the token-matched compare-and-swap from pre-dial
// to active lease. On success the new active token is returned; a mismatch
// returns ErrTokenMismatch without mutating any state.
func (t *Tracker) UpgradeToActive(ctx context.Context, campaignID, callID, preDialToken string) (string, error) {
	k := NewKeys(campaignID)
	token := newToken()
	res, err := t.kv.Run(ctx, upgradeScript,
		[]string{k.PreDialLease(callID), k.Leases(), k.ActiveLease(callID)},
		preDialToken, token, int(t.activeTTL.Seconds()), PreMember(callID), callID,
	)
	if err != nil {
		return "", err
	}
	if s, _ := res.(string); s == "" {
		return "", ErrTokenMismatch
	}
	return token, nil
}

// ReleaseActive drops an active lease and publishes a slot-available signal.
func (t *Tracker) ReleaseActive(ctx context.Context, campaignID, callID string) error {
	k := NewKeys(campaignID)
	if _, err := t.kv.Run(ctx, releaseScript,
		[]string{k.Leases(), k.ActiveLease(callID)}, callID,
	); err != nil {
		return err
	}
	return t.PublishSlotAvailable(ctx, campaignID)
}

// ForceReleaseSlot removes both lease shapes for a call id unconditionally.
// Used by the janitor and shutdown paths; idempotent.
func (t *Tracker) ForceReleaseSlot(ctx context.Context, campaignID, callID string) error {
	k := NewKeys(campaignID)
	if _, err := t.kv.Run(ctx, forceReleaseScript,
		[]string{k.Leases(), k.PreDialLease(callID), k.ActiveLease(callID)},
		PreMember(callID), callID,
	); err != nil {
		return err
	}
	return t.PublishSlotAvailable(ctx, campaignID)
}

// DecrReserved runs the clamped decrement on the reservation counter.
func (t *Tracker) DecrReserved(ctx context.Context, campaignID string) (int64, error) {
	k := NewKeys(campaignID)
	res, err := t.kv.Run(ctx, decrReservedScript, []string{k.Reserved()})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// ActiveCalls returns the cardinality of the leases set (pre-dial included).
func (t *Tracker) ActiveCalls(ctx context.Context, campaignID string) (int64, error) {
	return t.kv.SCard(ctx, NewKeys(campaignID).Leases())
}

// LeaseMembers returns the raw leases-set membership; callers split pre-dial
// from active with IsPreMember.
func (t *Tracker) LeaseMembers(ctx context.Context, campaignID string) ([]string, error) {
	return t.kv.SMembers(ctx, NewKeys(campaignID).Leases())
}

// HasReservation reports whether a job already holds a counted reservation
// in the campaign's ledger.
func (t *Tracker) HasReservation(ctx context.Context, campaignID, origin, jobID string) (bool, error) {
	k := NewKeys(campaignID)
	_, held, err := t.kv.ZScore(ctx, k.Ledger(), LedgerMember(origin, jobID))
	return held, err
}

// Reserved reads the reservation counter, treating absence as zero.
func (t *Tracker) Reserved(ctx context.Context, campaignID string) (int64, error) {
	v, ok, err := t.kv.Get(ctx, NewKeys(campaignID).Reserved())
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Limit reads the limit key; ok is false when unseeded.
func (t *Tracker) Limit(ctx context.Context, campaignID string) (int, bool, error) {
	v, ok, err := t.kv.Get(ctx, NewKeys(campaignID).Limit())
	if err != nil || !ok {
		return 0, false, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, true, nil
}

// SetLimit writes the limit key, the dispatch-time source of truth.
func (t *Tracker) SetLimit(ctx context.Context, campaignID string, limit int) error {
	return t.kv.Set(ctx, NewKeys(campaignID).Limit(), fmt.Sprintf("%d", limit), 0)
}

// RefreshActiveLease extends the TTL of an active lease during a long call.
// Best effort: refreshing a lease that expired is a no-op.
func (t *Tracker) RefreshActiveLease(ctx context.Context, campaignID, callID string) error {
	_, err := t.kv.Expire(ctx, NewKeys(campaignID).ActiveLease(callID), t.activeTTL)
	return err
}

// SetPaused raises the short-TTL pause flag.
func (t *Tracker) SetPaused(ctx context.Context, campaignID string) error {
	k := NewKeys(campaignID)
	if err := t.kv.Set(ctx, k.Paused(), "1", PausedFlagTTL); err != nil {
		return err
	}
	return t.kv.Publish(ctx, k.PausedChannel(), "1")
}

// RefreshPaused re-arms the pause flag TTL.
func (t *Tracker) RefreshPaused(ctx context.Context, campaignID string) error {
	return t.kv.Set(ctx, NewKeys(campaignID).Paused(), "1", PausedFlagTTL)
}

// ClearPaused removes the pause flag.
func (t *Tracker) ClearPaused(ctx context.Context, campaignID string) error {
	return t.kv.Del(ctx, NewKeys(campaignID).Paused())
}

// IsPaused checks the pause flag. Dispatch workers consult this before any
// slot grant (the reserve script re-checks atomically).
func (t *Tracker) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	return t.kv.Exists(ctx, NewKeys(campaignID).Paused())
}

// SetColdStart seeds the ramp-up marker for the configured duration.
func (t *Tracker) SetColdStart(ctx context.Context, campaignID string, ttl time.Duration) error {
	return t.kv.Set(ctx, NewKeys(campaignID).ColdStart(), "1", ttl)
}

// PublishSlotAvailable signals waitlist promoters that capacity appeared.
// The payload is ignored by subscribers.
func (t *Tracker) PublishSlotAvailable(ctx context.Context, campaignID string) error {
	return t.kv.Publish(ctx, NewKeys(campaignID).SlotAvailableChannel(), "1")
}

// PreDialTTL returns the configured pre-dial lease TTL.
func (t *Tracker) PreDialTTL() time.Duration { return t.preTTL }

// ActiveTTL returns the configured active lease TTL.
func (t *Tracker) ActiveTTL() time.Duration { return t.activeTTL }
