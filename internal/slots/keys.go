package slots

import (
	"fmt"
	"strings"
)

// Keys builds the per-campaign key set. Every key embeds the campaign id in
// hash-tag braces so multi-key scripts land on one cluster slot. The braces
// are part of the key format, not a convention.
type Keys struct {
	CampaignID string
	prefix     string
}

// NewKeys returns the key builder for a campaign.
func NewKeys(campaignID string) Keys {
	return Keys{
		CampaignID: campaignID,
		prefix:     fmt.Sprintf("campaign:{%s}:", campaignID),
	}
}

func (k Keys) Leases() string       { return k.prefix + "leases" }
func (k Keys) Limit() string        { return k.prefix + "limit" }
func (k Keys) Reserved() string     { return k.prefix + "reserved" }
func (k Keys) Ledger() string       { return k.prefix + "reserved:ledger" }
func (k Keys) Paused() string       { return k.prefix + "paused" }
func (k Keys) PromoteGate() string  { return k.prefix + "promote-gate" }
func (k Keys) PromoteMutex() string { return k.prefix + "promote-mutex" }
func (k Keys) CircuitFails() string { return k.prefix + "cb:fail" }
func (k Keys) Circuit() string      { return k.prefix + "circuit" }
func (k Keys) Fairness() string     { return k.prefix + "fairness" }
func (k Keys) ColdStart() string    { return k.prefix + "cold-start" }

func (k Keys) WaitlistHigh() string   { return k.prefix + "waitlist:high" }
func (k Keys) WaitlistNormal() string { return k.prefix + "waitlist:normal" }
func (k Keys) WaitlistSeen() string   { return k.prefix + "waitlist:seen" }

func (k Keys) WaitlistMarker(jobID string) string {
	return k.prefix + "waitlist:marker:" + jobID
}

// ActiveLease is the token key for an active lease.
func (k Keys) ActiveLease(callID string) string {
	return k.prefix + "lease:" + callID
}

// PreDialLease is the token key for a pre-dial lease.
func (k Keys) PreDialLease(callID string) string {
	return k.prefix + "lease:" + PreMember(callID)
}

// LeaseKeyForMember maps a leases-set member (pre-tagged or bare) to its
// token key.
func (k Keys) LeaseKeyForMember(member string) string {
	return k.prefix + "lease:" + member
}

// AllStatic lists every fixed-name key the campaign owns, for purge.
func (k Keys) AllStatic() []string {
	return []string{
		k.Leases(), k.Limit(), k.Reserved(), k.Ledger(), k.Paused(),
		k.PromoteGate(), k.PromoteMutex(), k.CircuitFails(), k.Circuit(),
		k.Fairness(), k.ColdStart(),
		k.WaitlistHigh(), k.WaitlistNormal(), k.WaitlistSeen(),
	}
}

// DynamicPatterns lists the SCAN patterns for per-call and per-job keys.
func (k Keys) DynamicPatterns() []string {
	return []string{
		k.prefix + "lease:*",
		k.prefix + "waitlist:marker:*",
	}
}

// SlotAvailableChannel is the pub/sub channel promoted listeners subscribe to.
func (k Keys) SlotAvailableChannel() string {
	return "campaign:" + k.CampaignID + ":slot-available"
}

// PausedChannel announces pause/resume transitions.
func (k Keys) PausedChannel() string {
	return "campaign:" + k.CampaignID + ":paused"
}

const preMemberPrefix = "pre-"

// PreMember tags a call id as a pre-dial member of the leases set.
func PreMember(callID string) string {
	return preMemberPrefix + callID
}

// IsPreMember reports whether a leases-set member is a pre-dial lease, and
// returns the bare call id either way.
func IsPreMember(member string) (callID string, pre bool) {
	if strings.HasPrefix(member, preMemberPrefix) {
		return strings.TrimPrefix(member, preMemberPrefix), true
	}
	return member, false
}

// LedgerMember encodes a reserved-ledger entry as "<origin>:<jobId>".
func LedgerMember(origin, jobID string) string {
	return origin + ":" + jobID
}

// ParseLedgerMember splits a ledger entry. Malformed members default to
// normal origin so drained jobs are never dropped.
func ParseLedgerMember(member string) (origin, jobID string) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "N", member
	}
	return parts[0], parts[1]
}
