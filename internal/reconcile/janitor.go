package reconcile

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/slots"
)

// LeaseJanitor converges the leases set with the lease token keys. Lease
// keys expire on their own; the set members they guard do not, so a crashed
// worker leaves a member pointing at nothing. The janitor removes those and
// re-adds members for token keys that survived a partial release.
type LeaseJanitor struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	repo     *database.Repository
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewLeaseJanitor creates the janitor.
func NewLeaseJanitor(coord *kv.Coordinator, tracker *slots.Tracker, repo *database.Repository, interval time.Duration) *LeaseJanitor {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	return &LeaseJanitor{
		kv:       coord,
		tracker:  tracker,
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the janitor loop.
func (j *LeaseJanitor) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.wg.Add(1)
	j.mu.Unlock()

	go j.run()
	log.Println("[Janitor] Started")
}

// Stop halts the loop.
func (j *LeaseJanitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	close(j.stopChan)
	j.wg.Wait()
	log.Println("[Janitor] Stopped")
}

func (j *LeaseJanitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *LeaseJanitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	campaigns, err := j.repo.ListActiveCampaigns()
	if err != nil {
		log.Printf("[Janitor] Error listing campaigns: %v", err)
		return
	}
	for _, c := range campaigns {
		if err := j.SweepCampaign(ctx, c.ID); err != nil {
			log.Printf("[Janitor] Error sweeping campaign %s: %v", c.ID, err)
		}
	}
}

// SweepCampaign runs one janitor pass over a campaign. Idempotent: running it
// twice in a row finds nothing to fix the second time.
func (j *LeaseJanitor) SweepCampaign(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	members, err := j.kv.SMembers(ctx, k.Leases())
	if err != nil {
		return err
	}
	memberSet := make(map[string]bool, len(members))
	freed := 0
	for _, member := range members {
		memberSet[member] = true
		ttl, exists, err := j.kv.TTL(ctx, k.LeaseKeyForMember(member))
		if err != nil {
			return err
		}
		// Healthy leases have comfortable TTL left; absent or near-expired
		// token keys mark dead slots.
		if exists && (ttl <= 0 || ttl > 5*time.Second) {
			continue
		}
		if exists {
			if err := j.kv.Del(ctx, k.LeaseKeyForMember(member)); err != nil {
				return err
			}
		}
		if err := j.kv.SRem(ctx, k.Leases(), member); err != nil {
			return err
		}
		callID, pre := slots.IsPreMember(member)
		kind := "active"
		if pre {
			kind = "pre-dial"
		}
		log.Printf("[Janitor] Reclaimed expired %s lease: campaign=%s call=%s", kind, campaignID, callID)
		freed++
	}

	// Token keys without membership come from a release that removed the
	// member but crashed before deleting the key. Re-adding keeps the set the
	// single source of occupancy; the key's TTL finishes the cleanup later.
	leaseKeys, err := j.kv.ScanKeys(ctx, k.ActiveLease("*"))
	if err != nil {
		return err
	}
	leasePrefix := k.ActiveLease("")
	for _, lk := range leaseKeys {
		member := strings.TrimPrefix(lk, leasePrefix)
		if member == "" || memberSet[member] {
			continue
		}
		ttl, ok, err := j.kv.TTL(ctx, lk)
		if err != nil {
			return err
		}
		if !ok || ttl <= 5*time.Second {
			// About to expire anyway; let it.
			continue
		}
		if err := j.kv.SAdd(ctx, k.Leases(), member); err != nil {
			return err
		}
		log.Printf("[Janitor] Re-added orphan lease member: campaign=%s member=%s", campaignID, member)
	}

	if freed > 0 {
		if err := j.tracker.PublishSlotAvailable(ctx, campaignID); err != nil {
			return err
		}
	}
	return nil
}
