package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
	"dialhub/internal/waitlist"
)

// LedgerReconciler converges the reserved counter with its ledger. A worker
// that reserves a slot and dies before pre-dial leaves a counted reservation
// no release path will ever decrement; the ledger entry's age exposes it.
type LedgerReconciler struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	queue    *queue.Queue
	wl       *waitlist.Service
	repo     *database.Repository
	grace    time.Duration
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewLedgerReconciler creates the reconciler with the configured entry grace
// period.
func NewLedgerReconciler(coord *kv.Coordinator, tracker *slots.Tracker, q *queue.Queue, wl *waitlist.Service, repo *database.Repository, grace, interval time.Duration) *LedgerReconciler {
	if grace <= 0 {
		grace = 15 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &LedgerReconciler{
		kv:       coord,
		tracker:  tracker,
		queue:    q,
		wl:       wl,
		repo:     repo,
		grace:    grace,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *LedgerReconciler) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[LedgerReconciler] Started")
}

// Stop halts the loop.
func (r *LedgerReconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[LedgerReconciler] Stopped")
}

func (r *LedgerReconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *LedgerReconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	campaigns, err := r.repo.ListActiveCampaigns()
	if err != nil {
		log.Printf("[LedgerReconciler] Error listing campaigns: %v", err)
		return
	}
	for _, c := range campaigns {
		if err := r.ReconcileCampaign(ctx, c.ID); err != nil {
			log.Printf("[LedgerReconciler] Error reconciling campaign %s: %v", c.ID, err)
		}
	}
}

// ReconcileCampaign runs one pass: stale ledger entries are released and
// their jobs re-waitlisted, then the counter is clamped down to the ledger
// cardinality when it drifted above it.
func (r *LedgerReconciler) ReconcileCampaign(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	entries, err := r.kv.ZRangeWithScores(ctx, k.Ledger())
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-r.grace).UnixMilli()
	for _, e := range entries {
		if int64(e.Score) > cutoff {
			continue
		}
		origin, jobID := slots.ParseLedgerMember(e.Member)

		// A job still waiting on the queue keeps its reservation; promoted
		// jobs carry theirs across the queue hop. The pre-dial handoff
		// consumes the entry in the same script that creates the lease, so a
		// leased job never appears here.
		queued, err := r.queue.IsQueued(ctx, jobID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}

		// Entry older than grace: the pre-dial handoff that should have
		// consumed it never happened.
		if err := r.kv.ZRem(ctx, k.Ledger(), e.Member); err != nil {
			return err
		}
		if _, err := r.tracker.DecrReserved(ctx, campaignID); err != nil {
			return err
		}
		log.Printf("[LedgerReconciler] Released stale reservation: campaign=%s job=%s age=%s",
			campaignID, jobID, time.Since(time.UnixMilli(int64(e.Score))).Truncate(time.Second))

		alive, err := r.queue.Exists(ctx, jobID)
		if err != nil {
			return err
		}
		if alive {
			// The job payload survived; give it another turn at the head of
			// its lane instead of dropping the contact.
			if err := r.wl.ReturnToHead(ctx, campaignID, jobID, origin); err != nil {
				return err
			}
		}
		if err := r.tracker.PublishSlotAvailable(ctx, campaignID); err != nil {
			return err
		}
	}

	return r.clampReserved(ctx, campaignID, k)
}

// clampScript lowers the reserved counter to the ledger cardinality when the
// counter exceeds it. Done in one script so a concurrent reserve cannot be
// clobbered.
var clampScript = kv.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local card = redis.call('ZCARD', KEYS[2])
if reserved > card then
  redis.call('SET', KEYS[1], card)
  return reserved - card
end
return 0
`)

func (r *LedgerReconciler) clampReserved(ctx context.Context, campaignID string, k slots.Keys) error {
	res, err := r.kv.Run(ctx, clampScript, []string{k.Reserved(), k.Ledger()})
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n > 0 {
		log.Printf("[LedgerReconciler] Clamped reserved counter by %d: campaign=%s", n, campaignID)
		if err := r.tracker.PublishSlotAvailable(ctx, campaignID); err != nil {
			return err
		}
	}
	return nil
}

// Grace returns the configured entry grace, for the invariant monitor's
// reporting.
func (r *LedgerReconciler) Grace() time.Duration { return r.grace }
