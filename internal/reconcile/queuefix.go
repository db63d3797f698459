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

const (
	// stalledAfter is how long a job may sit in the processing list before
	// its worker is presumed dead.
	stalledAfter = 2 * time.Minute
	// stuckCallMinutes / stuckContactMinutes bound how long database rows may
	// stay in transient states before the sweep fails them.
	stuckCallMinutes    = 10
	stuckContactMinutes = 30
)

// QueueReconciler recovers jobs stranded in the processing list by crashed
// workers and sweeps database rows stuck in transient states.
type QueueReconciler struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	queue    *queue.Queue
	wl       *waitlist.Service
	repo     *database.Repository
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewQueueReconciler creates the reconciler.
func NewQueueReconciler(coord *kv.Coordinator, tracker *slots.Tracker, q *queue.Queue, wl *waitlist.Service, repo *database.Repository, interval time.Duration) *QueueReconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &QueueReconciler{
		kv:       coord,
		tracker:  tracker,
		queue:    q,
		wl:       wl,
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the recovery loop.
func (r *QueueReconciler) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[QueueReconciler] Started")
}

// Stop halts the loop.
func (r *QueueReconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[QueueReconciler] Stopped")
}

func (r *QueueReconciler) run() {
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

func (r *QueueReconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if err := r.RecoverStalled(ctx); err != nil {
		log.Printf("[QueueReconciler] Error recovering stalled jobs: %v", err)
	}
	if n, err := r.repo.SweepStuckCallLogs(stuckCallMinutes); err != nil {
		log.Printf("[QueueReconciler] Error sweeping stuck call logs: %v", err)
	} else if n > 0 {
		log.Printf("[QueueReconciler] Failed %d stuck call logs", n)
	}
	if n, err := r.repo.SweepStuckContacts(stuckContactMinutes); err != nil {
		log.Printf("[QueueReconciler] Error sweeping stuck contacts: %v", err)
	} else if n > 0 {
		log.Printf("[QueueReconciler] Reset %d stuck contacts", n)
	}
}

// RecoverStalled re-waitlists processing-list jobs whose worker died
// mid-dispatch. Any reservation the job held is released first so the slot
// math stays consistent.
func (r *QueueReconciler) RecoverStalled(ctx context.Context) error {
	stalled, err := r.queue.StalledJobs(ctx, stalledAfter)
	if err != nil {
		return err
	}
	for _, j := range stalled {
		k := slots.NewKeys(j.CampaignID)
		origin := j.Origin
		if origin == "" {
			origin = queue.OriginNormal
		}

		// Drop the job's reservation if the crash happened after reserve.
		member := slots.LedgerMember(origin, j.ID)
		_, held, err := r.kv.ZScore(ctx, k.Ledger(), member)
		if err != nil {
			return err
		}
		if held {
			if err := r.kv.ZRem(ctx, k.Ledger(), member); err != nil {
				return err
			}
			if _, err := r.tracker.DecrReserved(ctx, j.CampaignID); err != nil {
				return err
			}
		}

		if err := r.wl.ReturnToHead(ctx, j.CampaignID, j.ID, origin); err != nil {
			return err
		}
		if err := r.queue.ParkForWaitlist(ctx, j.ID); err != nil {
			return err
		}
		log.Printf("[QueueReconciler] Re-waitlisted stalled job: campaign=%s job=%s", j.CampaignID, j.ID)
	}
	return nil
}
