package shutdown

import (
	"context"
	"fmt"
	"log"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
	"dialhub/internal/waitlist"
)

// preReleaseGrace is how long the coordinator waits after releasing pre-dial
// leases before draining reservations, letting in-flight upgrades settle.
const preReleaseGrace = 3 * time.Second

// Stoppable is any background service with the standard Stop method.
type Stoppable interface {
	Stop()
}

// Coordinator runs the graceful shutdown sequence: stop intake, stop the
// background services, hand this worker's speculative slot state back to the
// shared store, and wait for in-flight dispatches to finish. Active calls
// are never torn down; their webhooks land on surviving workers.
type Coordinator struct {
	kv       *kv.Coordinator
	tracker  *slots.Tracker
	queue    *queue.Queue
	wl       *waitlist.Service
	repo     *database.Repository
	services []Stoppable
	timeout  time.Duration
}

// NewCoordinator creates the coordinator. Services are stopped in the order
// given.
func NewCoordinator(coord *kv.Coordinator, tracker *slots.Tracker, q *queue.Queue, wl *waitlist.Service, repo *database.Repository, timeout time.Duration, services ...Stoppable) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		kv:       coord,
		tracker:  tracker,
		queue:    q,
		wl:       wl,
		repo:     repo,
		services: services,
		timeout:  timeout,
	}
}

// Run executes the shutdown sequence. A non-nil error means state may be
// left for the reconcilers to converge and the process should exit non-zero.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Println("[Shutdown] Graceful shutdown starting")

	if err := c.queue.Pause(ctx); err != nil {
		return fmt.Errorf("shutdown: pausing queue: %w", err)
	}

	for _, svc := range c.services {
		svc.Stop()
	}

	campaigns, err := c.repo.ListActiveCampaigns()
	if err != nil {
		return fmt.Errorf("shutdown: listing campaigns: %w", err)
	}

	// Pre-dial leases are speculative: no call exists yet, so they can be
	// released outright. Active leases stay; those calls are still live.
	for _, campaign := range campaigns {
		if err := c.releasePreDial(ctx, campaign.ID); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(preReleaseGrace):
	}

	for _, campaign := range campaigns {
		if err := c.drainReservations(ctx, campaign.ID); err != nil {
			return err
		}
	}

	if err := c.waitForProcessing(ctx); err != nil {
		return err
	}

	log.Println("[Shutdown] Graceful shutdown complete")
	return nil
}

// releasePreDial force-releases every pre-dial lease of a campaign.
func (c *Coordinator) releasePreDial(ctx context.Context, campaignID string) error {
	members, err := c.tracker.LeaseMembers(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("shutdown: listing leases for %s: %w", campaignID, err)
	}
	released := 0
	for _, member := range members {
		callID, pre := slots.IsPreMember(member)
		if !pre {
			continue
		}
		if err := c.tracker.ForceReleaseSlot(ctx, campaignID, callID); err != nil {
			return fmt.Errorf("shutdown: releasing pre-dial lease %s: %w", callID, err)
		}
		released++
	}
	if released > 0 {
		log.Printf("[Shutdown] Released %d pre-dial leases: campaign=%s", released, campaignID)
	}
	return nil
}

// drainReservations hands every pending reservation back to the waitlist
// head of its lane, then clears the counter and ledger.
func (c *Coordinator) drainReservations(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	entries, err := c.kv.ZRangeWithScores(ctx, k.Ledger())
	if err != nil {
		return fmt.Errorf("shutdown: reading ledger for %s: %w", campaignID, err)
	}
	for _, e := range entries {
		origin, jobID := slots.ParseLedgerMember(e.Member)
		if err := c.wl.ReturnToHead(ctx, campaignID, jobID, origin); err != nil {
			return fmt.Errorf("shutdown: re-waitlisting job %s: %w", jobID, err)
		}
	}
	if err := c.kv.Del(ctx, k.Reserved()); err != nil {
		return err
	}
	if err := c.kv.Del(ctx, k.Ledger()); err != nil {
		return err
	}
	if len(entries) > 0 {
		log.Printf("[Shutdown] Drained %d reservations to waitlist: campaign=%s", len(entries), campaignID)
	}
	return nil
}

// waitForProcessing waits until the processing list empties or the timeout
// expires.
func (c *Coordinator) waitForProcessing(ctx context.Context) error {
	deadline := time.Now().Add(c.timeout)
	for {
		n, err := c.queue.ActiveCount(ctx)
		if err != nil {
			return fmt.Errorf("shutdown: reading processing depth: %w", err)
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("shutdown: %d jobs still processing after %s", n, c.timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
