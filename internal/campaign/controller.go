package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
)

var (
	// ErrInvalidTransition is returned when the campaign is not in a state
	// the requested operation accepts.
	ErrInvalidTransition = errors.New("campaign: invalid state transition")
)

// NearSaturationError rejects a limit reduction that would strand calls
// already in flight.
type NearSaturationError struct {
	ActiveCalls    int64 `json:"activeCalls"`
	RequestedLimit int   `json:"requestedLimit"`
}

func (e *NearSaturationError) Error() string {
	return fmt.Sprintf("campaign: %d active calls too close to requested limit %d", e.ActiveCalls, e.RequestedLimit)
}

// Notifier mirrors the dispatch notifier so the controller can announce
// lifecycle transitions.
type Notifier interface {
	Broadcast(event string, payload interface{})
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, interface{}) {}

// Controller drives campaign lifecycle transitions and keeps the database
// state and the key-value slot state moving together.
type Controller struct {
	repo     *database.Repository
	tracker  *slots.Tracker
	queue    *queue.Queue
	kv       *kv.Coordinator
	notifier Notifier

	coldStartTTL time.Duration
	drainTimeout time.Duration
}

// NewController wires the lifecycle controller.
func NewController(repo *database.Repository, tracker *slots.Tracker, q *queue.Queue, coord *kv.Coordinator, notifier Notifier, coldStartTTL time.Duration) *Controller {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if coldStartTTL <= 0 {
		coldStartTTL = 60 * time.Second
	}
	return &Controller{
		repo:         repo,
		tracker:      tracker,
		queue:        q,
		kv:           coord,
		notifier:     notifier,
		coldStartTTL: coldStartTTL,
		drainTimeout: 30 * time.Second,
	}
}

// Start activates a draft or paused campaign: seed the limit, clear the
// pause flag, arm the cold-start ramp, and enqueue pending contacts.
func (c *Controller) Start(ctx context.Context, campaignID string) error {
	campaign, err := c.repo.GetCampaign(campaignID)
	if err != nil {
		return err
	}

	changed, err := c.repo.UpdateCampaignState(campaignID, database.CampaignActive,
		database.CampaignDraft, database.CampaignPaused)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("campaign %s in state %s: %w", campaignID, campaign.State, ErrInvalidTransition)
	}

	if err := c.tracker.SetLimit(ctx, campaignID, campaign.ConcurrentCallsLimit); err != nil {
		return err
	}
	if err := c.tracker.ClearPaused(ctx, campaignID); err != nil {
		return err
	}
	if err := c.tracker.SetColdStart(ctx, campaignID, c.coldStartTTL); err != nil {
		return err
	}

	enqueued, err := c.enqueuePending(ctx, campaignID)
	if err != nil {
		return err
	}

	c.notifier.Broadcast("campaign.started", map[string]interface{}{
		"campaignId": campaignID,
		"enqueued":   enqueued,
	})
	log.Printf("[Campaign] Started campaign %s (%d contacts enqueued)", campaignID, enqueued)
	return nil
}

// enqueuePending moves pending contacts onto the dispatch queue in batches.
func (c *Controller) enqueuePending(ctx context.Context, campaignID string) (int, error) {
	const batch = 1000
	total := 0
	for {
		contacts, err := c.repo.ListPendingContacts(campaignID, batch)
		if err != nil {
			return total, err
		}
		if len(contacts) == 0 {
			return total, nil
		}
		ids := make([]string, 0, len(contacts))
		for i := range contacts {
			job := queue.NewJob(campaignID, contacts[i].ID, queue.OriginNormal, contacts[i].Attempts)
			if err := c.queue.Enqueue(ctx, job); err != nil {
				return total, err
			}
			ids = append(ids, contacts[i].ID)
			total++
		}
		if err := c.repo.MarkContactsQueued(ids); err != nil {
			return total, err
		}
		if len(contacts) < batch {
			return total, nil
		}
	}
}

// Pause stops new dials for a campaign. In-flight calls complete normally.
// The pause flag carries a TTL; RefreshPauseFlags keeps it alive.
func (c *Controller) Pause(ctx context.Context, campaignID string) error {
	changed, err := c.repo.UpdateCampaignState(campaignID, database.CampaignPaused, database.CampaignActive)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrInvalidTransition)
	}
	if err := c.tracker.SetPaused(ctx, campaignID); err != nil {
		return err
	}
	c.notifier.Broadcast("campaign.paused", map[string]interface{}{"campaignId": campaignID})
	log.Printf("[Campaign] Paused campaign %s", campaignID)
	return nil
}

// Resume reactivates a paused campaign and nudges the promoter.
func (c *Controller) Resume(ctx context.Context, campaignID string) error {
	changed, err := c.repo.UpdateCampaignState(campaignID, database.CampaignActive, database.CampaignPaused)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrInvalidTransition)
	}
	if err := c.tracker.ClearPaused(ctx, campaignID); err != nil {
		return err
	}
	if err := c.tracker.PublishSlotAvailable(ctx, campaignID); err != nil {
		return err
	}
	c.notifier.Broadcast("campaign.resumed", map[string]interface{}{"campaignId": campaignID})
	log.Printf("[Campaign] Resumed campaign %s", campaignID)
	return nil
}

// RefreshPauseFlags re-arms the pause flag for every paused campaign. The
// lifecycle refresher calls this well inside the flag TTL so a paused
// campaign cannot silently resume when the flag expires.
func (c *Controller) RefreshPauseFlags(ctx context.Context) error {
	campaigns, err := c.repo.ListActiveCampaigns()
	if err != nil {
		return err
	}
	for _, campaign := range campaigns {
		if campaign.State != database.CampaignPaused {
			continue
		}
		if err := c.tracker.RefreshPaused(ctx, campaign.ID); err != nil {
			return err
		}
	}
	return nil
}

// Cancel terminates a campaign: block new grants, drop queued and scheduled
// work, wait briefly for in-flight calls, then tear down the slot state.
func (c *Controller) Cancel(ctx context.Context, campaignID string) error {
	changed, err := c.repo.UpdateCampaignState(campaignID, database.CampaignCancelled,
		database.CampaignDraft, database.CampaignActive, database.CampaignPaused)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrInvalidTransition)
	}

	if err := c.tracker.SetPaused(ctx, campaignID); err != nil {
		return err
	}
	if _, err := c.queue.CancelCampaignJobs(ctx, campaignID); err != nil {
		return err
	}
	if _, err := c.repo.CancelScheduledRetries(campaignID); err != nil {
		return err
	}
	if _, err := c.repo.SkipUnfinishedContacts(campaignID); err != nil {
		return err
	}

	if err := c.drainAndRelease(ctx, campaignID); err != nil {
		return err
	}
	if err := c.PurgeState(ctx, campaignID); err != nil {
		return err
	}
	if err := c.repo.RefreshCampaignStats(campaignID); err != nil {
		return err
	}

	c.notifier.Broadcast("campaign.cancelled", map[string]interface{}{"campaignId": campaignID})
	log.Printf("[Campaign] Cancelled campaign %s", campaignID)
	return nil
}

// drainAndRelease waits up to the drain timeout for active calls to finish,
// then force-releases whatever remains.
func (c *Controller) drainAndRelease(ctx context.Context, campaignID string) error {
	deadline := time.Now().Add(c.drainTimeout)
	for time.Now().Before(deadline) {
		n, err := c.tracker.ActiveCalls(ctx, campaignID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	members, err := c.tracker.LeaseMembers(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, member := range members {
		callID, _ := slots.IsPreMember(member)
		if err := c.tracker.ForceReleaseSlot(ctx, campaignID, callID); err != nil {
			return err
		}
	}
	if len(members) > 0 {
		log.Printf("[Campaign] Force-released %d leases on cancel: campaign=%s", len(members), campaignID)
	}
	return nil
}

// RetryFailed requeues retryable contacts of a campaign and returns how many
// were requeued. A completed campaign reopens to active.
func (c *Controller) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	campaign, err := c.repo.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.State == database.CampaignCancelled {
		return 0, fmt.Errorf("campaign %s: %w", campaignID, ErrInvalidTransition)
	}

	contacts, err := c.repo.ListRetryableContacts(campaignID, campaign.MaxRetryAttempts, !campaign.ExcludeVoicemail)
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		return 0, nil
	}

	if campaign.State == database.CampaignCompleted {
		if _, err := c.repo.UpdateCampaignState(campaignID, database.CampaignActive, database.CampaignCompleted); err != nil {
			return 0, err
		}
		if err := c.tracker.SetLimit(ctx, campaignID, campaign.ConcurrentCallsLimit); err != nil {
			return 0, err
		}
	}

	requeued := 0
	for i := range contacts {
		if err := c.repo.UpdateContactStatus(contacts[i].ID, database.ContactQueued); err != nil {
			return requeued, err
		}
		job := queue.NewJob(campaignID, contacts[i].ID, queue.OriginNormal, contacts[i].Attempts)
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return requeued, err
		}
		requeued++
	}

	log.Printf("[Campaign] Requeued %d failed contacts for campaign %s", requeued, campaignID)
	return requeued, nil
}

// UpdateLimit changes the concurrency cap. Reductions are refused while
// active calls sit above 90% of the requested limit; the caller surfaces the
// NearSaturationError so the client can retry once calls drain.
func (c *Controller) UpdateLimit(ctx context.Context, campaignID string, newLimit int) error {
	campaign, err := c.repo.GetCampaign(campaignID)
	if err != nil {
		return err
	}

	if newLimit < campaign.ConcurrentCallsLimit {
		active, err := c.tracker.ActiveCalls(ctx, campaignID)
		if err != nil {
			return err
		}
		if float64(active) > 0.9*float64(newLimit) {
			return &NearSaturationError{ActiveCalls: active, RequestedLimit: newLimit}
		}
	}

	if err := c.repo.UpdateCampaignLimit(campaignID, newLimit); err != nil {
		return err
	}
	if err := c.tracker.SetLimit(ctx, campaignID, newLimit); err != nil {
		return err
	}
	if newLimit > campaign.ConcurrentCallsLimit {
		// Capacity grew; wake the promoter.
		if err := c.tracker.PublishSlotAvailable(ctx, campaignID); err != nil {
			return err
		}
	}

	c.notifier.Broadcast("campaign.limit", map[string]interface{}{
		"campaignId": campaignID,
		"limit":      newLimit,
	})
	log.Printf("[Campaign] Limit for campaign %s: %d -> %d", campaignID, campaign.ConcurrentCallsLimit, newLimit)
	return nil
}

// PurgeState removes every key-value artifact of a campaign. Ordered so
// concurrent dispatchers see the pause flag before keys start vanishing.
// Idempotent: purging a purged campaign is a no-op.
func (c *Controller) PurgeState(ctx context.Context, campaignID string) error {
	k := slots.NewKeys(campaignID)

	if err := c.tracker.SetPaused(ctx, campaignID); err != nil {
		return err
	}
	// An active campaign is parked in the database too; terminal and draft
	// states are left alone.
	if _, err := c.repo.UpdateCampaignState(campaignID, database.CampaignPaused, database.CampaignActive); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	if _, err := c.queue.CancelCampaignJobs(ctx, campaignID); err != nil {
		return err
	}

	members, err := c.tracker.LeaseMembers(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, member := range members {
		callID, _ := slots.IsPreMember(member)
		if err := c.tracker.ForceReleaseSlot(ctx, campaignID, callID); err != nil {
			return err
		}
	}

	keys := k.AllStatic()
	for _, pattern := range k.DynamicPatterns() {
		found, err := c.kv.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	if err := c.kv.Unlink(ctx, keys...); err != nil {
		return err
	}
	log.Printf("[Campaign] Purged %d keys for campaign %s", len(keys), campaignID)
	return nil
}

// Delete purges the campaign's key-value state and removes its rows. Only
// terminal or draft campaigns may be deleted.
func (c *Controller) Delete(ctx context.Context, campaignID string) error {
	campaign, err := c.repo.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	if campaign.State == database.CampaignActive || campaign.State == database.CampaignPaused {
		return fmt.Errorf("campaign %s still %s: %w", campaignID, campaign.State, ErrInvalidTransition)
	}
	if err := c.PurgeState(ctx, campaignID); err != nil {
		return err
	}
	return c.repo.DeleteCampaign(campaignID)
}
