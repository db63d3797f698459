package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"dialhub/internal/database"
	"dialhub/internal/queue"
	"dialhub/internal/retrypolicy"
	"dialhub/internal/slots"
	"dialhub/internal/telephony"
	"dialhub/internal/waitlist"
)

// Notifier publishes realtime events for connected clients. The events hub
// implements it; tests use NopNotifier.
type Notifier interface {
	Broadcast(event string, payload interface{})
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Broadcast(string, interface{}) {}

// Pipeline turns a dequeued job into a vendor call. It owns the pre-flight
// checks, the reservation-to-lease handoff, and the webhook-driven lease
// lifecycle.
type Pipeline struct {
	repo     *database.Repository
	tracker  *slots.Tracker
	wl       *waitlist.Service
	queue    *queue.Queue
	vendor   telephony.Initiator
	breaker  *Breaker
	notifier Notifier

	fromNumber    string
	highWatermark int
}

// NewPipeline wires the dispatch pipeline.
func NewPipeline(repo *database.Repository, tracker *slots.Tracker, wl *waitlist.Service, q *queue.Queue, vendor telephony.Initiator, breaker *Breaker, notifier Notifier, fromNumber string, highWatermark int) *Pipeline {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if highWatermark <= 0 {
		highWatermark = 7
	}
	return &Pipeline{
		repo:          repo,
		tracker:       tracker,
		wl:            wl,
		queue:         q,
		vendor:        vendor,
		breaker:       breaker,
		notifier:      notifier,
		fromNumber:    fromNumber,
		highWatermark: highWatermark,
	}
}

// Process dispatches one job. Errors returned here are infrastructure
// failures; business outcomes (waitlisted, skipped, vendor rejection) are
// handled inside and complete the job.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) error {
	campaign, err := p.repo.GetCampaign(job.CampaignID)
	if errors.Is(err, database.ErrNotFound) {
		log.Printf("[Dispatch] Job %s references missing campaign %s, dropping", job.ID, job.CampaignID)
		return p.queue.Complete(ctx, job.ID)
	}
	if err != nil {
		return err
	}

	contact, err := p.repo.GetContact(job.ContactID)
	if errors.Is(err, database.ErrNotFound) {
		log.Printf("[Dispatch] Job %s references missing contact %s, dropping", job.ID, job.ContactID)
		return p.queue.Complete(ctx, job.ID)
	}
	if err != nil {
		return err
	}

	if campaign.Terminal() {
		if !database.TerminalContactStatus(contact.Status) {
			if err := p.repo.UpdateContactStatus(contact.ID, database.ContactSkipped); err != nil {
				return err
			}
		}
		return p.queue.Complete(ctx, job.ID)
	}

	if database.TerminalContactStatus(contact.Status) && job.RetryAttemptID == "" {
		return p.queue.Complete(ctx, job.ID)
	}

	paused, err := p.tracker.IsPaused(ctx, campaign.ID)
	if err != nil {
		return err
	}
	if paused || campaign.State == database.CampaignPaused {
		return p.parkToWaitlistHead(ctx, job)
	}

	blocked, err := p.repo.IsBlacklisted(campaign.UserID, contact.PhoneNumber)
	if err != nil {
		return err
	}
	if blocked {
		log.Printf("[Dispatch] Contact %s is blacklisted, skipping", contact.ID)
		if err := p.repo.UpdateContactStatus(contact.ID, database.ContactSkipped); err != nil {
			return err
		}
		return p.queue.Complete(ctx, job.ID)
	}

	now := time.Now()
	if !p.repo.IsWithinBusinessHours(campaign, now) {
		next := p.repo.NextBusinessHoursTime(campaign, now)
		log.Printf("[Dispatch] Campaign %s outside business hours, deferring job %s to %s", campaign.ID, job.ID, next.Format(time.RFC3339))
		if err := p.queue.ParkForWaitlist(ctx, job.ID); err != nil {
			return err
		}
		return p.queue.Schedule(ctx, job, next)
	}

	open, err := p.breaker.IsOpen(ctx, campaign.ID)
	if err != nil {
		return err
	}
	if open {
		if err := p.queue.ParkForWaitlist(ctx, job.ID); err != nil {
			return err
		}
		return p.queue.Schedule(ctx, job, now.Add(p.breaker.Cooldown()))
	}

	decision, origin, err := p.acquireSlot(ctx, campaign, job, p.deriveOrigin(campaign, contact, job))
	if errors.Is(err, slots.ErrCampaignPaused) {
		return p.parkToWaitlistHead(ctx, job)
	}
	if err != nil {
		return err
	}

	if decision == slots.Waitlisted {
		lifoHead := campaign.PriorityMode == database.PriorityModeLIFO
		if _, err := p.wl.Push(ctx, campaign.ID, job.ID, origin, lifoHead); err != nil {
			return err
		}
		return p.queue.ParkForWaitlist(ctx, job.ID)
	}

	return p.placeCall(ctx, campaign, contact, job, origin)
}

// acquireSlot obtains the slot reservation for a job. A promoted job arrives
// already holding the reservation taken at promotion; reserving again would
// count it twice and waitlist the job against its own slot, so an existing
// ledger entry short-circuits to granted. The returned origin is the one the
// reservation is held under.
func (p *Pipeline) acquireSlot(ctx context.Context, campaign *database.Campaign, job *queue.Job, origin string) (slots.Decision, string, error) {
	held, err := p.tracker.HasReservation(ctx, campaign.ID, origin, job.ID)
	if err != nil {
		return "", origin, err
	}
	if !held && job.Origin != "" && job.Origin != origin {
		held, err = p.tracker.HasReservation(ctx, campaign.ID, job.Origin, job.ID)
		if err != nil {
			return "", origin, err
		}
		if held {
			origin = job.Origin
		}
	}
	if held {
		return slots.Granted, origin, nil
	}

	decision, err := p.tracker.ReserveSlot(ctx, campaign.ID, origin, job.ID)
	if errors.Is(err, slots.ErrLimitMissing) {
		if serr := p.tracker.SetLimit(ctx, campaign.ID, campaign.ConcurrentCallsLimit); serr != nil {
			return "", origin, serr
		}
		decision, err = p.tracker.ReserveSlot(ctx, campaign.ID, origin, job.ID)
	}
	return decision, origin, err
}

// placeCall holds a granted reservation: create the call log, convert the
// reservation into a pre-dial lease, and hand the call to the vendor.
func (p *Pipeline) placeCall(ctx context.Context, campaign *database.Campaign, contact *database.Contact, job *queue.Job, origin string) error {
	var ok bool
	var err error
	if job.RetryAttemptID != "" {
		ok, err = p.repo.MarkContactRedialing(contact.ID)
	} else {
		ok, err = p.repo.MarkContactDialing(contact.ID)
	}
	if err != nil {
		return err
	}
	if !ok {
		// Another worker already dialed this contact; give the slot back.
		if err := p.releaseReservation(ctx, campaign.ID, origin, job.ID); err != nil {
			return err
		}
		return p.queue.Complete(ctx, job.ID)
	}

	cl := &database.CallLog{
		Direction:  "outbound",
		FromNumber: p.fromNumber,
		ToNumber:   contact.PhoneNumber,
		UserID:     campaign.UserID,
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Status:     database.CallQueued,
	}
	if job.RetryAttemptID != "" {
		ra, err := p.repo.GetRetryAttempt(job.RetryAttemptID)
		if err == nil {
			cl.RetryOf = &ra.CallLogID
			if uerr := p.repo.UpdateRetryAttemptStatus(ra.ID, database.RetryProcessing); uerr != nil {
				return uerr
			}
		}
	}
	callID, err := p.repo.CreateCallLog(cl)
	if err != nil {
		return err
	}

	preToken, err := p.tracker.CreatePreDialLease(ctx, campaign.ID, origin, job.ID, callID)
	if err != nil {
		return err
	}

	result, err := p.vendor.PlaceCall(ctx, telephony.DialRequest{
		CallID:      callID,
		To:          contact.PhoneNumber,
		From:        p.fromNumber,
		CustomField: preToken,
	})
	if err != nil {
		return p.handleVendorFailure(ctx, campaign, contact, job, callID, err)
	}

	if err := p.breaker.RecordSuccess(ctx, campaign.ID); err != nil {
		log.Printf("[Dispatch] Error resetting breaker for campaign %s: %v", campaign.ID, err)
	}
	if err := p.repo.SetVendorCallID(callID, result.VendorCallID); err != nil {
		return err
	}
	if _, err := p.repo.AdvanceCallStatus(callID, database.CallInitiated); err != nil {
		return err
	}
	if job.RetryAttemptID != "" {
		if err := p.repo.UpdateRetryAttemptStatus(job.RetryAttemptID, database.RetryCompleted); err != nil {
			return err
		}
	}

	p.notifier.Broadcast("call.initiated", map[string]interface{}{
		"campaignId": campaign.ID,
		"callId":     callID,
		"contactId":  contact.ID,
	})
	log.Printf("[Dispatch] Call %s placed for campaign %s (vendor %s)", callID, campaign.ID, result.VendorCallID)
	return p.queue.Complete(ctx, job.ID)
}

// handleVendorFailure unwinds a dial the vendor rejected synchronously. The
// slot is force-released immediately rather than waiting for lease expiry.
func (p *Pipeline) handleVendorFailure(ctx context.Context, campaign *database.Campaign, contact *database.Contact, job *queue.Job, callID string, vendorErr error) error {
	log.Printf("[Dispatch] Vendor rejected call %s: %v", callID, vendorErr)

	if err := p.tracker.ForceReleaseSlot(ctx, campaign.ID, callID); err != nil {
		return err
	}

	reason := vendorErr.Error()
	if err := p.repo.FinishCallLog(callID, database.CallFailed, 0, false, &reason); err != nil {
		return err
	}
	if job.RetryAttemptID != "" {
		if err := p.repo.UpdateRetryAttemptStatus(job.RetryAttemptID, database.RetryFailed); err != nil {
			return err
		}
	}
	if err := p.repo.UpdateContactStatus(contact.ID, database.ContactFailed); err != nil {
		return err
	}

	if telephony.IsTemporary(vendorErr) {
		if _, err := p.breaker.RecordFailure(ctx, campaign.ID); err != nil {
			log.Printf("[Dispatch] Error recording breaker failure: %v", err)
		}
		if err := p.scheduleRetry(ctx, campaign, contact.ID, callID, retrypolicy.ReasonNetworkError); err != nil {
			return err
		}
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		return err
	}
	return p.maybeCompleteCampaign(ctx, campaign.ID)
}

// parkToWaitlistHead defers a job that hit a paused campaign, keeping its
// place at the head of its lane.
func (p *Pipeline) parkToWaitlistHead(ctx context.Context, job *queue.Job) error {
	origin := job.Origin
	if origin == "" {
		origin = queue.OriginNormal
	}
	if err := p.wl.ReturnToHead(ctx, job.CampaignID, job.ID, origin); err != nil {
		return err
	}
	return p.queue.ParkForWaitlist(ctx, job.ID)
}

// deriveOrigin decides the waitlist lane a job belongs to. Priority-mode
// campaigns promote contacts at or above the watermark to the high lane;
// everything else keeps the job's own origin.
func (p *Pipeline) deriveOrigin(campaign *database.Campaign, contact *database.Contact, job *queue.Job) string {
	if campaign.PriorityMode == database.PriorityModePriority && contact.Priority >= p.highWatermark {
		return queue.OriginHigh
	}
	if job.Origin != "" {
		return job.Origin
	}
	return queue.OriginNormal
}

// releaseReservation undoes a granted reservation that never became a lease.
func (p *Pipeline) releaseReservation(ctx context.Context, campaignID, origin, jobID string) error {
	if _, err := p.tracker.DecrReserved(ctx, campaignID); err != nil {
		return err
	}
	k := slots.NewKeys(campaignID)
	return p.tracker.KV().ZRem(ctx, k.Ledger(), slots.LedgerMember(origin, jobID))
}

// scheduleRetry applies the retry policy for a failed attempt and, when
// eligible, records the attempt and schedules the delayed job.
func (p *Pipeline) scheduleRetry(ctx context.Context, campaign *database.Campaign, contactID, callLogID, reason string) error {
	contact, err := p.repo.GetContact(contactID)
	if err != nil {
		return err
	}
	delay, retry := retrypolicy.Decide(campaign, reason, contact.Attempts)
	if !retry {
		return nil
	}

	at := time.Now().Add(delay)
	at = p.repo.NextBusinessHoursTime(campaign, at)

	ra := &database.RetryAttempt{
		ID:            database.NewID(),
		CampaignID:    campaign.ID,
		ContactID:     contact.ID,
		CallLogID:     callLogID,
		ScheduledFor:  at.UTC(),
		Reason:        reason,
		AttemptNumber: contact.Attempts + 1,
		Status:        database.RetryScheduled,
	}
	if err := p.repo.CreateRetryAttempt(ra); err != nil {
		return err
	}

	job := queue.NewJob(campaign.ID, contact.ID, queue.OriginNormal, contact.Attempts)
	job.RetryAttemptID = ra.ID
	if err := p.queue.Schedule(ctx, job, at); err != nil {
		return err
	}
	log.Printf("[Dispatch] Retry scheduled for contact %s at %s (reason %s)", contact.ID, at.Format(time.RFC3339), reason)
	return nil
}

// maybeCompleteCampaign transitions a campaign to completed once every
// contact is terminal and no retries remain scheduled.
func (p *Pipeline) maybeCompleteCampaign(ctx context.Context, campaignID string) error {
	progress, err := p.repo.GetCampaignProgress(campaignID)
	if err != nil {
		return err
	}
	remaining := 0
	for status, n := range progress.ByStatus {
		if !database.TerminalContactStatus(status) {
			remaining += n
		}
	}
	if remaining > 0 {
		return nil
	}
	pending, err := p.repo.CountScheduledRetries(campaignID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	changed, err := p.repo.UpdateCampaignState(campaignID, database.CampaignCompleted, database.CampaignActive, database.CampaignPaused)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := p.repo.RefreshCampaignStats(campaignID); err != nil {
		return err
	}
	p.notifier.Broadcast("campaign.completed", map[string]interface{}{"campaignId": campaignID})
	log.Printf("[Dispatch] Campaign %s completed", campaignID)
	return nil
}
