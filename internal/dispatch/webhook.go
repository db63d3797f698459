package dispatch

import (
	"context"
	"errors"
	"log"

	"dialhub/internal/database"
	"dialhub/internal/retrypolicy"
	"dialhub/internal/slots"
	"dialhub/internal/telephony"
)

// mapVendorStatus translates vendor webhook statuses to call-log statuses.
// Unknown statuses map to "" and the event is ignored.
func mapVendorStatus(s string) string {
	switch s {
	case "queued":
		return database.CallQueued
	case "initiated":
		return database.CallInitiated
	case "ringing":
		return database.CallRinging
	case "in-progress", "answered":
		return database.CallInProgress
	case "completed":
		return database.CallCompleted
	case "failed", "error":
		return database.CallFailed
	case "no-answer":
		return database.CallNoAnswer
	case "busy":
		return database.CallBusy
	case "canceled", "cancelled":
		return database.CallCancelled
	}
	return ""
}

// HandleWebhook applies one vendor status callback: progress events upgrade
// or refresh the lease and advance the call log; terminal events release the
// slot, settle the contact, and evaluate the retry policy.
func (p *Pipeline) HandleWebhook(ctx context.Context, ev *telephony.WebhookEvent) error {
	cl, err := p.repo.GetCallLogByVendorID(ev.CallSid)
	if err != nil {
		return err
	}

	status := mapVendorStatus(ev.Status)
	if status == "" {
		log.Printf("[Webhook] Unknown vendor status %q for call %s, ignoring", ev.Status, ev.CallSid)
		return nil
	}
	if database.TerminalCallStatus(cl.Status) {
		// First terminal write wins; late callbacks are dropped.
		return nil
	}

	if database.TerminalCallStatus(status) {
		return p.handleTerminal(ctx, cl, status, ev)
	}
	return p.handleProgress(ctx, cl, status, ev)
}

// handleProgress upgrades the pre-dial lease on the first beyond-queued event
// and refreshes the active lease afterwards.
func (p *Pipeline) handleProgress(ctx context.Context, cl *database.CallLog, status string, ev *telephony.WebhookEvent) error {
	if status != database.CallRinging && status != database.CallInProgress {
		_, err := p.repo.AdvanceCallStatus(cl.ID, status)
		return err
	}

	k := slots.NewKeys(cl.CampaignID)
	pre, err := p.tracker.KV().SIsMember(ctx, k.Leases(), slots.PreMember(cl.ID))
	if err != nil {
		return err
	}
	if pre {
		_, err := p.tracker.UpgradeToActive(ctx, cl.CampaignID, cl.ID, ev.CustomField)
		if errors.Is(err, slots.ErrTokenMismatch) {
			// The janitor reclaimed the pre-dial lease first. The slot is
			// gone; terminate the call record rather than dial unbounded.
			log.Printf("[Webhook] Lease lost for call %s, releasing", cl.ID)
			if ferr := p.tracker.ForceReleaseSlot(ctx, cl.CampaignID, cl.ID); ferr != nil {
				return ferr
			}
			reason := "lease token mismatch"
			if ferr := p.repo.FinishCallLog(cl.ID, database.CallFailed, 0, false, &reason); ferr != nil {
				return ferr
			}
			return p.repo.UpdateContactStatus(cl.ContactID, database.ContactFailed)
		}
		if err != nil {
			return err
		}
	} else {
		if err := p.tracker.RefreshActiveLease(ctx, cl.CampaignID, cl.ID); err != nil {
			return err
		}
	}

	if _, err := p.repo.AdvanceCallStatus(cl.ID, status); err != nil {
		return err
	}
	p.notifier.Broadcast("call.status", map[string]interface{}{
		"campaignId": cl.CampaignID,
		"callId":     cl.ID,
		"status":     status,
	})
	return nil
}

// handleTerminal settles a finished call: release the slot, finish the call
// log, record the contact outcome, and schedule a retry when policy allows.
func (p *Pipeline) handleTerminal(ctx context.Context, cl *database.CallLog, status string, ev *telephony.WebhookEvent) error {
	k := slots.NewKeys(cl.CampaignID)
	pre, err := p.tracker.KV().SIsMember(ctx, k.Leases(), slots.PreMember(cl.ID))
	if err != nil {
		return err
	}
	if pre {
		// Terminal before any answer event: the pre-dial lease is still held.
		if err := p.tracker.ForceReleaseSlot(ctx, cl.CampaignID, cl.ID); err != nil {
			return err
		}
	} else {
		if err := p.tracker.ReleaseActive(ctx, cl.CampaignID, cl.ID); err != nil {
			return err
		}
	}

	voicemail := ev.VoicemailDetected()
	if err := p.repo.FinishCallLog(cl.ID, status, ev.Duration, voicemail, nil); err != nil {
		return err
	}

	reason := retrypolicy.ReasonForCallStatus(status, voicemail)
	if reason != "" {
		contactStatus := retrypolicy.ContactStatusForReason(reason)
		if err := p.repo.UpdateContactStatus(cl.ContactID, contactStatus); err != nil {
			return err
		}
		campaign, err := p.repo.GetCampaign(cl.CampaignID)
		if err == nil && !campaign.Terminal() {
			if err := p.scheduleRetry(ctx, campaign, cl.ContactID, cl.ID, reason); err != nil {
				return err
			}
		}
	}

	p.notifier.Broadcast("call.finished", map[string]interface{}{
		"campaignId": cl.CampaignID,
		"callId":     cl.ID,
		"status":     status,
		"duration":   ev.Duration,
		"voicemail":  voicemail,
	})
	return p.maybeCompleteCampaign(ctx, cl.CampaignID)
}
