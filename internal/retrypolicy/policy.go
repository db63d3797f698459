package retrypolicy

import (
	"math/rand"
	"time"

	"dialhub/internal/database"
)

// Failure reason categories driving the retry decision.
const (
	ReasonNoAnswer      = "no-answer"
	ReasonBusy          = "busy"
	ReasonVoicemail     = "voicemail"
	ReasonNetworkError  = "network_error"
	ReasonInvalidNumber = "invalid_number"
	ReasonCompleted     = "completed"
)

const maxBackoff = 60 * time.Minute

// Decide returns whether a failed contact should be retried and after what
// delay. attempt is the number of dials already made.
func Decide(c *database.Campaign, reason string, attempt int) (time.Duration, bool) {
	if attempt >= c.MaxRetryAttempts {
		return 0, false
	}

	base := time.Duration(c.RetryDelayMinutes) * time.Minute
	if base <= 0 {
		base = 15 * time.Minute
	}

	switch reason {
	case ReasonNoAnswer:
		return withJitter(base), true
	case ReasonBusy:
		// Busy lines clear quickly.
		return withJitter(base / 2), true
	case ReasonVoicemail:
		if c.ExcludeVoicemail {
			return 0, false
		}
		return withJitter(base), true
	case ReasonNetworkError:
		backoff := base
		for i := 1; i < attempt; i++ {
			backoff *= 2
			if backoff >= maxBackoff {
				return maxBackoff, true
			}
		}
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		return backoff, true
	}
	return 0, false
}

// withJitter spreads retries over ±10% so a burst of simultaneous failures
// does not redial in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 10
	return d + time.Duration(rand.Int63n(2*spread+1)-spread)
}

// ReasonForCallStatus maps a terminal call-log status to a retry category.
func ReasonForCallStatus(status string, voicemail bool) string {
	if voicemail {
		return ReasonVoicemail
	}
	switch status {
	case database.CallNoAnswer:
		return ReasonNoAnswer
	case database.CallBusy:
		return ReasonBusy
	case database.CallFailed:
		return ReasonNetworkError
	case database.CallCompleted:
		return ReasonCompleted
	}
	return ""
}

// ContactStatusForReason maps a retry category to the contact status that
// records the outcome.
func ContactStatusForReason(reason string) string {
	switch reason {
	case ReasonNoAnswer:
		return database.ContactNoAnswer
	case ReasonBusy:
		return database.ContactBusy
	case ReasonVoicemail:
		return database.ContactVoicemail
	case ReasonCompleted:
		return database.ContactCompleted
	}
	return database.ContactFailed
}
