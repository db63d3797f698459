package database

import "time"

// Campaign states.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Priority modes controlling waitlist lane selection.
const (
	PriorityModeFIFO     = "fifo"
	PriorityModeLIFO     = "lifo"
	PriorityModePriority = "priority"
)

// Contact statuses.
const (
	ContactPending    = "pending"
	ContactQueued     = "queued"
	ContactInProgress = "in-progress"
	ContactCompleted  = "completed"
	ContactFailed     = "failed"
	ContactNoAnswer   = "no-answer"
	ContactBusy       = "busy"
	ContactVoicemail  = "voicemail"
	ContactSkipped    = "skipped"
)

// Call log statuses.
const (
	CallQueued     = "queued"
	CallInitiated  = "initiated"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
	CallNoAnswer   = "no-answer"
	CallBusy       = "busy"
	CallCancelled  = "cancelled"
)

// Retry attempt statuses.
const (
	RetryScheduled  = "scheduled"
	RetryProcessing = "processing"
	RetryCompleted  = "completed"
	RetryCancelled  = "cancelled"
	RetryFailed     = "failed"
)

// Campaign is a user-owned batch of outbound contacts with a concurrency cap
// and retry policy.
type Campaign struct {
	ID                   string     `db:"id" json:"id"`
	UserID               int64      `db:"user_id" json:"userId"`
	Name                 string     `db:"name" json:"name"`
	State                string     `db:"state" json:"state"`
	ConcurrentCallsLimit int        `db:"concurrent_calls_limit" json:"concurrentCallsLimit"`
	PriorityMode         string     `db:"priority_mode" json:"priorityMode"`
	ExcludeVoicemail     bool       `db:"exclude_voicemail" json:"excludeVoicemail"`
	MaxRetryAttempts     int        `db:"max_retry_attempts" json:"maxRetryAttempts"`
	RetryDelayMinutes    int        `db:"retry_delay_minutes" json:"retryDelayMinutes"`
	BusinessHoursStart   string     `db:"business_hours_start" json:"businessHoursStart,omitempty"` // "HH:MM", empty = always
	BusinessHoursEnd     string     `db:"business_hours_end" json:"businessHoursEnd,omitempty"`
	Timezone             string     `db:"timezone" json:"timezone"`
	TotalContacts        int        `db:"total_contacts" json:"totalContacts"`
	QueuedContacts       int        `db:"queued_contacts" json:"queuedContacts"`
	InProgressContacts   int        `db:"in_progress_contacts" json:"inProgressContacts"`
	CompletedContacts    int        `db:"completed_contacts" json:"completedContacts"`
	FailedContacts       int        `db:"failed_contacts" json:"failedContacts"`
	StartedAt            *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt           *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updatedAt"`
}

// Terminal reports whether the campaign can no longer dispatch calls.
func (c *Campaign) Terminal() bool {
	return c.State == CampaignCompleted || c.State == CampaignCancelled
}

// Contact is a single dial target belonging to exactly one campaign.
type Contact struct {
	ID            string     `db:"id" json:"id"`
	CampaignID    string     `db:"campaign_id" json:"campaignId"`
	PhoneNumber   string     `db:"phone_number" json:"phoneNumber"`
	Name          string     `db:"name" json:"name,omitempty"`
	Email         string     `db:"email" json:"email,omitempty"`
	Metadata      *string    `db:"metadata" json:"metadata,omitempty"` // JSON blob
	Priority      int        `db:"priority" json:"priority"`
	Status        string     `db:"status" json:"status"`
	Attempts      int        `db:"attempts" json:"attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// CallLog records one dial attempt.
type CallLog struct {
	ID                string     `db:"id" json:"id"`
	Direction         string     `db:"direction" json:"direction"`
	FromNumber        string     `db:"from_number" json:"fromNumber"`
	ToNumber          string     `db:"to_number" json:"toNumber"`
	UserID            int64      `db:"user_id" json:"userId"`
	CampaignID        string     `db:"campaign_id" json:"campaignId"`
	ContactID         string     `db:"contact_id" json:"contactId"`
	VendorCallID      string     `db:"vendor_call_id" json:"vendorCallId,omitempty"`
	Status            string     `db:"status" json:"status"`
	StartedAt         *time.Time `db:"started_at" json:"startedAt,omitempty"`
	EndedAt           *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	DurationSeconds   int        `db:"duration_seconds" json:"durationSeconds"`
	Transcript        *string    `db:"transcript" json:"transcript,omitempty"`
	VoicemailDetected bool       `db:"voicemail_detected" json:"voicemailDetected"`
	RetryOf           *string    `db:"retry_of" json:"retryOf,omitempty"`
	FailureReason     *string    `db:"failure_reason" json:"failureReason,omitempty"`
	CostCents         int        `db:"cost_cents" json:"costCents"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
}

// RetryAttempt links an originating call log to a scheduled re-dial.
type RetryAttempt struct {
	ID            string    `db:"id" json:"id"`
	CampaignID    string    `db:"campaign_id" json:"campaignId"`
	ContactID     string    `db:"contact_id" json:"contactId"`
	CallLogID     string    `db:"call_log_id" json:"callLogId"`
	ScheduledFor  time.Time `db:"scheduled_for" json:"scheduledFor"`
	Reason        string    `db:"reason" json:"reason"`
	AttemptNumber int       `db:"attempt_number" json:"attemptNumber"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// User is an API account.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// BlacklistEntry blocks a number for all campaigns of a user.
type BlacklistEntry struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"userId"`
	PhoneNumber string    `db:"phone_number" json:"phoneNumber"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// callStatusRank orders call-log statuses so updates never move backwards.
var callStatusRank = map[string]int{
	CallQueued:     0,
	CallInitiated:  1,
	CallRinging:    2,
	CallInProgress: 3,
	CallCompleted:  4,
	CallFailed:     4,
	CallNoAnswer:   4,
	CallBusy:       4,
	CallCancelled:  4,
}

// CallStatusAdvances reports whether moving from one call status to another
// is a forward transition.
func CallStatusAdvances(from, to string) bool {
	return callStatusRank[to] > callStatusRank[from]
}

// TerminalCallStatus reports whether a call-log status is terminal.
func TerminalCallStatus(status string) bool {
	switch status {
	case CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallCancelled:
		return true
	}
	return false
}

// TerminalContactStatus reports whether a contact status is terminal for
// queueing purposes (retry eligibility is decided separately).
func TerminalContactStatus(status string) bool {
	switch status {
	case ContactCompleted, ContactFailed, ContactNoAnswer, ContactBusy, ContactVoicemail, ContactSkipped:
		return true
	}
	return false
}
