package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const callLogColumns = `id, direction, from_number, to_number, user_id, campaign_id, contact_id,
	vendor_call_id, status, started_at, ended_at, duration_seconds, transcript,
	voicemail_detected, retry_of, failure_reason, cost_cents, created_at`

func scanCallLog(row interface{ Scan(...interface{}) error }) (*CallLog, error) {
	var cl CallLog
	err := row.Scan(
		&cl.ID, &cl.Direction, &cl.FromNumber, &cl.ToNumber, &cl.UserID, &cl.CampaignID, &cl.ContactID,
		&cl.VendorCallID, &cl.Status, &cl.StartedAt, &cl.EndedAt, &cl.DurationSeconds, &cl.Transcript,
		&cl.VoicemailDetected, &cl.RetryOf, &cl.FailureReason, &cl.CostCents, &cl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// CreateCallLog inserts a queued call log and returns its id, which doubles
// as the call identifier in the lease ledger.
func (r *Repository) CreateCallLog(cl *CallLog) (string, error) {
	if cl.ID == "" {
		cl.ID = NewID()
	}
	if cl.Status == "" {
		cl.Status = CallQueued
	}
	if cl.Direction == "" {
		cl.Direction = "outbound"
	}

	query := `
		INSERT INTO call_logs (id, direction, from_number, to_number, user_id, campaign_id,
		                       contact_id, vendor_call_id, status, retry_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.Exec(query,
		cl.ID, cl.Direction, cl.FromNumber, cl.ToNumber, cl.UserID, cl.CampaignID,
		cl.ContactID, cl.VendorCallID, cl.Status, cl.RetryOf,
	)
	if err != nil {
		return "", fmt.Errorf("error creating call log: %w", err)
	}
	return cl.ID, nil
}

// GetCallLog fetches a call log by id.
func (r *Repository) GetCallLog(id string) (*CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE id = ?`
	cl, err := scanCallLog(r.conn.DB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying call log: %w", err)
	}
	return cl, nil
}

// GetCallLogByVendorID fetches a call log by the telephony vendor's call id.
func (r *Repository) GetCallLogByVendorID(vendorCallID string) (*CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE vendor_call_id = ?`
	cl, err := scanCallLog(r.conn.DB.QueryRow(query, vendorCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call log vendor=%s: %w", vendorCallID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying call log: %w", err)
	}
	return cl, nil
}

// ListCallsForCampaign returns a campaign's call logs, newest first.
func (r *Repository) ListCallsForCampaign(campaignID string, limit int) ([]CallLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE campaign_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.conn.DB.Query(query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing calls: %w", err)
	}
	defer rows.Close()

	var out []CallLog
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning call log: %w", err)
		}
		out = append(out, *cl)
	}
	return out, rows.Err()
}

// AdvanceCallStatus moves a call log forward. Status transitions are
// monotonic: an update to a lower-ranked status is ignored, which resolves
// conflicting writes from concurrent webhook deliveries. Returns whether the
// row advanced.
func (r *Repository) AdvanceCallStatus(id, status string) (bool, error) {
	cl, err := r.GetCallLog(id)
	if err != nil {
		return false, err
	}
	if !CallStatusAdvances(cl.Status, status) {
		return false, nil
	}

	set := "status = ?"
	args := []interface{}{status}
	if status == CallInProgress && cl.StartedAt == nil {
		set += ", started_at = NOW()"
	}
	if TerminalCallStatus(status) {
		set += ", ended_at = NOW()"
	}
	args = append(args, id, cl.Status)

	res, err := r.conn.DB.Exec(
		`UPDATE call_logs SET `+set+` WHERE id = ? AND status = ?`, args...,
	)
	if err != nil {
		return false, fmt.Errorf("error advancing call status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetVendorCallID links the vendor's call identifier once known.
func (r *Repository) SetVendorCallID(id, vendorCallID string) error {
	if _, err := r.conn.DB.Exec(
		`UPDATE call_logs SET vendor_call_id = ? WHERE id = ?`, vendorCallID, id,
	); err != nil {
		return fmt.Errorf("error setting vendor call id: %w", err)
	}
	return nil
}

// FinishCallLog records the terminal status and the vendor-reported facts.
func (r *Repository) FinishCallLog(id, status string, duration int, voicemail bool, reason *string) error {
	if _, err := r.conn.DB.Exec(`
		UPDATE call_logs
		SET status = ?, duration_seconds = ?, voicemail_detected = ?,
		    failure_reason = ?, ended_at = COALESCE(ended_at, NOW())
		WHERE id = ?
	`, status, duration, voicemail, reason, id); err != nil {
		return fmt.Errorf("error finishing call log: %w", err)
	}
	return nil
}

// SweepStuckCallLogs closes call logs left in a pre-terminal status past the
// threshold. Returns the number repaired.
func (r *Repository) SweepStuckCallLogs(thresholdMinutes int) (int64, error) {
	res, err := r.conn.DB.Exec(`
		UPDATE call_logs
		SET status = ?, failure_reason = 'stuck', ended_at = NOW()
		WHERE status IN (?, ?, ?, ?)
		  AND created_at < NOW() - INTERVAL ? MINUTE
	`, CallNoAnswer, CallQueued, CallInitiated, CallRinging, CallInProgress, thresholdMinutes)
	if err != nil {
		return 0, fmt.Errorf("error sweeping stuck call logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- retry attempts ---

// CreateRetryAttempt records a scheduled re-dial.
func (r *Repository) CreateRetryAttempt(ra *RetryAttempt) error {
	if ra.ID == "" {
		ra.ID = NewID()
	}
	if ra.Status == "" {
		ra.Status = RetryScheduled
	}
	query := `
		INSERT INTO retry_attempts (id, campaign_id, contact_id, call_log_id,
		                            scheduled_for, reason, attempt_number, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.Exec(query,
		ra.ID, ra.CampaignID, ra.ContactID, ra.CallLogID,
		ra.ScheduledFor.UTC(), ra.Reason, ra.AttemptNumber, ra.Status,
	)
	if err != nil {
		return fmt.Errorf("error creating retry attempt: %w", err)
	}
	return nil
}

// GetRetryAttempt fetches a retry attempt by id.
func (r *Repository) GetRetryAttempt(id string) (*RetryAttempt, error) {
	var ra RetryAttempt
	err := r.conn.DB.QueryRow(`
		SELECT id, campaign_id, contact_id, call_log_id, scheduled_for, reason,
		       attempt_number, status, created_at
		FROM retry_attempts WHERE id = ?
	`, id).Scan(
		&ra.ID, &ra.CampaignID, &ra.ContactID, &ra.CallLogID, &ra.ScheduledFor,
		&ra.Reason, &ra.AttemptNumber, &ra.Status, &ra.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying retry attempt: %w", err)
	}
	return &ra, nil
}

// UpdateRetryAttemptStatus transitions a retry attempt.
func (r *Repository) UpdateRetryAttemptStatus(id, status string) error {
	if _, err := r.conn.DB.Exec(
		`UPDATE retry_attempts SET status = ? WHERE id = ?`, status, id,
	); err != nil {
		return fmt.Errorf("error updating retry attempt: %w", err)
	}
	return nil
}

// CancelScheduledRetries cancels pending retries for a campaign. Used by
// cancel/purge so no delayed job revives a dead campaign.
func (r *Repository) CancelScheduledRetries(campaignID string) (int64, error) {
	res, err := r.conn.DB.Exec(
		`UPDATE retry_attempts SET status = ? WHERE campaign_id = ? AND status = ?`,
		RetryCancelled, campaignID, RetryScheduled,
	)
	if err != nil {
		return 0, fmt.Errorf("error cancelling retries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountScheduledRetries returns how many retries are still pending for a
// campaign. Completion detection uses this alongside contact statuses.
func (r *Repository) CountScheduledRetries(campaignID string) (int64, error) {
	var n int64
	err := r.conn.DB.QueryRow(
		`SELECT COUNT(*) FROM retry_attempts WHERE campaign_id = ? AND status IN (?, ?)`,
		campaignID, RetryScheduled, RetryProcessing,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting scheduled retries: %w", err)
	}
	return n, nil
}

// NextBusinessHoursTime shifts t into the campaign's dialing window, keeping
// it unchanged when the campaign has no window or t already falls inside.
func (r *Repository) NextBusinessHoursTime(c *Campaign, t time.Time) time.Time {
	if c.BusinessHoursStart == "" || c.BusinessHoursEnd == "" {
		return t
	}
	if r.IsWithinBusinessHours(c, t) {
		return t
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start, err := time.ParseInLocation("15:04", c.BusinessHoursStart, loc)
	if err != nil {
		return t
	}
	next := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
