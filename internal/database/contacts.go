package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const contactColumns = `id, campaign_id, phone_number, name, email, metadata,
	priority, status, attempts, last_attempt_at, created_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Name, &c.Email, &c.Metadata,
		&c.Priority, &c.Status, &c.Attempts, &c.LastAttemptAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertContacts bulk-inserts contacts in pending state. IDs are assigned
// for rows that do not carry one.
func (r *Repository) InsertContacts(campaignID string, contacts []Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	const batchSize = 500
	for start := 0; start < len(contacts); start += batchSize {
		end := start + batchSize
		if end > len(contacts) {
			end = len(contacts)
		}
		batch := contacts[start:end]

		values := make([]string, 0, len(batch))
		args := make([]interface{}, 0, len(batch)*7)
		for i := range batch {
			c := &batch[i]
			if c.ID == "" {
				c.ID = NewID()
			}
			c.CampaignID = campaignID
			if c.Status == "" {
				c.Status = ContactPending
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, c.ID, campaignID, c.PhoneNumber, c.Name, c.Email, c.Metadata, c.Priority, c.Status)
		}

		query := `INSERT INTO contacts (id, campaign_id, phone_number, name, email, metadata, priority, status) VALUES ` +
			strings.Join(values, ", ")
		if _, err := r.conn.DB.Exec(query, args...); err != nil {
			return fmt.Errorf("error inserting contacts: %w", err)
		}
	}
	return nil
}

// GetContact fetches a contact by id.
func (r *Repository) GetContact(id string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = ?`
	c, err := scanContact(r.conn.DB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying contact: %w", err)
	}
	return c, nil
}

// ListContacts returns a campaign's contacts, optionally filtered by status.
func (r *Repository) ListContacts(campaignID, status string, limit int) ([]Contact, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE campaign_id = ?`
	args := []interface{}{campaignID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at LIMIT ?`
	args = append(args, limit)

	rows, err := r.conn.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListPendingContacts returns contacts still waiting for their first enqueue.
func (r *Repository) ListPendingContacts(campaignID string, limit int) ([]Contact, error) {
	return r.ListContacts(campaignID, ContactPending, limit)
}

// CountContactsByStatus groups contact counts by status.
func (r *Repository) CountContactsByStatus(campaignID string) (map[string]int, error) {
	rows, err := r.conn.DB.Query(
		`SELECT status, COUNT(*) FROM contacts WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("error counting contacts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("error scanning count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateContactStatus sets a contact's status.
func (r *Repository) UpdateContactStatus(id, status string) error {
	if _, err := r.conn.DB.Exec(
		`UPDATE contacts SET status = ? WHERE id = ?`, status, id,
	); err != nil {
		return fmt.Errorf("error updating contact status: %w", err)
	}
	return nil
}

// MarkContactDialing transitions a contact to in-progress and bumps its
// attempt counter. Only queued/pending contacts advance, so a stale worker
// retrying a promoted job cannot double-count an attempt.
func (r *Repository) MarkContactDialing(id string) (bool, error) {
	res, err := r.conn.DB.Exec(`
		UPDATE contacts
		SET status = ?, attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = ? AND status IN (?, ?)
	`, ContactInProgress, id, ContactPending, ContactQueued)
	if err != nil {
		return false, fmt.Errorf("error marking contact dialing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkContactRedialing transitions a contact in a retryable failure state
// back to in-progress for a scheduled retry, bumping the attempt counter.
func (r *Repository) MarkContactRedialing(id string) (bool, error) {
	res, err := r.conn.DB.Exec(`
		UPDATE contacts
		SET status = ?, attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = ? AND status IN (?, ?, ?, ?)
	`, ContactInProgress, id, ContactFailed, ContactNoAnswer, ContactBusy, ContactVoicemail)
	if err != nil {
		return false, fmt.Errorf("error marking contact redialing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkContactsQueued moves a set of contacts from pending to queued.
func (r *Repository) MarkContactsQueued(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, ContactQueued)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ContactPending)
	query := `UPDATE contacts SET status = ? WHERE id IN (` + ph + `) AND status = ?`
	if _, err := r.conn.DB.Exec(query, args...); err != nil {
		return fmt.Errorf("error marking contacts queued: %w", err)
	}
	return nil
}

// SkipUnfinishedContacts marks every non-terminal contact of a campaign as
// skipped. Used by cancel so progress reporting settles.
func (r *Repository) SkipUnfinishedContacts(campaignID string) (int64, error) {
	res, err := r.conn.DB.Exec(`
		UPDATE contacts SET status = ?
		WHERE campaign_id = ? AND status IN (?, ?, ?)
	`, ContactSkipped, campaignID, ContactPending, ContactQueued, ContactInProgress)
	if err != nil {
		return 0, fmt.Errorf("error skipping contacts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListRetryableContacts returns contacts in retryable failure states whose
// attempt count is below the campaign's cap.
func (r *Repository) ListRetryableContacts(campaignID string, maxAttempts int, includeVoicemail bool) ([]Contact, error) {
	statuses := []string{ContactFailed, ContactNoAnswer, ContactBusy}
	if includeVoicemail {
		statuses = append(statuses, ContactVoicemail)
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []interface{}{campaignID}
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, maxAttempts)

	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE campaign_id = ? AND status IN (` + ph + `) AND attempts < ?`
	rows, err := r.conn.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing retryable contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SweepStuckContacts repairs contacts left in-progress past the threshold,
// marking them no-answer. Returns the number repaired.
func (r *Repository) SweepStuckContacts(thresholdMinutes int) (int64, error) {
	res, err := r.conn.DB.Exec(`
		UPDATE contacts
		SET status = ?
		WHERE status = ?
		  AND last_attempt_at IS NOT NULL
		  AND last_attempt_at < NOW() - INTERVAL ? MINUTE
	`, ContactNoAnswer, ContactInProgress, thresholdMinutes)
	if err != nil {
		return 0, fmt.Errorf("error sweeping stuck contacts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IsBlacklisted checks the owner's blacklist for a number.
func (r *Repository) IsBlacklisted(userID int64, phoneNumber string) (bool, error) {
	var n int
	err := r.conn.DB.QueryRow(
		`SELECT COUNT(*) FROM blacklist WHERE user_id = ? AND phone_number = ?`,
		userID, phoneNumber,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("error checking blacklist: %w", err)
	}
	return n > 0, nil
}
