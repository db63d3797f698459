package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

// Repository handles all durable state. The database is authoritative for
// campaign/contact/call-log rows; ephemeral concurrency state lives in the
// key-value store.
type Repository struct {
	conn *Connection
}

// NewRepository creates a repository over an open connection.
func NewRepository(conn *Connection) *Repository {
	return &Repository{conn: conn}
}

// GetDB returns the underlying sql.DB for maintenance queries.
func (r *Repository) GetDB() *sql.DB {
	return r.conn.DB
}

const campaignColumns = `id, user_id, name, state, concurrent_calls_limit, priority_mode,
	exclude_voicemail, max_retry_attempts, retry_delay_minutes,
	business_hours_start, business_hours_end, timezone,
	total_contacts, queued_contacts, in_progress_contacts, completed_contacts, failed_contacts,
	started_at, finished_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.State, &c.ConcurrentCallsLimit, &c.PriorityMode,
		&c.ExcludeVoicemail, &c.MaxRetryAttempts, &c.RetryDelayMinutes,
		&c.BusinessHoursStart, &c.BusinessHoursEnd, &c.Timezone,
		&c.TotalContacts, &c.QueuedContacts, &c.InProgressContacts, &c.CompletedContacts, &c.FailedContacts,
		&c.StartedAt, &c.FinishedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a new campaign in draft state.
func (r *Repository) CreateCampaign(c *Campaign) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.State == "" {
		c.State = CampaignDraft
	}
	if c.PriorityMode == "" {
		c.PriorityMode = PriorityModeFIFO
	}
	if c.ConcurrentCallsLimit == 0 {
		c.ConcurrentCallsLimit = 1
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}

	query := `
		INSERT INTO campaigns (id, user_id, name, state, concurrent_calls_limit, priority_mode,
		                       exclude_voicemail, max_retry_attempts, retry_delay_minutes,
		                       business_hours_start, business_hours_end, timezone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.Exec(query,
		c.ID, c.UserID, c.Name, c.State, c.ConcurrentCallsLimit, c.PriorityMode,
		c.ExcludeVoicemail, c.MaxRetryAttempts, c.RetryDelayMinutes,
		c.BusinessHoursStart, c.BusinessHoursEnd, c.Timezone,
	)
	if err != nil {
		return fmt.Errorf("error creating campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches a campaign by id.
func (r *Repository) GetCampaign(id string) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`
	c, err := scanCampaign(r.conn.DB.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying campaign: %w", err)
	}
	return c, nil
}

// CampaignFilter narrows ListCampaigns.
type CampaignFilter struct {
	UserID int64
	State  string
	Search string
	Page   int
	Limit  int
}

// ListCampaigns returns the user's campaigns, newest first.
func (r *Repository) ListCampaigns(f CampaignFilter) ([]Campaign, error) {
	var where []string
	var args []interface{}

	where = append(where, "user_id = ?")
	args = append(args, f.UserID)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := r.conn.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListActiveCampaigns returns campaigns in active or paused state. Paused
// campaigns are included because background reconcilers still own their keys.
func (r *Repository) ListActiveCampaigns() ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE state IN (?, ?)`
	rows, err := r.conn.DB.Query(query, CampaignActive, CampaignPaused)
	if err != nil {
		return nil, fmt.Errorf("error listing active campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCampaignState transitions a campaign. When expected states are given,
// the update only applies if the current state matches one of them; the
// returned bool reports whether a row changed.
func (r *Repository) UpdateCampaignState(id, state string, expected ...string) (bool, error) {
	var (
		query string
		args  []interface{}
	)
	set := "state = ?, updated_at = NOW()"
	switch state {
	case CampaignActive:
		set += ", started_at = COALESCE(started_at, NOW())"
	case CampaignCompleted, CampaignCancelled:
		set += ", finished_at = NOW()"
	}

	if len(expected) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(expected)), ",")
		query = `UPDATE campaigns SET ` + set + ` WHERE id = ? AND state IN (` + ph + `)`
		args = append(args, state, id)
		for _, e := range expected {
			args = append(args, e)
		}
	} else {
		query = `UPDATE campaigns SET ` + set + ` WHERE id = ?`
		args = append(args, state, id)
	}

	res, err := r.conn.DB.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("error updating campaign state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateCampaignLimit persists a new concurrent-calls limit.
func (r *Repository) UpdateCampaignLimit(id string, limit int) error {
	res, err := r.conn.DB.Exec(
		`UPDATE campaigns SET concurrent_calls_limit = ?, updated_at = NOW() WHERE id = ?`,
		limit, id,
	)
	if err != nil {
		return fmt.Errorf("error updating campaign limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateCampaignSettings mutates the editable campaign fields.
func (r *Repository) UpdateCampaignSettings(c *Campaign) error {
	query := `
		UPDATE campaigns
		SET name = ?, priority_mode = ?, exclude_voicemail = ?,
		    max_retry_attempts = ?, retry_delay_minutes = ?,
		    business_hours_start = ?, business_hours_end = ?, timezone = ?,
		    updated_at = NOW()
		WHERE id = ?
	`
	res, err := r.conn.DB.Exec(query,
		c.Name, c.PriorityMode, c.ExcludeVoicemail,
		c.MaxRetryAttempts, c.RetryDelayMinutes,
		c.BusinessHoursStart, c.BusinessHoursEnd, c.Timezone,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// RefreshCampaignStats recomputes the stateful totals from contact rows.
func (r *Repository) RefreshCampaignStats(id string) error {
	query := `
		UPDATE campaigns c SET
			total_contacts = (SELECT COUNT(*) FROM contacts WHERE campaign_id = c.id),
			queued_contacts = (SELECT COUNT(*) FROM contacts WHERE campaign_id = c.id AND status = 'queued'),
			in_progress_contacts = (SELECT COUNT(*) FROM contacts WHERE campaign_id = c.id AND status = 'in-progress'),
			completed_contacts = (SELECT COUNT(*) FROM contacts WHERE campaign_id = c.id AND status = 'completed'),
			failed_contacts = (SELECT COUNT(*) FROM contacts WHERE campaign_id = c.id
				AND status IN ('failed', 'no-answer', 'busy', 'voicemail', 'skipped')),
			updated_at = NOW()
		WHERE c.id = ?
	`
	if _, err := r.conn.DB.Exec(query, id); err != nil {
		return fmt.Errorf("error refreshing campaign stats: %w", err)
	}
	return nil
}

// DeleteCampaign removes a campaign and its dependent rows.
func (r *Repository) DeleteCampaign(id string) error {
	tx, err := r.conn.DB.Begin()
	if err != nil {
		return fmt.Errorf("error starting delete: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM retry_attempts WHERE campaign_id = ?`,
		`DELETE FROM call_logs WHERE campaign_id = ?`,
		`DELETE FROM contacts WHERE campaign_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("error deleting campaign rows: %w", err)
		}
	}
	res, err := tx.Exec(`DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// CampaignProgress summarizes contact completion for the progress endpoint.
type CampaignProgress struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	PercentDone float64       `json:"percentDone"`
}

// GetCampaignProgress counts contacts per status.
func (r *Repository) GetCampaignProgress(id string) (*CampaignProgress, error) {
	counts, err := r.CountContactsByStatus(id)
	if err != nil {
		return nil, err
	}
	p := &CampaignProgress{ByStatus: counts}
	terminal := 0
	for status, n := range counts {
		p.Total += n
		if TerminalContactStatus(status) {
			terminal += n
		}
	}
	if p.Total > 0 {
		p.PercentDone = float64(terminal) / float64(p.Total) * 100
	}
	return p, nil
}

// IsWithinBusinessHours reports whether now falls inside the campaign's
// configured dialing window. Campaigns without a window always dial.
func (r *Repository) IsWithinBusinessHours(c *Campaign, now time.Time) bool {
	if c.BusinessHoursStart == "" || c.BusinessHoursEnd == "" {
		return true
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Format("15:04")
	if c.BusinessHoursStart <= c.BusinessHoursEnd {
		return cur >= c.BusinessHoursStart && cur < c.BusinessHoursEnd
	}
	// Window crosses midnight.
	return cur >= c.BusinessHoursStart || cur < c.BusinessHoursEnd
}
