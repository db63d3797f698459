package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"dialhub/internal/auth"
	"dialhub/internal/campaign"
	"dialhub/internal/database"
)

var phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// handleCampaigns serves the collection endpoints: list and create.
func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no user in context")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listCampaigns(w, r, claims)
	case http.MethodPost:
		s.createCampaign(w, r, claims)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST required")
	}
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	q := r.URL.Query()
	filter := database.CampaignFilter{
		UserID: claims.UserID,
		State:  q.Get("state"),
		Search: q.Get("search"),
	}
	if v := q.Get("page"); v != "" {
		filter.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	campaigns, err := s.repo.ListCampaigns(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error listing campaigns")
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req struct {
		Name                 string `json:"name"`
		ConcurrentCallsLimit int    `json:"concurrentCallsLimit"`
		PriorityMode         string `json:"priorityMode"`
		ExcludeVoicemail     bool   `json:"excludeVoicemail"`
		MaxRetryAttempts     int    `json:"maxRetryAttempts"`
		RetryDelayMinutes    int    `json:"retryDelayMinutes"`
		BusinessHoursStart   string `json:"businessHoursStart"`
		BusinessHoursEnd     string `json:"businessHoursEnd"`
		Timezone             string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "name is required")
		return
	}
	if req.ConcurrentCallsLimit < 1 || req.ConcurrentCallsLimit > 50 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "concurrentCallsLimit must be within 1..50")
		return
	}
	switch req.PriorityMode {
	case "", database.PriorityModeFIFO, database.PriorityModeLIFO, database.PriorityModePriority:
	default:
		writeError(w, http.StatusBadRequest, "invalid_priority_mode", "priorityMode must be fifo, lifo or priority")
		return
	}

	c := &database.Campaign{
		UserID:               claims.UserID,
		Name:                 req.Name,
		State:                database.CampaignDraft,
		ConcurrentCallsLimit: req.ConcurrentCallsLimit,
		PriorityMode:         req.PriorityMode,
		ExcludeVoicemail:     req.ExcludeVoicemail,
		MaxRetryAttempts:     req.MaxRetryAttempts,
		RetryDelayMinutes:    req.RetryDelayMinutes,
		BusinessHoursStart:   req.BusinessHoursStart,
		BusinessHoursEnd:     req.BusinessHoursEnd,
		Timezone:             req.Timezone,
	}
	if c.PriorityMode == "" {
		c.PriorityMode = database.PriorityModeFIFO
	}
	if err := s.repo.CreateCampaign(c); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error creating campaign")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleCampaignSubroute routes /api/v1/campaigns/<id>[/<action>...].
func (s *Server) handleCampaignSubroute(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no user in context")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/campaigns/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	campaignID := parts[0]
	if !database.ValidID(campaignID) {
		writeError(w, http.StatusBadRequest, "invalid_id", "campaign id must be a 24-character hex string")
		return
	}

	c, err := s.repo.GetCampaign(campaignID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "campaign not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error loading campaign")
		return
	}
	if c.UserID != claims.UserID && claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden", "campaign belongs to another user")
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleCampaignItem(w, r, c)
	case "contacts":
		s.handleContacts(w, r, c)
	case "calls":
		s.handleCalls(w, r, c)
	case "stats", "progress":
		s.handleProgress(w, r, c)
	case "start":
		s.lifecycleAction(w, r, c, "start")
	case "pause":
		s.lifecycleAction(w, r, c, "pause")
	case "resume":
		s.lifecycleAction(w, r, c, "resume")
	case "cancel":
		s.lifecycleAction(w, r, c, "cancel")
	case "retry":
		s.handleRetryFailed(w, r, c)
	case "concurrent-limit":
		s.handleConcurrentLimit(w, r, c)
	case "purge":
		s.handlePurge(w, r, c)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown campaign action")
	}
}

// handleCampaignItem serves GET, PATCH settings, and DELETE (purge) for one
// campaign.
func (s *Server) handleCampaignItem(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, c)

	case http.MethodPatch:
		var req struct {
			Name              *string `json:"name"`
			ExcludeVoicemail  *bool   `json:"excludeVoicemail"`
			MaxRetryAttempts  *int    `json:"maxRetryAttempts"`
			RetryDelayMinutes *int    `json:"retryDelayMinutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		if req.Name != nil {
			c.Name = *req.Name
		}
		if req.ExcludeVoicemail != nil {
			c.ExcludeVoicemail = *req.ExcludeVoicemail
		}
		if req.MaxRetryAttempts != nil {
			c.MaxRetryAttempts = *req.MaxRetryAttempts
		}
		if req.RetryDelayMinutes != nil {
			c.RetryDelayMinutes = *req.RetryDelayMinutes
		}
		if err := s.repo.UpdateCampaignSettings(c); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "error updating campaign")
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodDelete:
		if err := s.controller.Delete(r.Context(), c.ID); err != nil {
			if errors.Is(err, campaign.ErrInvalidTransition) {
				writeError(w, http.StatusConflict, "invalid_state", "campaign must be cancelled or completed before deletion")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "error deleting campaign")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET, PATCH or DELETE required")
	}
}

// handlePurge removes every key-value artifact of a campaign, keeping its
// database rows.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE required")
		return
	}
	if err := s.controller.PurgeState(r.Context(), c.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error purging campaign state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleContacts uploads contacts into a draft campaign or lists them.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Contacts []struct {
				PhoneNumber string  `json:"phoneNumber"`
				Name        string  `json:"name"`
				Email       string  `json:"email"`
				Priority    int     `json:"priority"`
				Metadata    *string `json:"metadata"`
			} `json:"contacts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		if len(req.Contacts) == 0 {
			writeError(w, http.StatusBadRequest, "missing_fields", "contacts are required")
			return
		}

		contacts := make([]database.Contact, 0, len(req.Contacts))
		for i, rc := range req.Contacts {
			if !phonePattern.MatchString(rc.PhoneNumber) {
				writeError(w, http.StatusBadRequest, "invalid_phone_number",
					"contact "+strconv.Itoa(i)+": phone number must be E.164")
				return
			}
			if rc.Priority < 0 || rc.Priority > 10 {
				writeError(w, http.StatusBadRequest, "invalid_priority",
					"contact "+strconv.Itoa(i)+": priority must be within 0..10")
				return
			}
			contacts = append(contacts, database.Contact{
				CampaignID:  c.ID,
				PhoneNumber: rc.PhoneNumber,
				Name:        rc.Name,
				Email:       rc.Email,
				Priority:    rc.Priority,
				Metadata:    rc.Metadata,
				Status:      database.ContactPending,
			})
		}
		if err := s.repo.InsertContacts(c.ID, contacts); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "error inserting contacts")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"inserted": len(contacts)})

	case http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		contacts, err := s.repo.ListContacts(c.ID, r.URL.Query().Get("status"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "error listing contacts")
			return
		}
		writeJSON(w, http.StatusOK, contacts)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST required")
	}
}

// handleCalls lists recent call logs for a campaign.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	calls, err := s.repo.ListCallsForCampaign(c.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error listing calls")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleProgress reports contact completion plus live slot occupancy.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	progress, err := s.repo.GetCampaignProgress(c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error computing progress")
		return
	}
	active, _ := s.tracker.ActiveCalls(r.Context(), c.ID)
	reserved, _ := s.tracker.Reserved(r.Context(), c.ID)
	high, normal, _ := s.wl.Lengths(r.Context(), c.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":          c.State,
		"progress":       progress,
		"activeCalls":    active,
		"reserved":       reserved,
		"waitlistHigh":   high,
		"waitlistNormal": normal,
		"limit":          c.ConcurrentCallsLimit,
	})
}

// lifecycleAction runs a state transition through the controller.
func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, c *database.Campaign, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var err error
	switch action {
	case "start":
		err = s.controller.Start(r.Context(), c.ID)
	case "pause":
		err = s.controller.Pause(r.Context(), c.ID)
	case "resume":
		err = s.controller.Resume(r.Context(), c.ID)
	case "cancel":
		err = s.controller.Cancel(r.Context(), c.ID)
	}
	if errors.Is(err, campaign.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "invalid_state", "campaign state does not allow "+action)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error on campaign "+action)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "action": action})
}

// handleRetryFailed requeues retryable contacts.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	n, err := s.controller.RetryFailed(r.Context(), c.ID)
	if errors.Is(err, campaign.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "invalid_state", "cancelled campaigns cannot retry")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error requeuing contacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// handleConcurrentLimit adjusts the campaign's concurrency cap. Reductions
// that would strand active calls return 429 with the saturation detail.
func (s *Server) handleConcurrentLimit(w http.ResponseWriter, r *http.Request, c *database.Campaign) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "PATCH required")
		return
	}

	var req struct {
		ConcurrentCallsLimit int `json:"concurrentCallsLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.ConcurrentCallsLimit < 1 || req.ConcurrentCallsLimit > 100 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "concurrentCallsLimit must be within 1..100")
		return
	}

	err := s.controller.UpdateLimit(r.Context(), c.ID, req.ConcurrentCallsLimit)
	var sat *campaign.NearSaturationError
	if errors.As(err, &sat) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":          "near_saturation",
			"activeCalls":    sat.ActiveCalls,
			"requestedLimit": sat.RequestedLimit,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error updating limit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                   true,
		"concurrentCallsLimit": req.ConcurrentCallsLimit,
	})
}
