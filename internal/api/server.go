package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"dialhub/internal/auth"
	"dialhub/internal/campaign"
	"dialhub/internal/config"
	"dialhub/internal/database"
	"dialhub/internal/dispatch"
	"dialhub/internal/events"
	"dialhub/internal/queue"
	"dialhub/internal/slots"
	"dialhub/internal/telephony"
	"dialhub/internal/waitlist"
)

// Server is the REST API surface of the dispatch core.
type Server struct {
	config     *config.Config
	repo       *database.Repository
	controller *campaign.Controller
	pipeline   *dispatch.Pipeline
	tracker    *slots.Tracker
	wl         *waitlist.Service
	queue      *queue.Queue
	hub        *events.Hub
	auth       *auth.Authenticator

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, repo *database.Repository, controller *campaign.Controller, pipeline *dispatch.Pipeline, tracker *slots.Tracker, wl *waitlist.Service, q *queue.Queue, hub *events.Hub) *Server {
	return &Server{
		config:     cfg,
		repo:       repo,
		controller: controller,
		pipeline:   pipeline,
		tracker:    tracker,
		wl:         wl,
		queue:      q,
		hub:        hub,
		auth:       auth.New(cfg.Auth.JWTSecret),
	}
}

// Start runs the HTTP server. Blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	addr := s.config.API.Address()
	log.Printf("[API] Starting server on %s", addr)

	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/api/v1/webhooks/calls", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	// Protected routes
	protectedMux := http.NewServeMux()
	protectedMux.HandleFunc("/api/v1/campaigns", s.handleCampaigns)
	protectedMux.HandleFunc("/api/v1/campaigns/", s.handleCampaignSubroute)

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/login",
			r.URL.Path == "/api/v1/webhooks/calls",
			r.URL.Path == "/health",
			r.URL.Path == "/ws",
			!strings.HasPrefix(r.URL.Path, "/api/v1/"):
			mux.ServeHTTP(w, r)
		default:
			s.auth.Middleware(protectedMux).ServeHTTP(w, r)
		}
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(mainHandler),
	}

	log.Printf("[API] Server started")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers when enabled and recovers panics.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] PANIC RECOVERED: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "internal_error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope of the API: a machine code plus a
// human message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// handleLogin exchanges credentials for a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "username and password are required")
		return
	}

	user, err := s.repo.GetUserByUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	token, err := s.auth.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "error generating token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// handleWebhook receives vendor status callbacks.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	var ev telephony.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid webhook body")
		return
	}
	if ev.CallSid == "" || ev.Status == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "CallSid and Status are required")
		return
	}

	if err := s.pipeline.HandleWebhook(r.Context(), &ev); err != nil {
		log.Printf("[API] Webhook error for call %s: %v", ev.CallSid, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHealth reports liveness plus queue depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, _ := s.queue.PendingCount(r.Context())
	active, _ := s.queue.ActiveCount(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": pending,
		"active":  active,
	})
}
