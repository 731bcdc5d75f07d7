package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetwatch-backend/internal/auth"
	"fleetwatch-backend/internal/authz"
	"fleetwatch-backend/internal/cache"
	"fleetwatch-backend/internal/hub"
	"fleetwatch-backend/internal/ingest"
	mw "fleetwatch-backend/internal/middleware"
	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/queue"
	"fleetwatch-backend/internal/registry"
	"fleetwatch-backend/internal/storage"
)

// Store is the slice of storage the HTTP layer reads from directly.
type Store interface {
	GetAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]models.Agent, error)
	ListPendingAgents(ctx context.Context) ([]models.Agent, error)
	GetOperator(ctx context.Context, id string) (*models.Operator, error)
	QueryTelemetry(ctx context.Context, agentID, kind string, since time.Time, limit int) ([]models.TelemetryRecord, error)
	ListAlerts(ctx context.Context, agentID string, limit int) ([]models.Alert, error)
	MarkAlertRead(ctx context.Context, id, ownerID string) error
}

type Handler struct {
	registry *registry.Registry
	queue    queue.Queue
	router   *ingest.Router
	hub      *hub.Hub
	guard    *authz.Guard
	store    Store
	session  *auth.Service
	authH    *auth.Handler

	// Optional rate-limit cache; limiting is skipped when nil (tests).
	cache cache.Client
}

func New(reg *registry.Registry, q queue.Queue, router *ingest.Router, h *hub.Hub,
	guard *authz.Guard, store Store, session *auth.Service, authH *auth.Handler,
	cacheClient cache.Client) *Handler {
	return &Handler{
		registry: reg,
		queue:    q,
		router:   router,
		hub:      h,
		guard:    guard,
		store:    store,
		session:  session,
		authH:    authH,
		cache:    cacheClient,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	registerLimit := passthrough
	loginLimit := passthrough
	if h.cache != nil {
		registerLimit = mw.RateLimitRegister(h.cache)
		loginLimit = mw.RateLimitLogin(h.cache)
	}

	// Agent-facing; agents authenticate only by fingerprint possession.
	r.With(registerLimit).Post("/v1/agents/register", h.RegisterAgent)
	r.Post("/v1/agents/poll", h.Poll)
	r.Post("/v1/agents/result", h.SubmitResult)

	r.With(loginLimit).Post("/v1/auth/login", h.authH.Login)
	r.Get("/v1/stream", h.Stream)
	r.Get("/health", h.Health)

	// Operator-facing; guarded by session token and ownership.
	r.Group(func(r chi.Router) {
		r.Use(h.session.Middleware)

		r.Get("/v1/agents", h.ListAgents)
		r.Get("/v1/agents/{fingerprint}", h.GetAgent)
		r.Post("/v1/agents/{fingerprint}/commands", h.EnqueueCommand)
		r.Get("/v1/agents/{fingerprint}/history", h.QueryHistory)
		r.Get("/v1/agents/{fingerprint}/alerts", h.ListAlerts)
		r.Post("/v1/alerts/{id}/read", h.MarkAlertRead)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/v1/admin/pending", h.ListPendingAgents)
			r.Post("/v1/admin/operators", h.authH.CreateOperator)
			r.Post("/v1/agents/{fingerprint}/assign", h.AssignAgent)
		})
	})
}

// RegisterAgent is the agent's unauthenticated liveness/identity
// announcement. Redundant calls are safe.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Fingerprint == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	outcome, err := h.registry.Register(r.Context(), req)
	if err != nil {
		log.Printf("ERROR Register %s: %v", req.Fingerprint, err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.RegisterResponse{Status: outcome})
}

// Poll combines liveness touch, optional result ingest, and the dequeue of
// at most one command in a single round trip. A result or dequeue problem
// never voids the touch.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	var req models.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Fingerprint == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	if err := h.registry.Touch(r.Context(), req.Fingerprint); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		log.Printf("ERROR Touch %s: %v", req.Fingerprint, err)
		http.Error(w, "poll failed", http.StatusInternalServerError)
		return
	}

	if req.Result != nil {
		if err := h.router.Ingest(r.Context(), req.Fingerprint, req.Result); err != nil {
			log.Printf("WARN Ingest during poll for %s: %v", req.Fingerprint, err)
		}
	}

	resp := models.PollResponse{OK: true}
	cmd, err := h.queue.DequeueOne(r.Context(), req.Fingerprint)
	if err != nil {
		log.Printf("WARN Dequeue for %s: %v", req.Fingerprint, err)
	} else if cmd != nil {
		resp.Command = &models.CommandPayload{ID: cmd.ID, Verb: cmd.Verb, Payload: cmd.Payload}
	}

	writeJSON(w, http.StatusOK, resp)
}

// SubmitResult is the out-of-band result channel for large or async
// payloads, independent of poll cadence.
func (h *Handler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Fingerprint == "" {
		http.Error(w, "fingerprint required", http.StatusBadRequest)
		return
	}

	if err := h.router.Ingest(r.Context(), req.Fingerprint, &req.Result); err != nil {
		if errors.Is(err, ingest.ErrUnknownAgent) {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		log.Printf("ERROR Ingest for %s: %v", req.Fingerprint, err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type agentView struct {
	models.Agent
	Online bool `json:"online"`
}

func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	agents, err := h.store.ListAgentsByOwner(r.Context(), identity.OwnerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		a.LastScreenshot = nil // keep the list light
		views = append(views, agentView{Agent: a, Online: h.online(a.LastSeenAt)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) ListPendingAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListPendingAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	identity, _ := auth.IdentityFromContext(r.Context())

	if err := h.guard.Authorize(r.Context(), identity, fingerprint); err != nil {
		h.writeGuardError(w, err)
		return
	}

	agent, err := h.store.GetAgentByFingerprint(r.Context(), fingerprint)
	if err != nil {
		h.writeGuardError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agentView{Agent: *agent, Online: h.online(agent.LastSeenAt)})
}

func (h *Handler) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	identity, _ := auth.IdentityFromContext(r.Context())

	if err := h.guard.Authorize(r.Context(), identity, fingerprint); err != nil {
		h.writeGuardError(w, err)
		return
	}

	var req models.EnqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Verb == "" {
		http.Error(w, "verb required", http.StatusBadRequest)
		return
	}

	id, err := h.queue.Enqueue(r.Context(), models.Command{
		AgentID: fingerprint,
		OwnerID: identity.OwnerID,
		Verb:    req.Verb,
		Payload: req.Payload,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			http.Error(w, "command queue full", http.StatusTooManyRequests)
			return
		}
		log.Printf("ERROR Enqueue for %s: %v", fingerprint, err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.EnqueueCommandResponse{CommandID: id})
}

func (h *Handler) QueryHistory(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	identity, _ := auth.IdentityFromContext(r.Context())

	if err := h.guard.Authorize(r.Context(), identity, fingerprint); err != nil {
		h.writeGuardError(w, err)
		return
	}

	kind := r.URL.Query().Get("kind")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	records, err := h.store.QueryTelemetry(r.Context(), fingerprint, kind, since, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.TelemetryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	identity, _ := auth.IdentityFromContext(r.Context())

	if err := h.guard.Authorize(r.Context(), identity, fingerprint); err != nil {
		h.writeGuardError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := h.store.ListAlerts(r.Context(), fingerprint, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity, _ := auth.IdentityFromContext(r.Context())

	if err := h.store.MarkAlertRead(r.Context(), id, identity.OwnerID); err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AssignAgent moves a pending agent to an owner. Admin only.
func (h *Handler) AssignAgent(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")

	var req models.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id required", http.StatusBadRequest)
		return
	}

	owner, err := h.store.GetOperator(r.Context(), req.OwnerID)
	if err != nil {
		if errors.Is(err, storage.ErrOperatorNotFound) {
			http.Error(w, "owner not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = h.registry.Assign(r.Context(), fingerprint, req.OwnerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "assigned", "fingerprint": fingerprint})
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "agent not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrAlreadyOwnedByOther):
		http.Error(w, "agent already assigned to another owner", http.StatusConflict)
	case errors.Is(err, registry.ErrQuotaExceeded):
		http.Error(w, fmt.Sprintf("device limit reached (%d)", owner.DeviceLimit), http.StatusUnprocessableEntity)
	default:
		log.Printf("ERROR Assign %s to %s: %v", fingerprint, req.OwnerID, err)
		http.Error(w, "assign failed", http.StatusInternalServerError)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "fleetwatch-backend",
		"ts":      time.Now().Unix(),
	})
}

// writeGuardError maps guard/registry failures. Unauthorized and not-found
// are deliberately distinct status codes.
func (h *Handler) writeGuardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "agent not found", http.StatusNotFound)
	case errors.Is(err, authz.ErrUnauthorized):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) online(lastSeen *time.Time) bool {
	return lastSeen != nil && time.Since(*lastSeen) < h.registry.Window()
}

func passthrough(next http.Handler) http.Handler {
	return next
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN Encode response: %v", err)
	}
}
