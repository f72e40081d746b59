package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/circuitbreaker"
	"carwatch/internal/db"
	"carwatch/internal/sched"
)

// MatchRunner triggers match engine executions on demand.
type MatchRunner interface {
	Run(ctx context.Context, windowStart *time.Time, maxListings int) (*db.MatchRun, error)
}

// JobController exposes scheduler job operations.
type JobController interface {
	TriggerNow(ctx context.Context, jobID string) error
	Pause(jobID string) error
	Resume(jobID string) error
	Status() []sched.JobStatus
}

// QueueStatsStore reports queue entry counts.
type QueueStatsStore interface {
	Stats(ctx context.Context) (*db.QueueStats, error)
}

// NotificationReader serves the user-facing notification endpoints.
type NotificationReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	engine   MatchRunner
	jobs     JobController
	queue    QueueStatsStore
	notifs   NotificationReader
	breakers []*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler. breakers may be empty.
func NewHandler(logger *zap.Logger, engine MatchRunner, jobs JobController, queue QueueStatsStore, notifs NotificationReader, breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	return &Handler{
		logger:   logger,
		engine:   engine,
		jobs:     jobs,
		queue:    queue,
		notifs:   notifs,
		breakers: breakers,
	}
}

// TriggerRun handles POST /v1/runs. An empty body runs with the cursor
// window; window_start and max_listings override it for backfills.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		WindowStart *time.Time `json:"window_start,omitempty"`
		MaxListings int        `json:"max_listings,omitempty"`
	}

	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	if req.MaxListings < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_listings", "max_listings must be >= 0")
		return
	}

	run, err := h.engine.Run(ctx, req.WindowStart, req.MaxListings)
	if err != nil {
		h.logger.Error("manual match run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "run_error", "Match run failed", "")
		return
	}

	h.logger.Info("manual match run completed",
		zap.String("run_id", run.ID.String()),
		zap.Int("matches_found", run.MatchesFound),
		zap.Int("notifications_created", run.NotificationsCreated),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(run)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statuses := h.jobs.Status()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  statuses,
		"count": len(statuses),
	})
}

// TriggerJob handles POST /v1/jobs/{id}/trigger
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	err := h.jobs.TriggerNow(r.Context(), jobID)
	switch {
	case errors.Is(err, sched.ErrUnknownJob):
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown job", jobID)
		return
	case errors.Is(err, sched.ErrJobRunning):
		h.writeError(w, http.StatusConflict, "job_running", "Job is already running", jobID)
		return
	case err != nil:
		h.logger.Error("failed to trigger job", zap.String("job_id", jobID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "trigger_error", "Failed to trigger job", "")
		return
	}

	h.logger.Info("job triggered", zap.String("job_id", jobID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": jobID, "status": "triggered"})
}

// PauseJob handles POST /v1/jobs/{id}/pause
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.setJobPaused(w, chi.URLParam(r, "id"), true)
}

// ResumeJob handles POST /v1/jobs/{id}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.setJobPaused(w, chi.URLParam(r, "id"), false)
}

func (h *Handler) setJobPaused(w http.ResponseWriter, jobID string, paused bool) {
	var err error
	action := "resumed"
	if paused {
		action = "paused"
		err = h.jobs.Pause(jobID)
	} else {
		err = h.jobs.Resume(jobID)
	}

	if errors.Is(err, sched.ErrUnknownJob) {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown job", jobID)
		return
	}
	if err != nil {
		h.logger.Error("failed to change job state", zap.String("job_id", jobID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "job_error", "Failed to change job state", "")
		return
	}

	h.logger.Info("job state changed", zap.String("job_id", jobID), zap.String("action", action))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": jobID, "status": action})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to query queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to query queue stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// Breakers handles GET /v1/breakers
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": stats, "count": len(stats)})
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.notifs.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	if err := h.notifs.MarkRead(ctx, notifID, userID); err != nil {
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": idStr, "status": "read"})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
