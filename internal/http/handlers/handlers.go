package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/models"
	"github.com/propintel/backend/internal/scoring"
	"github.com/propintel/backend/internal/service"
)

type Handler struct {
	Store       db.Store
	Gateway     *scoring.Gateway
	Orch        *service.Orchestrator
	Sweeper     *service.Sweeper
	Validator   *validator.Validate
	Logger      zerolog.Logger
	BatchBudget time.Duration
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type SignalIn struct {
	ID          string            `json:"id"`
	SubjectID   string            `json:"subject_id" validate:"required"`
	Type        models.SignalType `json:"type" validate:"required"`
	Strength    float64           `json:"strength" validate:"gte=0,lte=1"`
	Confidence  float64           `json:"confidence" validate:"gte=0,lte=1"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
}

// IngestSignals accepts a batch of behavioral signals. Replays of the
// same signal id are absorbed silently.
func (h *Handler) IngestSignals(c *gin.Context) {
	var req []SignalIn
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if len(req) == 0 {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "at least one signal required", nil)
		return
	}

	now := time.Now().UTC()
	signals := make([]models.Signal, 0, len(req))
	for i, in := range req {
		if err := h.Validator.Struct(in); err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "signal "+strconv.Itoa(i)+" invalid", err.Error())
			return
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		signals = append(signals, models.Signal{
			ID:          id,
			SubjectID:   in.SubjectID,
			Type:        in.Type,
			Strength:    in.Strength,
			Confidence:  in.Confidence,
			WindowStart: in.WindowStart,
			WindowEnd:   in.WindowEnd,
			CreatedAt:   now,
		})
	}

	inserted, err := h.Store.InsertSignals(c.Request.Context(), signals)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to insert signals", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": len(signals), "inserted": inserted})
}

func (h *Handler) AlertsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Store.ListAlerts(c.Request.Context(), db.AlertFilter{
		Status:    models.AlertStatus(c.Query("status")),
		AgentID:   c.Query("agent_id"),
		SubjectID: c.Query("subject_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list alerts", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) AlertDetails(c *gin.Context) {
	id := c.Param("id")
	alert, err := h.Store.GetAlert(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get alert", err.Error())
		return
	}
	assignments, err := h.Store.ListAssignments(c.Request.Context(), id)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list assignments", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert, "assignments": assignments})
}

func (h *Handler) AgentsList(c *gin.Context) {
	items, err := h.Orch.AvailableAgents(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load agent workloads", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// AgentsUpsert replaces or creates agent profiles.
func (h *Handler) AgentsUpsert(c *gin.Context) {
	var agents []models.AgentProfile
	if err := c.ShouldBindJSON(&agents); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	for _, a := range agents {
		if a.ID == "" || a.MaxConcurrentAlerts < 0 {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "agent id required and capacity must be non-negative", nil)
			return
		}
	}
	n, err := h.Store.UpsertAgents(c.Request.Context(), agents)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to upsert agents", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": n})
}

func (h *Handler) RouteAlert(c *gin.Context) {
	res := h.Orch.Route(c.Request.Context(), c.Param("id"), nil)
	writeRoutingResult(c, res)
}

type ReassignRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Reason  string `json:"reason"`
	Force   bool   `json:"force"`
}

func (h *Handler) ReassignAlert(c *gin.Context) {
	var req ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	res := h.Orch.Reassign(c.Request.Context(), c.Param("id"), req.AgentID, req.Reason, req.Force)
	writeRoutingResult(c, res)
}

type BulkAssignRequest struct {
	AlertIDs []string `json:"alert_ids" validate:"required,min=1"`
}

func (h *Handler) BulkAssign(c *gin.Context) {
	var req BulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	results := h.Orch.BulkAssign(c.Request.Context(), req.AlertIDs, nil)
	assigned := 0
	for _, r := range results {
		if r.Error == "" && r.AgentID != "" {
			assigned++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "assigned": assigned})
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	alert, err := h.Orch.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type OutcomeRequest struct {
	Outcome models.AlertStatus `json:"outcome" validate:"required"`
}

func (h *Handler) RecordOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if req.Outcome != models.StatusConverted && req.Outcome != models.StatusDismissed {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "outcome must be CONVERTED or DISMISSED", nil)
		return
	}
	alert, err := h.Orch.RecordOutcome(c.Request.Context(), c.Param("id"), req.Outcome)
	if err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type ScoreRequest struct {
	SubjectID string `json:"subject_id"`
}

// Score runs the scoring pipeline for one subject, or for every
// subject with unprocessed signals when no subject_id is given.
func (h *Handler) Score(c *gin.Context) {
	var req ScoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}

	if req.SubjectID != "" {
		result, err := h.Gateway.ScoreSubject(c.Request.Context(), req.SubjectID)
		if err != nil {
			var unavailable *scoring.ScoringUnavailableError
			if errors.As(err, &unavailable) {
				writeError(c, http.StatusServiceUnavailable, "SCORING_UNAVAILABLE", "Scoring service unavailable", err.Error())
				return
			}
			writeError(c, http.StatusInternalServerError, "SCORING_ERROR", "Scoring failed", err.Error())
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	summary, err := h.Gateway.ScoreBatch(c.Request.Context(), h.BatchBudget)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SCORING_ERROR", "Batch scoring failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

type SweepRequest struct {
	MaxAgeDays int `json:"max_age_days" binding:"omitempty,min=1"`
}

// Sweep escalates stale alerts. An optional max_age_days narrows or
// widens the cutoff for this run; omitted, the configured default applies.
func (h *Handler) Sweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}

	summary, err := h.Sweeper.HandleStaleAlerts(c.Request.Context(), req.MaxAgeDays)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SWEEP_ERROR", "Sweep failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func writeRoutingResult(c *gin.Context, res service.RoutingResult) {
	if res.Error != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": gin.H{
				"code":    "ROUTING_FAILED",
				"message": res.Error,
			},
			"result": res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeLifecycleError(c *gin.Context, err error) {
	var transition *models.InvalidTransitionError
	var conflict *service.ConcurrentModificationError
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
	case errors.As(err, &transition):
		writeError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.As(err, &conflict):
		writeError(c, http.StatusConflict, "CONCURRENT_MODIFICATION", err.Error(), nil)
	default:
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Operation failed", err.Error())
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
