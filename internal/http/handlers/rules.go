package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/models"
	"github.com/propintel/backend/internal/rules"
)

func (h *Handler) RulesList(c *gin.Context) {
	enabledOnly, _ := strconv.ParseBool(c.DefaultQuery("enabled", "false"))
	items, err := h.Store.ListRules(c.Request.Context(), enabledOnly)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list rules", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) RuleCreate(c *gin.Context) {
	var rule models.RoutingRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := rules.Validate(h.Validator, rule); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Rule validation failed", err.Error())
		return
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := h.Store.CreateRule(c.Request.Context(), rule); err != nil {
		if errors.Is(err, db.ErrDuplicateName) {
			writeError(c, http.StatusConflict, "DUPLICATE_NAME", "Rule name already exists", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to create rule", err.Error())
		return
	}
	h.Orch.InvalidateRules()
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) RuleUpdate(c *gin.Context) {
	id := c.Param("id")
	existing, err := h.Store.GetRule(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Rule not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load rule", err.Error())
		return
	}

	var rule models.RoutingRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	if err := rules.Validate(h.Validator, rule); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Rule validation failed", err.Error())
		return
	}

	if err := h.Store.UpdateRule(c.Request.Context(), rule); err != nil {
		if errors.Is(err, db.ErrDuplicateName) {
			writeError(c, http.StatusConflict, "DUPLICATE_NAME", "Rule name already exists", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update rule", err.Error())
		return
	}
	h.Orch.InvalidateRules()
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) RuleDelete(c *gin.Context) {
	if err := h.Store.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Rule not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to delete rule", err.Error())
		return
	}
	h.Orch.InvalidateRules()
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
