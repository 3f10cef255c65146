package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/site-healer/internal/api/middleware"
)

type HealRequest struct {
	Action    string `json:"action" binding:"required"`
	Subdomain string `json:"subdomain"`
	// BypassPolicy skips the healer-enabled and mode checks. Admin only.
	BypassPolicy bool `json:"bypass_policy"`
}

func (h *Handler) Heal(c *gin.Context) {
	var req HealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BypassPolicy && !middleware.HasRole(c, middleware.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only administrators may bypass the healing policy"})
		return
	}

	appID := c.Param("id")
	outcome, err := h.service.Heal(c.Request.Context(), appID, req.Action, req.Subdomain, req.BypassPolicy)
	if err != nil {
		h.respondError(c, err, "Healing failed")
		return
	}
	h.invalidateHealth(c.Request.Context(), appID)
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) ResetCircuitBreaker(c *gin.Context) {
	appID := c.Param("id")
	if err := h.service.ResetCircuitBreaker(c.Request.Context(), appID); err != nil {
		h.respondError(c, err, "Failed to reset circuit breaker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"application_id": appID, "state": "CLOSED"})
}

func (h *Handler) ListBackups(c *gin.Context) {
	backups, err := h.service.ListBackups(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to list backups")
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups, "count": len(backups)})
}

type BackupRequest struct {
	Subdomain string `json:"subdomain"`
	Label     string `json:"label" binding:"omitempty,alphanum,max=40"`
}

func (h *Handler) CreateBackup(c *gin.Context) {
	var req BackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	b, err := h.service.CreateBackup(c.Request.Context(), c.Param("id"), req.Subdomain, req.Label)
	if err != nil {
		h.respondError(c, err, "Backup failed")
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) DeleteBackup(c *gin.Context) {
	if err := h.service.DeleteBackup(c.Request.Context(), c.Param("id"), c.Param("backup_id")); err != nil {
		h.respondError(c, err, "Failed to delete backup")
		return
	}
	c.Status(http.StatusNoContent)
}

type RollbackRequest struct {
	Subdomain string `json:"subdomain"`
}

// Rollback answers 200 even when the restore did not complete; the body's
// success flag carries the outcome.
func (h *Handler) Rollback(c *gin.Context) {
	var req RollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	appID := c.Param("id")
	result, err := h.service.Rollback(c.Request.Context(), appID, req.Subdomain, c.Param("backup_id"))
	if err != nil {
		h.respondError(c, err, "Rollback failed")
		return
	}
	h.invalidateHealth(c.Request.Context(), appID)
	c.JSON(http.StatusOK, result)
}
