package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/discovery"
	"github.com/leozw/site-healer/internal/scheduler"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (h *Handler) ListApplications(c *gin.Context) {
	filter := core.ApplicationFilter{
		ServerID: c.Query("server_id"),
		Limit:    defaultPageSize,
	}

	if s := c.Query("tech_stack"); s != "" {
		kind, ok := core.ParseStackKind(s)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown tech_stack " + s})
			return
		}
		filter.TechStack = kind
	}
	if s := c.Query("healer_enabled"); s != "" {
		enabled, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "healer_enabled must be a boolean"})
			return
		}
		filter.HealerEnabled = &enabled
	}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.Limit = limit
	}
	if s := c.Query("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		filter.Offset = offset
	}

	apps, err := h.service.ListApplications(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Failed to list applications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applications": apps,
		"count":        len(apps),
	})
}

func (h *Handler) GetApplication(c *gin.Context) {
	app, err := h.service.GetApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get application")
		return
	}
	c.JSON(http.StatusOK, app)
}

type DiscoverRequest struct {
	Paths           []string `json:"paths"`
	StackFilter     []string `json:"stack_filter"`
	ForceRediscover bool     `json:"force_rediscover"`
	// Wait runs discovery inside the request instead of queueing it.
	Wait bool `json:"wait"`
}

func (h *Handler) Discover(c *gin.Context) {
	var req DiscoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	serverID := c.Param("id")
	opts := discovery.Options{
		ServerID:        serverID,
		Paths:           req.Paths,
		ForceRediscover: req.ForceRediscover,
	}
	for _, s := range req.StackFilter {
		kind, ok := core.ParseStackKind(s)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown stack " + s})
			return
		}
		opts.StackFilter = append(opts.StackFilter, kind)
	}

	if req.Wait {
		report, err := h.service.Discover(c.Request.Context(), opts)
		if err != nil {
			h.respondError(c, err, "Discovery failed")
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	filter := make([]string, 0, len(opts.StackFilter))
	for _, k := range opts.StackFilter {
		filter = append(filter, string(k))
	}
	taskID, err := h.queue.Submit(c.Request.Context(), core.TaskDiscovery, map[string]interface{}{
		scheduler.KeyServerID:        serverID,
		scheduler.KeyPaths:           req.Paths,
		scheduler.KeyStackFilter:     filter,
		scheduler.KeyForceRediscover: req.ForceRediscover,
	})
	if err != nil {
		h.respondError(c, err, "Failed to queue discovery")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (h *Handler) DetectTechStack(c *gin.Context) {
	app, detection, err := h.service.DetectTechStack(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Detection failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"application": app,
		"detection":   detection,
	})
}

func (h *Handler) DetectAllTechStacks(c *gin.Context) {
	result, err := h.service.DetectAllTechStacks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Detection failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CollectMetadata(c *gin.Context) {
	appID := c.Param("id")
	if _, err := h.service.GetApplication(c.Request.Context(), appID); err != nil {
		h.respondError(c, err, "Failed to get application")
		return
	}
	taskID, err := h.queue.Submit(c.Request.Context(), core.TaskMetadata, map[string]interface{}{
		scheduler.KeyApplicationID: appID,
	})
	if err != nil {
		h.respondError(c, err, "Failed to queue metadata collection")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

type pluginInfo struct {
	Stack   core.StackKind       `json:"stack"`
	Checks  []string             `json:"checks"`
	Actions []core.HealingAction `json:"actions"`
}

func (h *Handler) ListPlugins(c *gin.Context) {
	infos := []pluginInfo{}
	for _, p := range h.service.Plugins() {
		infos = append(infos, pluginInfo{
			Stack:   p.Kind(),
			Checks:  p.DiagnosticChecks(),
			Actions: p.HealingActions(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": infos})
}

func (h *Handler) ListAuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.audit.ListAuditEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err, "Failed to list audit events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
