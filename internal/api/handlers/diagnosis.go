package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/site-healer/internal/healing"
	"go.uber.org/zap"
)

func (h *Handler) Diagnose(c *gin.Context) {
	appID := c.Param("id")
	report, err := h.service.Diagnose(c.Request.Context(), appID, c.Query("subdomain"))
	if err != nil {
		h.respondError(c, err, "Diagnosis failed")
		return
	}
	h.invalidateHealth(c.Request.Context(), appID)
	c.JSON(http.StatusOK, report)
}

// GetHealth serves the score from cache when possible; the cache is
// dropped whenever a diagnosis or heal runs through the API.
func (h *Handler) GetHealth(c *gin.Context) {
	ctx := c.Request.Context()
	appID, subdomain := c.Param("id"), c.Query("subdomain")

	if h.cache != nil {
		var cached healing.HealthReport
		if err := h.cache.GetCachedHealth(ctx, appID, subdomain, &cached); err == nil {
			c.Header("X-Cache", "HIT")
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	report, err := h.service.GetHealthScore(ctx, appID, subdomain)
	if err != nil {
		h.respondError(c, err, "Failed to compute health")
		return
	}

	if h.cache != nil {
		if err := h.cache.CacheHealth(ctx, appID, subdomain, report); err != nil {
			h.logger.Warn("Failed to cache health", zap.String("application_id", appID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, report)
}
