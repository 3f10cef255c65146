package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/db"
	"go.uber.org/zap"
)

// respondError maps domain errors onto HTTP statuses. Anything unrecognised
// is logged and answered with a generic 500 carrying fallback.
func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)

	var (
		circuitErr *core.CircuitOpenError
		policyErr  *core.PolicyDeniedError
	)
	switch {
	case errors.As(err, &circuitErr):
		c.JSON(http.StatusLocked, gin.H{
			"error":             err.Error(),
			"reset_at":          circuitErr.ResetAt,
			"remaining_minutes": core.RemainingMinutes(circuitErr.Remaining),
		})
	case errors.As(err, &policyErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":  err.Error(),
			"action": policyErr.Action,
			"risk":   policyErr.Risk,
			"mode":   policyErr.Mode,
		})
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrUnknownPlugin),
		errors.Is(err, core.ErrUnknownCheck),
		errors.Is(err, core.ErrUnknownAction),
		errors.Is(err, core.ErrInvalidLabel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrHealerDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrHealInProgress), errors.Is(err, db.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrBackupFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Operation timed out"})
	default:
		h.logger.Error(fallback, zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
