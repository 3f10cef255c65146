package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetTask(c *gin.Context) {
	progress, err := h.queue.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get task")
		return
	}
	c.JSON(http.StatusOK, progress)
}
