package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leozw/site-healer/internal/db"
)

type CreateServerRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name" binding:"required,min=1,max=255"`
	Host       string `json:"host" binding:"required"`
	Port       int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
}

func (h *Handler) CreateServer(c *gin.Context) {
	var req CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Password == "" && req.PrivateKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password or private_key is required"})
		return
	}

	server := &db.Server{
		ID:         req.ID,
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
	}
	if server.ID == "" {
		server.ID = uuid.New().String()
	}

	if err := h.servers.CreateServer(c.Request.Context(), server); err != nil {
		h.respondError(c, err, "Failed to create server")
		return
	}
	c.JSON(http.StatusCreated, server)
}

func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.servers.ListServers(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to list servers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers, "count": len(servers)})
}
