package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fleet-patch-backend/internal/model"
)

type serverRecord struct {
	Name           string `json:"name" binding:"required"`
	PrimaryOwner   string `json:"primary_owner" binding:"required,email"`
	SecondaryOwner string `json:"secondary_owner" binding:"omitempty,email"`
	HostGroup      string `json:"host_group" binding:"required"`
	Environment    string `json:"environment"`
	Timezone       string `json:"timezone"`
	IncidentTicket string `json:"incident_ticket"`
	PatcherEmail   string `json:"patcher_email" binding:"omitempty,email"`
}

// ImportServers upserts a batch of inventory records. Existing servers
// are updated in place; approval and job history is never touched here.
func (h *Handler) ImportServers(c *gin.Context) {
	var records []serverRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty server list"})
		return
	}

	servers := make([]model.Server, len(records))
	for i, rec := range records {
		servers[i] = model.Server{
			Name:           rec.Name,
			PrimaryOwner:   rec.PrimaryOwner,
			SecondaryOwner: rec.SecondaryOwner,
			HostGroup:      rec.HostGroup,
			Environment:    rec.Environment,
			Timezone:       rec.Timezone,
			IncidentTicket: rec.IncidentTicket,
			PatcherEmail:   rec.PatcherEmail,
			Active:         true,
		}
	}

	if err := h.store.UpsertServers(c.Request.Context(), servers); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(servers)})
}

// ListServers returns every active server in the inventory.
func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.store.ListActiveServers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, servers)
}

// GetServer returns a single server by name.
func (h *Handler) GetServer(c *gin.Context) {
	server, err := h.store.GetServer(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, server)
}

// DeactivateServer marks a server inactive so the orchestrator stops
// opening patch cycles for it. The record itself is kept for history.
func (h *Handler) DeactivateServer(c *gin.Context) {
	err := h.store.DeactivateServer(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusNoContent)
}
