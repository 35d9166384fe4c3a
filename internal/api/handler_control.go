package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-patch-backend/internal/mw"
)

// GetControlState returns the orchestrator's global pause and schedule
// freeze flags.
func (h *Handler) GetControlState(c *gin.Context) {
	cs, err := h.store.ControlState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (h *Handler) setPaused(c *gin.Context, paused bool) {
	caller := mw.Caller(c)
	if !requireCapability(c, caller.CanOverrideSchedule) {
		return
	}
	if err := h.store.SetPaused(c.Request.Context(), paused, caller.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Pause stops the dispatcher from starting new jobs or new phases.
// Phases already in flight run to their next boundary.
func (h *Handler) Pause(c *gin.Context) { h.setPaused(c, true) }

// Resume lifts a pause; held jobs continue at the boundary they stopped
// on within the executor's poll interval.
func (h *Handler) Resume(c *gin.Context) { h.setPaused(c, false) }

func (h *Handler) setFrozen(c *gin.Context, frozen bool) {
	caller := mw.Caller(c)
	if !requireCapability(c, caller.CanOverrideSchedule) {
		return
	}
	if err := h.store.SetScheduleFrozen(c.Request.Context(), frozen, caller.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// FreezeSchedules blocks owner schedule edits fleet-wide until lifted.
// Administrator overrides still apply.
func (h *Handler) FreezeSchedules(c *gin.Context) { h.setFrozen(c, true) }

// UnfreezeSchedules lifts a global schedule freeze.
func (h *Handler) UnfreezeSchedules(c *gin.Context) { h.setFrozen(c, false) }
