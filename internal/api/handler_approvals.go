package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/mw"
)

// approvalStatus maps approval manager errors to HTTP responses.
func approvalStatus(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, approval.ErrNotPermitted):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrApprovalExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, approval.ErrScheduleLocked):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetApproval returns the approval request for a (server, quarter) cycle
// in the current year, together with its effective patch time.
func (h *Handler) GetApproval(c *gin.Context) {
	name, quarterID := c.Param("name"), c.Param("quarter")
	q, ok := h.cal.ByID(quarterID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown quarter"})
		return
	}

	year := time.Now().In(h.cal.Location()).Year()
	req, err := h.store.GetApproval(c.Request.Context(), name, quarterID, year)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no approval cycle open"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	patchAt, err := h.approvals.ScheduleFor(c.Request.Context(), name, q, year)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": req, "patch_at": patchAt})
}

func (h *Handler) Approve(c *gin.Context) {
	approvalStatus(c, h.approvals.Approve(c.Request.Context(), mw.Caller(c),
		c.Param("name"), c.Param("quarter"), time.Now().UTC()))
}

func (h *Handler) Reject(c *gin.Context) {
	approvalStatus(c, h.approvals.Reject(c.Request.Context(), mw.Caller(c),
		c.Param("name"), c.Param("quarter"), time.Now().UTC()))
}

func (h *Handler) ForceApprove(c *gin.Context) {
	approvalStatus(c, h.approvals.ForceApprove(c.Request.Context(), mw.Caller(c),
		c.Param("name"), c.Param("quarter"), time.Now().UTC()))
}

func (h *Handler) ForceReject(c *gin.Context) {
	approvalStatus(c, h.approvals.ForceReject(c.Request.Context(), mw.Caller(c),
		c.Param("name"), c.Param("quarter"), time.Now().UTC()))
}

type putScheduleRequest struct {
	PatchAt time.Time `json:"patch_at" binding:"required"`
}

// PutSchedule sets or replaces the chosen patch date/time for a cycle.
// Owners can edit until the request resolves or a freeze applies;
// administrators bypass the locks and re-open resolved requests.
func (h *Handler) PutSchedule(c *gin.Context) {
	var req putScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	approvalStatus(c, h.approvals.EditSchedule(c.Request.Context(), mw.Caller(c),
		c.Param("name"), c.Param("quarter"), req.PatchAt.UTC(), time.Now().UTC()))
}

func requireCapability(c *gin.Context, ok bool) bool {
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": approval.ErrNotPermitted.Error()})
		return false
	}
	return true
}
