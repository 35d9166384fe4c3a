package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/mw"
	"fleet-patch-backend/internal/store"
)

var jobStates = map[model.JobState]bool{
	model.JobQueued:           true,
	model.JobPrecheckRunning:  true,
	model.JobPrecheckPassed:   true,
	model.JobPrecheckFailed:   true,
	model.JobPatching:         true,
	model.JobPatchFailed:      true,
	model.JobPostcheckRunning: true,
	model.JobPostcheckFailed:  true,
	model.JobCompleted:        true,
	model.JobRollbackRunning:  true,
	model.JobRolledBack:       true,
	model.JobRollbackFailed:   true,
}

type triggerPatchRequest struct {
	Quarter string `json:"quarter"`
}

// TriggerPatch opens a forced patch job for a server, due immediately.
// Used to retry a server whose cycle ended in a failed job, or to patch
// ahead of the scheduled time. Administrator capability is required.
func (h *Handler) TriggerPatch(c *gin.Context) {
	caller := mw.Caller(c)
	if !requireCapability(c, caller.CanOverrideSchedule) {
		return
	}

	// Body is optional; an empty body targets the current quarter.
	var req triggerPatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	now := time.Now().UTC()
	quarterID := req.Quarter
	if quarterID == "" {
		q, ok := h.cal.Current(now.In(h.cal.Location()))
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "no quarter is currently active"})
			return
		}
		quarterID = q.ID
	} else if _, ok := h.cal.ByID(quarterID); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown quarter"})
		return
	}

	server, err := h.store.GetServer(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	year := now.In(h.cal.Location()).Year()
	err = h.scanner.OpenJob(c.Request.Context(), server, quarterID, year, now, true)
	if err != nil {
		if errors.Is(err, store.ErrJobConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}

// ListJobs returns jobs filtered by state. Without a filter it returns
// every non-terminal job, which is the orchestrator's live workload.
func (h *Handler) ListJobs(c *gin.Context) {
	states := model.NonTerminalStates()
	if raw := c.Query("state"); raw != "" {
		states = states[:0]
		for _, s := range strings.Split(raw, ",") {
			st := model.JobState(strings.TrimSpace(s))
			if !jobStates[st] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job state: " + s})
				return
			}
			states = append(states, st)
		}
	}

	jobs, err := h.store.ListJobsInStates(c.Request.Context(), states...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetJob returns a job with its full phase history.
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, j)
}

// ListServerJobs returns a server's job history, newest first.
func (h *Handler) ListServerJobs(c *gin.Context) {
	jobs, err := h.store.ListJobsForServer(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// TriggerRollback forces a rollback of a failed job regardless of the
// host group's rollback policy.
func (h *Handler) TriggerRollback(c *gin.Context) {
	caller := mw.Caller(c)
	if !requireCapability(c, caller.CanForceRollback) {
		return
	}

	j, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if err := h.exec.ForceRollback(c.Request.Context(), j); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// AbortJob asks a running job to stop at its next phase boundary. The
// phase already in flight always runs to completion.
func (h *Handler) AbortJob(c *gin.Context) {
	caller := mw.Caller(c)
	if !requireCapability(c, caller.CanOverrideSchedule) {
		return
	}

	err := h.store.RequestAbort(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}
