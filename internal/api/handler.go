package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/job"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/scan"
	"fleet-patch-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	approvals *approval.Manager
	exec      *job.Executor
	scanner   *scan.Scanner
	cal       *quarter.Calendar
	webpush   *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, approvals *approval.Manager, exec *job.Executor, scanner *scan.Scanner, cal *quarter.Calendar, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:     s,
		approvals: approvals,
		exec:      exec,
		scanner:   scanner,
		cal:       cal,
		webpush:   webpushOptions,
	}
}
