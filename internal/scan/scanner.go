package scan

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/store"
)

// Phases a WorkItem can request.
const (
	PhasePrecheck = "precheck"
	PhasePatch    = "patch"
)

// WorkItem is a due (server, quarter, phase) unit for the dispatcher.
type WorkItem struct {
	Job    model.PatchJob
	Server model.Server
	Phase  string
	// DueAt orders admission within a host group; earliest wins.
	DueAt time.Time
}

// Scanner computes the set of work items that are due at a given time.
// Repeated scans are idempotent: an already-dispatched job leaves the
// queued-equivalent states, so it stops being emitted, and emitting the
// same unadmitted item twice is harmless because admission is a guarded
// state transition.
type Scanner struct {
	store     store.Store
	cal       *quarter.Calendar
	approvals *approval.Manager
	policies  map[string]config.HostGroupPolicy
	lead      time.Duration
}

// NewScanner creates an eligibility scanner.
func NewScanner(st store.Store, cal *quarter.Calendar, approvals *approval.Manager, policies map[string]config.HostGroupPolicy, precheckLead time.Duration) *Scanner {
	return &Scanner{
		store:     st,
		cal:       cal,
		approvals: approvals,
		policies:  policies,
		lead:      precheckLead,
	}
}

// Scan opens jobs for newly due servers and returns every work item that
// is due at now.
func (s *Scanner) Scan(ctx context.Context, now time.Time) []WorkItem {
	if q, ok := s.cal.Current(now); ok {
		s.openDueJobs(ctx, q, now)
	}

	var items []WorkItem

	queued, err := s.store.ListJobsInStates(ctx, model.JobQueued)
	if err != nil {
		log.Printf("Error listing queued jobs: %v", err)
		return nil
	}
	for _, j := range queued {
		server, err := s.store.GetServer(ctx, j.ServerName)
		if err != nil {
			log.Printf("Error loading server %s for job %s: %v", j.ServerName, j.ID, err)
			continue
		}
		items = append(items, WorkItem{Job: j, Server: server, Phase: PhasePrecheck, DueAt: j.ScheduledAt})
	}

	passed, err := s.store.ListJobsInStates(ctx, model.JobPrecheckPassed)
	if err != nil {
		log.Printf("Error listing precheck-passed jobs: %v", err)
		return items
	}
	for _, j := range passed {
		if !j.Forced && now.Before(j.ScheduledAt) {
			continue
		}
		server, err := s.store.GetServer(ctx, j.ServerName)
		if err != nil {
			log.Printf("Error loading server %s for job %s: %v", j.ServerName, j.ID, err)
			continue
		}
		items = append(items, WorkItem{Job: j, Server: server, Phase: PhasePatch, DueAt: j.ScheduledAt})
	}

	return items
}

// openDueJobs creates a queued PatchJob for every eligible server whose
// precheck lead window has opened and that has no job yet this cycle. The
// host group policy is snapshotted onto the job here and binds for its
// lifetime.
func (s *Scanner) openDueJobs(ctx context.Context, q quarter.Quarter, now time.Time) {
	year := now.In(s.cal.Location()).Year()

	servers, err := s.store.ListActiveServers(ctx)
	if err != nil {
		log.Printf("Error listing servers for eligibility scan: %v", err)
		return
	}

	for _, server := range servers {
		req, err := s.store.GetApproval(ctx, server.Name, q.ID, year)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue // cycle not opened yet
		}
		if err != nil {
			log.Printf("Error reading approval for %s/%s: %v", server.Name, q.ID, err)
			continue
		}
		if !req.Status.Eligible() {
			continue
		}

		patchAt, err := s.approvals.ScheduleFor(ctx, server.Name, q, year)
		if err != nil {
			log.Printf("Error resolving schedule for %s/%s: %v", server.Name, q.ID, err)
			continue
		}
		if now.Before(patchAt.Add(-s.lead)) {
			continue
		}

		// One job per cycle: a prior attempt, even a failed one, keeps
		// the cycle closed until an administrator triggers a new one.
		if _, err := s.store.FindJob(ctx, server.Name, q.ID, year); err == nil {
			continue
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Error checking existing job for %s/%s: %v", server.Name, q.ID, err)
			continue
		}

		if err := s.OpenJob(ctx, server, q.ID, year, patchAt, false); err != nil {
			log.Printf("Error opening job for %s/%s: %v", server.Name, q.ID, err)
		}
	}
}

// OpenJob creates a queued job with the server's current policy snapshot.
// Forced jobs bypass the lead-time and approval gates on later scans.
func (s *Scanner) OpenJob(ctx context.Context, server model.Server, quarterID string, year int, patchAt time.Time, forced bool) error {
	policy := s.policies[server.HostGroup]
	j := &model.PatchJob{
		ID:              uuid.NewString(),
		ServerName:      server.Name,
		QuarterID:       quarterID,
		Year:            year,
		State:           model.JobQueued,
		HostGroup:       server.HostGroup,
		RollbackEnabled: policy.RollbackEnabled,
		Forced:          forced,
		ScheduledAt:     patchAt.UTC(),
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return err
	}
	log.Printf("Opened patch job %s for %s/%s scheduled at %s", j.ID, server.Name, quarterID, j.ScheduledAt)
	return nil
}
