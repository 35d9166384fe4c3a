package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"fleet-patch-backend/internal/auth"
	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/notify"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/store"
)

var (
	// ErrScheduleLocked is returned when a non-administrator edits a
	// schedule after resolution or inside a freeze window.
	ErrScheduleLocked = errors.New("schedule is locked")

	// ErrApprovalExpired is returned when an owner action arrives after
	// the request has already been resolved.
	ErrApprovalExpired = errors.New("approval request is already resolved")

	// ErrNotPermitted is returned when the caller lacks the capability
	// for the requested action.
	ErrNotPermitted = errors.New("caller lacks the required capability")
)

// Manager drives each (server, quarter) approval through its escalation
// timeline and resolves it.
type Manager struct {
	store    store.Store
	cal      *quarter.Calendar
	notifier notify.Notifier
}

// NewManager creates an approval lifecycle manager.
func NewManager(st store.Store, cal *quarter.Calendar, notifier notify.Notifier) *Manager {
	return &Manager{store: st, cal: cal, notifier: notifier}
}

// AdvanceAll advances the approval of every active server for the quarter
// containing now. Servers enter a new quarter cycle here: the request row
// is created on first sight.
func (m *Manager) AdvanceAll(ctx context.Context, now time.Time) {
	q, ok := m.cal.Current(now)
	if !ok {
		return
	}
	servers, err := m.store.ListActiveServers(ctx)
	if err != nil {
		log.Printf("Error listing servers for approval sweep: %v", err)
		return
	}
	for _, server := range servers {
		if _, err := m.Advance(ctx, server, q, now); err != nil {
			log.Printf("Error advancing approval for %s/%s: %v", server.Name, q.ID, err)
		}
	}
}

// Advance inspects the server's request for the quarter and, depending on
// elapsed time relative to the quarter's deadlines, leaves it unchanged,
// emits the next notification, or auto-approves it.
func (m *Manager) Advance(ctx context.Context, server model.Server, q quarter.Quarter, now time.Time) (model.ApprovalRequest, error) {
	year := now.In(m.cal.Location()).Year()
	req, err := m.store.GetOrCreateApproval(ctx, server.Name, q.ID, year)
	if err != nil {
		return req, err
	}
	if req.Status.Resolved() {
		return req, nil
	}

	softDeadline, escalationNotice, escalationDeadline := m.cal.DeadlineTimes(q, year)

	if req.InitialNoticeAt == nil {
		m.sendStage(ctx, server, q, year, store.StageInitial, notify.TemplateInitialApprovalNotice, now)
	}
	if req.FollowupAt == nil && !now.Before(softDeadline) {
		m.sendStage(ctx, server, q, year, store.StageFollowup, notify.TemplateApprovalFollowup, now)
	}
	if req.EscalationAt == nil && !now.Before(escalationNotice) {
		m.sendStage(ctx, server, q, year, store.StageEscalation, notify.TemplateApprovalFinalEscalation, now)
	}

	if !now.Before(escalationDeadline) {
		if err := m.autoApprove(ctx, server, q, year, now); err != nil {
			return req, err
		}
	}

	return m.store.GetApproval(ctx, server.Name, q.ID, year)
}

// sendStage stamps the notification timestamp and, only if this sweep won
// the stamp, queues the notification. A concurrent sweep losing the
// guarded update stays silent.
func (m *Manager) sendStage(ctx context.Context, server model.Server, q quarter.Quarter, year int, stage, template string, now time.Time) {
	err := m.store.MarkNotified(ctx, server.Name, q.ID, year, stage, now)
	if errors.Is(err, store.ErrStaleState) {
		return
	}
	if err != nil {
		log.Printf("Error stamping %s notice for %s/%s: %v", stage, server.Name, q.ID, err)
		return
	}
	m.notifier.Notify(notify.Notification{
		Template:   template,
		ServerName: server.Name,
		HostGroup:  server.HostGroup,
		Recipient:  server.PrimaryOwner,
		Context: map[string]string{
			"quarter": q.ID,
			"year":    fmt.Sprintf("%d", year),
		},
	})
}

// autoApprove resolves a still-pending request past the final escalation
// deadline and force-sets the schedule to the quarter's fallback slot,
// overwriting any partial unconfirmed edit.
func (m *Manager) autoApprove(ctx context.Context, server model.Server, q quarter.Quarter, year int, now time.Time) error {
	err := m.store.ResolveApproval(ctx, server.Name, q.ID, year,
		model.ApprovalPending, model.ApprovalAutoApproved, "system", now)
	if errors.Is(err, store.ErrStaleState) {
		// Someone resolved it between our read and the update.
		return nil
	}
	if err != nil {
		return err
	}

	fallback := q.Fallback(year, m.cal.Location())
	if err := m.store.SetSchedule(ctx, server.Name, q.ID, year, fallback, "system"); err != nil {
		return fmt.Errorf("failed to force fallback schedule: %w", err)
	}
	log.Printf("Auto-approved %s/%s %d, schedule forced to %s", server.Name, q.ID, year, fallback)

	m.notifier.Notify(notify.Notification{
		Template:   notify.TemplateApprovalConfirmed,
		ServerName: server.Name,
		HostGroup:  server.HostGroup,
		Recipient:  server.PrimaryOwner,
		Context: map[string]string{
			"quarter":       q.ID,
			"auto_approved": "true",
			"patch_at":      fallback.Format(time.RFC3339),
		},
	})
	return nil
}

// Approve records an explicit owner approval. The chosen date/time, if
// any, is left untouched.
func (m *Manager) Approve(ctx context.Context, caller auth.Caller, serverName, quarterID string, now time.Time) error {
	if !caller.CanApprove {
		return ErrNotPermitted
	}
	server, err := m.store.GetServer(ctx, serverName)
	if err != nil {
		return err
	}
	year := now.In(m.cal.Location()).Year()
	if _, err := m.store.GetOrCreateApproval(ctx, serverName, quarterID, year); err != nil {
		return err
	}
	err = m.store.ResolveApproval(ctx, serverName, quarterID, year,
		model.ApprovalPending, model.ApprovalApproved, caller.Name, now)
	if errors.Is(err, store.ErrStaleState) {
		return ErrApprovalExpired
	}
	if err != nil {
		return err
	}
	m.notifier.Notify(notify.Notification{
		Template:   notify.TemplateApprovalConfirmed,
		ServerName: serverName,
		HostGroup:  server.HostGroup,
		Recipient:  server.PrimaryOwner,
		Context:    map[string]string{"quarter": quarterID, "approved_by": caller.Name},
	})
	return nil
}

// Reject records an explicit rejection, removing the server from the
// quarter's eligibility set.
func (m *Manager) Reject(ctx context.Context, caller auth.Caller, serverName, quarterID string, now time.Time) error {
	if !caller.CanApprove {
		return ErrNotPermitted
	}
	year := now.In(m.cal.Location()).Year()
	if _, err := m.store.GetOrCreateApproval(ctx, serverName, quarterID, year); err != nil {
		return err
	}
	err := m.store.ResolveApproval(ctx, serverName, quarterID, year,
		model.ApprovalPending, model.ApprovalRejected, caller.Name, now)
	if errors.Is(err, store.ErrStaleState) {
		return ErrApprovalExpired
	}
	return err
}

// ForceApprove is the administrator override: it resolves the request to
// Approved regardless of its current status.
func (m *Manager) ForceApprove(ctx context.Context, caller auth.Caller, serverName, quarterID string, now time.Time) error {
	if !caller.CanOverrideSchedule {
		return ErrNotPermitted
	}
	year := now.In(m.cal.Location()).Year()
	if _, err := m.store.GetOrCreateApproval(ctx, serverName, quarterID, year); err != nil {
		return err
	}
	return m.store.ResolveApproval(ctx, serverName, quarterID, year,
		"", model.ApprovalApproved, caller.Name, now)
}

// ForceReject is the administrator override counterpart of ForceApprove.
func (m *Manager) ForceReject(ctx context.Context, caller auth.Caller, serverName, quarterID string, now time.Time) error {
	if !caller.CanOverrideSchedule {
		return ErrNotPermitted
	}
	year := now.In(m.cal.Location()).Year()
	if _, err := m.store.GetOrCreateApproval(ctx, serverName, quarterID, year); err != nil {
		return err
	}
	return m.store.ResolveApproval(ctx, serverName, quarterID, year,
		"", model.ApprovalRejected, caller.Name, now)
}

// EditSchedule applies a schedule change for the quarter cycle. A
// non-administrator edit is rejected with ErrScheduleLocked once the
// request is resolved, while the global schedule freeze is on, or inside
// the quarter's weekly freeze window. Administrators bypass the locks and
// re-open a resolved request to Pending as a side effect.
func (m *Manager) EditSchedule(ctx context.Context, caller auth.Caller, serverName, quarterID string, at, now time.Time) error {
	q, ok := m.cal.ByID(quarterID)
	if !ok {
		return fmt.Errorf("unknown quarter %q", quarterID)
	}
	year := now.In(m.cal.Location()).Year()

	req, err := m.store.GetOrCreateApproval(ctx, serverName, quarterID, year)
	if err != nil {
		return err
	}

	if !caller.CanOverrideSchedule {
		cs, err := m.store.ControlState(ctx)
		if err != nil {
			return err
		}
		if cs.ScheduleFrozen {
			return fmt.Errorf("%w: global schedule freeze is active", ErrScheduleLocked)
		}
		if q.Freeze.Contains(now.In(m.cal.Location())) {
			return fmt.Errorf("%w: weekly freeze window is active for %s", ErrScheduleLocked, quarterID)
		}
		if req.Status.Resolved() {
			return fmt.Errorf("%w: approval for %s is resolved", ErrScheduleLocked, quarterID)
		}
	}

	if err := m.store.SetSchedule(ctx, serverName, quarterID, year, at, caller.Name); err != nil {
		return err
	}

	if caller.CanOverrideSchedule && req.Status.Resolved() {
		if err := m.store.ReopenApproval(ctx, serverName, quarterID, year, caller.Name); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

// ScheduleFor resolves the effective patch time for an eligible cycle:
// the chosen schedule when one exists, the quarter fallback otherwise.
func (m *Manager) ScheduleFor(ctx context.Context, serverName string, q quarter.Quarter, year int) (time.Time, error) {
	sched, err := m.store.GetSchedule(ctx, serverName, q.ID, year)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return q.Fallback(year, m.cal.Location()), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return sched.PatchAt, nil
}
