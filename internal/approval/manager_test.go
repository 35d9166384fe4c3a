package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/auth"
	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/notify"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/store"
)

// recordingNotifier captures queued notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		out = append(out, n.Template)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, store.Store, *recordingNotifier) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&model.Server{}, &model.ApprovalRequest{}, &model.QuarterSchedule{},
		&model.ControlState{},
	))

	cal, err := quarter.NewCalendar(config.DefaultQuarters(), time.UTC)
	require.NoError(t, err)

	st := store.NewGormStore(db)
	rec := &recordingNotifier{}
	return NewManager(st, cal, rec), st, rec
}

func testServer() model.Server {
	return model.Server{
		Name:         "web-01",
		PrimaryOwner: "owner@example.com",
		HostGroup:    "web",
		Active:       true,
	}
}

var (
	owner = auth.Caller{Name: "owner@example.com", CanApprove: true}
	admin = auth.Caller{Name: "admin", CanApprove: true, CanOverrideSchedule: true}
)

func TestAdvanceEscalationTimeline(t *testing.T) {
	m, st, rec := newTestManager(t)
	ctx := context.Background()
	server := testServer()
	q, _ := m.cal.ByID("Q3")

	// Early in the quarter only the initial notice goes out, once.
	early := time.Date(2026, 7, 5, 9, 0, 0, 0, time.UTC)
	_, err := m.Advance(ctx, server, q, early)
	require.NoError(t, err)
	_, err = m.Advance(ctx, server, q, early.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{notify.TemplateInitialApprovalNotice}, rec.templates())

	// Past the approval deadline the follow-up fires.
	_, err = m.Advance(ctx, server, q, time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{
		notify.TemplateInitialApprovalNotice,
		notify.TemplateApprovalFollowup,
	}, rec.templates())

	// Past the escalation notice date the final escalation fires.
	_, err = m.Advance(ctx, server, q, time.Date(2026, 8, 16, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{
		notify.TemplateInitialApprovalNotice,
		notify.TemplateApprovalFollowup,
		notify.TemplateApprovalFinalEscalation,
	}, rec.templates())

	req, err := st.GetApproval(ctx, server.Name, "Q3", 2026)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)
}

func TestAdvanceAutoApprovesPastDeadline(t *testing.T) {
	m, st, rec := newTestManager(t)
	ctx := context.Background()
	server := testServer()
	q, _ := m.cal.ByID("Q3")

	req, err := m.Advance(ctx, server, q, time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalAutoApproved, req.Status)
	assert.Equal(t, "system", req.ResolvedBy)

	// The schedule is forced to the quarter fallback slot.
	sched, err := st.GetSchedule(ctx, server.Name, "Q3", 2026)
	require.NoError(t, err)
	assert.True(t, sched.PatchAt.Equal(time.Date(2026, 9, 5, 22, 0, 0, 0, time.UTC)))
	assert.Equal(t, "system", sched.SetBy)

	templates := rec.templates()
	assert.Contains(t, templates, notify.TemplateApprovalConfirmed)
	last := rec.sent[len(rec.sent)-1]
	assert.Equal(t, "true", last.Context["auto_approved"])

	// A later sweep leaves the resolved request alone.
	before := len(rec.templates())
	_, err = m.Advance(ctx, server, q, time.Date(2026, 9, 2, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, rec.templates(), before)
}

func TestAutoApproveOverwritesUnconfirmedSchedule(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	server := testServer()
	q, _ := m.cal.ByID("Q3")

	// The owner picked a slot but never approved.
	chosen := time.Date(2026, 9, 20, 20, 0, 0, 0, time.UTC)
	require.NoError(t, m.EditSchedule(ctx, owner, server.Name, "Q3", chosen,
		time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)))

	_, err := m.Advance(ctx, server, q, time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	sched, err := st.GetSchedule(ctx, server.Name, "Q3", 2026)
	require.NoError(t, err)
	assert.True(t, sched.PatchAt.Equal(time.Date(2026, 9, 5, 22, 0, 0, 0, time.UTC)))
}

func TestApproveKeepsChosenSchedule(t *testing.T) {
	m, st, rec := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertServers(ctx, []model.Server{testServer()}))
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)

	chosen := time.Date(2026, 9, 20, 20, 0, 0, 0, time.UTC)
	require.NoError(t, m.EditSchedule(ctx, owner, "web-01", "Q3", chosen, now))
	require.NoError(t, m.Approve(ctx, owner, "web-01", "Q3", now))

	req, err := st.GetApproval(ctx, "web-01", "Q3", 2026)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)
	assert.Equal(t, "owner@example.com", req.ResolvedBy)

	sched, err := st.GetSchedule(ctx, "web-01", "Q3", 2026)
	require.NoError(t, err)
	assert.True(t, sched.PatchAt.Equal(chosen))

	assert.Contains(t, rec.templates(), notify.TemplateApprovalConfirmed)

	// Approving again fails: the request is resolved.
	assert.ErrorIs(t, m.Approve(ctx, owner, "web-01", "Q3", now), ErrApprovalExpired)
}

func TestApproveRequiresCapability(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	nobody := auth.Caller{Name: "viewer"}
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, m.Approve(ctx, nobody, "web-01", "Q3", now), ErrNotPermitted)
	assert.ErrorIs(t, m.Reject(ctx, nobody, "web-01", "Q3", now), ErrNotPermitted)
	assert.ErrorIs(t, m.ForceApprove(ctx, owner, "web-01", "Q3", now), ErrNotPermitted)
	assert.ErrorIs(t, m.ForceReject(ctx, owner, "web-01", "Q3", now), ErrNotPermitted)
}

func TestForceApproveOverridesResolution(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertServers(ctx, []model.Server{testServer()}))
	now := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.Reject(ctx, owner, "web-01", "Q3", now))
	require.NoError(t, m.ForceApprove(ctx, admin, "web-01", "Q3", now))

	req, err := st.GetApproval(ctx, "web-01", "Q3", 2026)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)
	assert.Equal(t, "admin", req.ResolvedBy)
}

func TestEditScheduleFreezeWindows(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	chosen := time.Date(2026, 9, 20, 20, 0, 0, 0, time.UTC)

	// 2026-08-29 is a Saturday, inside the Friday 17:00 - Monday 08:00
	// weekly freeze.
	frozen := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	err := m.EditSchedule(ctx, owner, "web-01", "Q3", chosen, frozen)
	assert.ErrorIs(t, err, ErrScheduleLocked)

	// The administrator bypasses the freeze.
	assert.NoError(t, m.EditSchedule(ctx, admin, "web-01", "Q3", chosen, frozen))

	// The global freeze blocks owners on any weekday.
	require.NoError(t, st.SetScheduleFrozen(ctx, true, "admin"))
	weekday := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	err = m.EditSchedule(ctx, owner, "web-01", "Q3", chosen, weekday)
	assert.ErrorIs(t, err, ErrScheduleLocked)

	require.NoError(t, st.SetScheduleFrozen(ctx, false, "admin"))
	assert.NoError(t, m.EditSchedule(ctx, owner, "web-01", "Q3", chosen, weekday))
}

func TestEditScheduleAfterResolution(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertServers(ctx, []model.Server{testServer()}))
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	chosen := time.Date(2026, 9, 20, 20, 0, 0, 0, time.UTC)

	require.NoError(t, m.Approve(ctx, owner, "web-01", "Q3", now))

	// Owners cannot move a confirmed slot.
	err := m.EditSchedule(ctx, owner, "web-01", "Q3", chosen, now)
	assert.ErrorIs(t, err, ErrScheduleLocked)

	// An administrator edit lands and re-opens the request.
	require.NoError(t, m.EditSchedule(ctx, admin, "web-01", "Q3", chosen, now))
	req, err := st.GetApproval(ctx, "web-01", "Q3", 2026)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)

	sched, err := st.GetSchedule(ctx, "web-01", "Q3", 2026)
	require.NoError(t, err)
	assert.True(t, sched.PatchAt.Equal(chosen))
}

func TestScheduleForFallsBack(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	q, _ := m.cal.ByID("Q3")

	patchAt, err := m.ScheduleFor(ctx, "web-01", q, 2026)
	require.NoError(t, err)
	assert.True(t, patchAt.Equal(time.Date(2026, 9, 5, 22, 0, 0, 0, time.UTC)))

	chosen := time.Date(2026, 9, 20, 20, 0, 0, 0, time.UTC)
	require.NoError(t, st.SetSchedule(ctx, "web-01", "Q3", 2026, chosen, "owner@example.com"))

	patchAt, err = m.ScheduleFor(ctx, "web-01", q, 2026)
	require.NoError(t, err)
	assert.True(t, patchAt.Equal(chosen))
}
