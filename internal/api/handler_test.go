package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/auth"
	"fleet-patch-backend/internal/job"
	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/notify"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/remote"
	"fleet-patch-backend/internal/scan"
	"fleet-patch-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type dropNotifier struct{}

func (dropNotifier) Notify(notify.Notification) {}

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, host, operation string, timeout time.Duration) (remote.Result, error) {
	return remote.Result{ExitCode: 0}, nil
}

var testTokens = []config.APIToken{
	{Token: "admin-token", Name: "admin", Capabilities: []string{
		auth.CapApprove, auth.CapOverrideSchedule, auth.CapForceRollback,
	}},
	{Token: "owner-token", Name: "owner@example.com", Capabilities: []string{auth.CapApprove}},
	{Token: "reader-token", Name: "reader"},
}

func newTestRouter(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&model.Server{}, &model.ApprovalRequest{}, &model.QuarterSchedule{},
		&model.PatchJob{}, &model.PhaseResult{}, &model.ControlState{},
		&model.PushSubscription{}, &model.SubscriptionScope{},
	))

	cal, err := quarter.NewCalendar(config.DefaultQuarters(), time.UTC)
	require.NoError(t, err)

	st := store.NewGormStore(db)
	approvals := approval.NewManager(st, cal, dropNotifier{})
	exec := job.NewExecutor(st, stubRunner{}, dropNotifier{}, nil)
	policies := map[string]config.HostGroupPolicy{"web": {MaxConcurrent: 2, RollbackEnabled: true}}
	scanner := scan.NewScanner(st, cal, approvals, policies, 2*time.Hour)

	h := NewHandler(st, approvals, exec, scanner, cal, &webpush.Options{VAPIDPublicKey: "test-public-key"})
	srv := config.ServerConfig{RateLimitPerSec: 1000, CacheTTLSeconds: 1}
	return NewRouter(h, srv, testTokens), st
}

func doRequest(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedServer(t *testing.T, st store.Store, name string) {
	t.Helper()
	require.NoError(t, st.UpsertServers(context.Background(), []model.Server{{
		Name: name, PrimaryOwner: "owner@example.com", HostGroup: "web", Active: true,
	}}))
}

func TestAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/servers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/api/servers", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/api/servers", "reader-token", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestImportAndListServers(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := []map[string]any{
		{"name": "web-01", "primary_owner": "owner@example.com", "host_group": "web"},
		{"name": "web-02", "primary_owner": "owner@example.com", "host_group": "web", "environment": "prod"},
	}
	w := doRequest(router, http.MethodPut, "/api/servers", "admin-token", payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"imported": 2}`, w.Body.String())

	w = doRequest(router, http.MethodGet, "/api/servers", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var servers []model.Server
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &servers))
	assert.Len(t, servers, 2)

	// Invalid owner address is rejected.
	w = doRequest(router, http.MethodPut, "/api/servers", "admin-token",
		[]map[string]any{{"name": "web-03", "primary_owner": "not-an-email", "host_group": "web"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeactivateServer(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")

	w := doRequest(router, http.MethodDelete, "/api/servers/web-01", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	servers, err := st.ListActiveServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)

	w = doRequest(router, http.MethodDelete, "/api/servers/nope", "admin-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")
	quarterID := currentQuarterID(t)

	w := doRequest(router, http.MethodPost, "/api/servers/web-01/quarters/"+quarterID+"/approve", "owner-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req, err := st.GetApproval(context.Background(), "web-01", quarterID, time.Now().UTC().Year())
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)

	// A reader token lacks the approve capability.
	w = doRequest(router, http.MethodPost, "/api/servers/web-01/quarters/"+quarterID+"/reject", "reader-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Approving a resolved request conflicts.
	w = doRequest(router, http.MethodPost, "/api/servers/web-01/quarters/"+quarterID+"/approve", "owner-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The administrator override still lands.
	w = doRequest(router, http.MethodPost, "/api/servers/web-01/quarters/"+quarterID+"/force-reject", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPutScheduleEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")
	quarterID := currentQuarterID(t)

	at := time.Now().UTC().AddDate(0, 0, 7).Truncate(time.Minute)
	w := doRequest(router, http.MethodPut, "/api/servers/web-01/quarters/"+quarterID+"/schedule",
		"admin-token", map[string]any{"patch_at": at.Format(time.RFC3339)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	sched, err := st.GetSchedule(context.Background(), "web-01", quarterID, time.Now().UTC().Year())
	require.NoError(t, err)
	assert.True(t, sched.PatchAt.Equal(at))

	w = doRequest(router, http.MethodPut, "/api/servers/web-01/quarters/"+quarterID+"/schedule",
		"admin-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerPatchEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")

	w := doRequest(router, http.MethodPost, "/api/servers/web-01/trigger-patch", "reader-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodPost, "/api/servers/web-01/trigger-patch", "admin-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	jobs, err := st.ListJobsForServer(context.Background(), "web-01")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Forced)
	assert.Equal(t, model.JobQueued, jobs[0].State)

	// A second trigger conflicts with the open job.
	w = doRequest(router, http.MethodPost, "/api/servers/web-01/trigger-patch", "admin-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodPost, "/api/servers/nope/trigger-patch", "admin-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobEndpoints(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")

	j := model.PatchJob{
		ID: "job-1", ServerName: "web-01", QuarterID: "Q3", Year: 2026,
		State: model.JobPatchFailed, HostGroup: "web",
		ScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(context.Background(), &j))

	w := doRequest(router, http.MethodGet, "/api/jobs/job-1", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.PatchJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, model.JobPatchFailed, got.State)

	w = doRequest(router, http.MethodGet, "/api/jobs?state=patch_failed", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []model.PatchJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	w = doRequest(router, http.MethodGet, "/api/jobs?state=bogus", "reader-token", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/jobs/nope", "reader-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRollbackEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")

	j := model.PatchJob{
		ID: "job-1", ServerName: "web-01", QuarterID: "Q3", Year: 2026,
		State: model.JobPatchFailed, HostGroup: "web",
		ScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(context.Background(), &j))

	w := doRequest(router, http.MethodPost, "/api/jobs/job-1/rollback", "owner-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodPost, "/api/jobs/job-1/rollback", "admin-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		got, err := st.GetJob(context.Background(), "job-1")
		return err == nil && got.State == model.JobRolledBack
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAbortEndpoint(t *testing.T) {
	router, st := newTestRouter(t)
	seedServer(t, st, "web-01")

	j := model.PatchJob{
		ID: "job-1", ServerName: "web-01", QuarterID: "Q3", Year: 2026,
		State: model.JobPatching, HostGroup: "web",
		ScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(context.Background(), &j))

	w := doRequest(router, http.MethodPost, "/api/jobs/job-1/abort", "admin-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	got, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, got.AbortRequested)

	w = doRequest(router, http.MethodPost, "/api/jobs/nope/abort", "admin-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestControlEndpoints(t *testing.T) {
	router, st := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/control/pause", "reader-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodPost, "/api/control/pause", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doRequest(router, http.MethodPost, "/api/control/freeze", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	cs, err := st.ControlState(context.Background())
	require.NoError(t, err)
	assert.True(t, cs.Paused)
	assert.True(t, cs.ScheduleFrozen)

	w = doRequest(router, http.MethodPost, "/api/control/resume", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doRequest(router, http.MethodPost, "/api/control/unfreeze", "admin-token", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodGet, "/api/control", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state model.ControlState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.False(t, state.Paused)
	assert.False(t, state.ScheduleFrozen)
}

func TestSubscriptionEndpoints(t *testing.T) {
	router, st := newTestRouter(t)

	w := doRequest(router, http.MethodPut, "/api/subscriptions", "reader-token", map[string]any{
		"endpoint": "https://push/one", "p256dh": "k", "auth": "a",
		"host_groups": []string{"web"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	subs, err := st.SubscriptionsForGroup(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	w = doRequest(router, http.MethodGet, "/api/subscriptions?endpoint=https://push/one", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"host_groups":["web"]}`, w.Body.String())

	w = doRequest(router, http.MethodDelete, "/api/subscriptions", "reader-token",
		map[string]any{"endpoint": "https://push/one"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	subs, err = st.SubscriptionsForGroup(context.Background(), "web")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/vapid_public_key", "reader-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"test-public-key"}`, w.Body.String())
}

func currentQuarterID(t *testing.T) string {
	t.Helper()
	cal, err := quarter.NewCalendar(config.DefaultQuarters(), time.UTC)
	require.NoError(t, err)
	q, ok := cal.Current(time.Now().UTC())
	require.True(t, ok)
	return q.ID
}
