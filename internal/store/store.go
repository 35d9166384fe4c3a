package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-patch-backend/internal/model"
)

var (
	// ErrJobConflict is returned when creating a job for a server that
	// already has one in a non-terminal state.
	ErrJobConflict = errors.New("an active patch job already exists for this server")

	// ErrStaleState is returned when a guarded update finds the record no
	// longer in the expected state. The caller raced another writer and
	// must re-read before retrying.
	ErrStaleState = errors.New("record state changed concurrently")
)

// Notification stages recorded on an ApprovalRequest.
const (
	StageInitial    = "initial"
	StageFollowup   = "followup"
	StageEscalation = "escalation"
)

// Store defines the interface for all database operations. Every mutation
// of a (server, quarter) record is an atomic read-modify-write so that the
// dispatcher and administrative overrides cannot race each other.
type Store interface {
	DB() *gorm.DB

	// Inventory
	UpsertServers(ctx context.Context, servers []model.Server) error
	GetServer(ctx context.Context, name string) (model.Server, error)
	ListActiveServers(ctx context.Context) ([]model.Server, error)
	DeactivateServer(ctx context.Context, name string) error

	// Approvals and schedules
	GetOrCreateApproval(ctx context.Context, server, quarterID string, year int) (model.ApprovalRequest, error)
	GetApproval(ctx context.Context, server, quarterID string, year int) (model.ApprovalRequest, error)
	MarkNotified(ctx context.Context, server, quarterID string, year int, stage string, at time.Time) error
	ResolveApproval(ctx context.Context, server, quarterID string, year int, from, to model.ApprovalStatus, by string, at time.Time) error
	ReopenApproval(ctx context.Context, server, quarterID string, year int, by string) error
	GetSchedule(ctx context.Context, server, quarterID string, year int) (model.QuarterSchedule, error)
	SetSchedule(ctx context.Context, server, quarterID string, year int, at time.Time, by string) error

	// Patch jobs
	CreateJob(ctx context.Context, job *model.PatchJob) error
	GetJob(ctx context.Context, id string) (model.PatchJob, error)
	FindJob(ctx context.Context, server, quarterID string, year int) (model.PatchJob, error)
	TransitionJob(ctx context.Context, id string, from, to model.JobState, updates map[string]any) error
	RecordPhase(ctx context.Context, phase *model.PhaseResult) error
	FinishPhase(ctx context.Context, phaseID int64, at time.Time, exitCode int, output string) error
	ListJobsInStates(ctx context.Context, states ...model.JobState) ([]model.PatchJob, error)
	ListJobsForServer(ctx context.Context, server string) ([]model.PatchJob, error)
	CountRunningByGroup(ctx context.Context) (map[string]int, error)
	RequestAbort(ctx context.Context, id string) error

	// Control state
	ControlState(ctx context.Context) (model.ControlState, error)
	SetPaused(ctx context.Context, paused bool, by string) error
	SetScheduleFrozen(ctx context.Context, frozen bool, by string) error

	// Push subscriptions
	SaveSubscription(ctx context.Context, sub model.PushSubscription, hostGroups []string) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForGroup(ctx context.Context, hostGroup string) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// --- Inventory ---

func (s *gormStore) UpsertServers(ctx context.Context, servers []model.Server) error {
	if len(servers) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"primary_owner", "secondary_owner", "host_group", "environment",
			"timezone", "incident_ticket", "patcher_email", "active", "updated_at",
		}),
	}).Create(&servers).Error
}

func (s *gormStore) GetServer(ctx context.Context, name string) (model.Server, error) {
	var server model.Server
	err := s.db.WithContext(ctx).First(&server, "name = ?", name).Error
	return server, err
}

func (s *gormStore) ListActiveServers(ctx context.Context) ([]model.Server, error) {
	var servers []model.Server
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("name").Find(&servers).Error
	return servers, err
}

func (s *gormStore) DeactivateServer(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Model(&model.Server{}).
		Where("name = ?", name).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --- Approvals and schedules ---

func (s *gormStore) GetOrCreateApproval(ctx context.Context, server, quarterID string, year int) (model.ApprovalRequest, error) {
	req := model.ApprovalRequest{
		ServerName: server,
		QuarterID:  quarterID,
		Year:       year,
		Status:     model.ApprovalPending,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&req).Error
	if err != nil {
		return req, fmt.Errorf("failed to create approval request for %s/%s: %w", server, quarterID, err)
	}
	return s.GetApproval(ctx, server, quarterID, year)
}

func (s *gormStore) GetApproval(ctx context.Context, server, quarterID string, year int) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	err := s.db.WithContext(ctx).
		First(&req, "server_name = ? AND quarter_id = ? AND year = ?", server, quarterID, year).Error
	return req, err
}

func (s *gormStore) MarkNotified(ctx context.Context, server, quarterID string, year int, stage string, at time.Time) error {
	var column string
	switch stage {
	case StageInitial:
		column = "initial_notice_at"
	case StageFollowup:
		column = "followup_at"
	case StageEscalation:
		column = "escalation_at"
	default:
		return fmt.Errorf("unknown notification stage %q", stage)
	}
	// Guarded on the column still being unset so a concurrent sweep cannot
	// double-stamp (and double-notify) the same stage.
	res := s.db.WithContext(ctx).Model(&model.ApprovalRequest{}).
		Where("server_name = ? AND quarter_id = ? AND year = ? AND "+column+" IS NULL", server, quarterID, year).
		Update(column, at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// ResolveApproval moves a request to a resolved status. When from is
// non-empty the update is guarded on the current status; an empty from is
// an administrator override that applies unconditionally.
func (s *gormStore) ResolveApproval(ctx context.Context, server, quarterID string, year int, from, to model.ApprovalStatus, by string, at time.Time) error {
	q := s.db.WithContext(ctx).Model(&model.ApprovalRequest{}).
		Where("server_name = ? AND quarter_id = ? AND year = ?", server, quarterID, year)
	if from != "" {
		q = q.Where("status = ?", from)
	}
	res := q.Updates(map[string]any{
		"status":      to,
		"resolved_at": at,
		"resolved_by": by,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (s *gormStore) ReopenApproval(ctx context.Context, server, quarterID string, year int, by string) error {
	res := s.db.WithContext(ctx).Model(&model.ApprovalRequest{}).
		Where("server_name = ? AND quarter_id = ? AND year = ?", server, quarterID, year).
		Updates(map[string]any{
			"status":      model.ApprovalPending,
			"resolved_at": nil,
			"resolved_by": by,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *gormStore) GetSchedule(ctx context.Context, server, quarterID string, year int) (model.QuarterSchedule, error) {
	var sched model.QuarterSchedule
	err := s.db.WithContext(ctx).
		First(&sched, "server_name = ? AND quarter_id = ? AND year = ?", server, quarterID, year).Error
	return sched, err
}

func (s *gormStore) SetSchedule(ctx context.Context, server, quarterID string, year int, at time.Time, by string) error {
	sched := model.QuarterSchedule{
		ServerName: server,
		QuarterID:  quarterID,
		Year:       year,
		PatchAt:    at.UTC(),
		SetBy:      by,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_name"}, {Name: "quarter_id"}, {Name: "year"}},
		DoUpdates: clause.AssignmentColumns([]string{"patch_at", "set_by", "updated_at"}),
	}).Create(&sched).Error
}

// --- Patch jobs ---

// CreateJob inserts a new job after verifying the server has no other job
// in a non-terminal state. The check and insert run in one transaction.
func (s *gormStore) CreateJob(ctx context.Context, job *model.PatchJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.PatchJob{}).
			Where("server_name = ? AND state IN ?", job.ServerName, stateStrings(model.NonTerminalStates())).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrJobConflict
		}
		return tx.Create(job).Error
	})
}

func (s *gormStore) GetJob(ctx context.Context, id string) (model.PatchJob, error) {
	var job model.PatchJob
	err := s.db.WithContext(ctx).Preload("Phases").First(&job, "id = ?", id).Error
	return job, err
}

// FindJob returns the most recent job for the (server, quarter) cycle.
func (s *gormStore) FindJob(ctx context.Context, server, quarterID string, year int) (model.PatchJob, error) {
	var job model.PatchJob
	err := s.db.WithContext(ctx).
		Where("server_name = ? AND quarter_id = ? AND year = ?", server, quarterID, year).
		Order("created_at DESC").
		First(&job).Error
	return job, err
}

// TransitionJob applies a guarded state transition: the update only lands
// if the job is still in the expected from state, which is what keeps two
// dispatch attempts from racing on the same job.
func (s *gormStore) TransitionJob(ctx context.Context, id string, from, to model.JobState, updates map[string]any) error {
	values := map[string]any{"state": to}
	for k, v := range updates {
		values[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.PatchJob{}).
		Where("id = ? AND state = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (s *gormStore) RecordPhase(ctx context.Context, phase *model.PhaseResult) error {
	return s.db.WithContext(ctx).Create(phase).Error
}

func (s *gormStore) FinishPhase(ctx context.Context, phaseID int64, at time.Time, exitCode int, output string) error {
	return s.db.WithContext(ctx).Model(&model.PhaseResult{}).
		Where("id = ?", phaseID).
		Updates(map[string]any{
			"finished_at": at,
			"exit_code":   exitCode,
			"output":      output,
		}).Error
}

func (s *gormStore) ListJobsInStates(ctx context.Context, states ...model.JobState) ([]model.PatchJob, error) {
	var jobs []model.PatchJob
	err := s.db.WithContext(ctx).
		Where("state IN ?", stateStrings(states)).
		Order("created_at").
		Find(&jobs).Error
	return jobs, err
}

func (s *gormStore) ListJobsForServer(ctx context.Context, server string) ([]model.PatchJob, error) {
	var jobs []model.PatchJob
	err := s.db.WithContext(ctx).Preload("Phases").
		Where("server_name = ?", server).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// CountRunningByGroup counts jobs with a remote command in flight, grouped
// by the host group snapshotted on the job.
func (s *gormStore) CountRunningByGroup(ctx context.Context) (map[string]int, error) {
	type row struct {
		HostGroup string
		N         int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.PatchJob{}).
		Select("host_group, COUNT(*) as n").
		Where("state IN ?", stateStrings(model.RunningStates())).
		Group("host_group").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.HostGroup] = r.N
	}
	return counts, nil
}

func (s *gormStore) RequestAbort(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&model.PatchJob{}).
		Where("id = ?", id).
		Update("abort_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --- Control state ---

func (s *gormStore) ControlState(ctx context.Context) (model.ControlState, error) {
	var cs model.ControlState
	err := s.db.WithContext(ctx).First(&cs, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ControlState{ID: 1}, nil
	}
	return cs, err
}

func (s *gormStore) SetPaused(ctx context.Context, paused bool, by string) error {
	return s.setControl(ctx, map[string]any{"paused": paused, "updated_by": by})
}

func (s *gormStore) SetScheduleFrozen(ctx context.Context, frozen bool, by string) error {
	return s.setControl(ctx, map[string]any{"schedule_frozen": frozen, "updated_by": by})
}

func (s *gormStore) setControl(ctx context.Context, updates map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.ControlState{ID: 1}).Error; err != nil {
			return err
		}
		return tx.Model(&model.ControlState{}).Where("id = ?", 1).Updates(updates).Error
	})
}

// --- Push subscriptions ---

func (s *gormStore) SaveSubscription(ctx context.Context, sub model.PushSubscription, hostGroups []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&sub).Error; err != nil {
			return err
		}
		if err := tx.Where("endpoint = ?", sub.Endpoint).
			Delete(&model.SubscriptionScope{}).Error; err != nil {
			return err
		}
		for _, hg := range hostGroups {
			scope := model.SubscriptionScope{Endpoint: sub.Endpoint, HostGroup: hg}
			if err := tx.Create(&scope).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).
			Delete(&model.SubscriptionScope{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	})
}

// SubscriptionsForGroup returns subscriptions scoped to the host group,
// plus unscoped subscriptions (which receive everything).
func (s *gormStore) SubscriptionsForGroup(ctx context.Context, hostGroup string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Where("endpoint IN (?)",
			s.db.Model(&model.SubscriptionScope{}).Select("endpoint").Where("host_group = ?", hostGroup)).
		Or("endpoint NOT IN (?)",
			s.db.Model(&model.SubscriptionScope{}).Select("endpoint")).
		Find(&subs).Error
	return subs, err
}

func stateStrings(states []model.JobState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
