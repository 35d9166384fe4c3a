package model

import "time"

// JobState enumerates the persisted states of a PatchJob.
type JobState string

const (
	JobQueued           JobState = "queued"
	JobPrecheckRunning  JobState = "precheck_running"
	JobPrecheckPassed   JobState = "precheck_passed"
	JobPrecheckFailed   JobState = "precheck_failed"
	JobPatching         JobState = "patching"
	JobPatchFailed      JobState = "patch_failed"
	JobPostcheckRunning JobState = "postcheck_running"
	JobPostcheckFailed  JobState = "postcheck_failed"
	JobCompleted        JobState = "completed"
	JobRollbackRunning  JobState = "rollback_running"
	JobRolledBack       JobState = "rolled_back"
	JobRollbackFailed   JobState = "rollback_failed"
)

// Terminal reports whether the state ends the job.
func (s JobState) Terminal() bool {
	switch s {
	case JobPrecheckFailed, JobCompleted, JobRolledBack, JobRollbackFailed:
		return true
	case JobPatchFailed, JobPostcheckFailed:
		// Terminal only when rollback is disabled for the job; the state
		// machine moves the job onward to rollback_running otherwise.
		return true
	}
	return false
}

// Running reports whether the state has a remote command in flight. A job
// found in one of these states at startup was interrupted and re-enters the
// same phase.
func (s JobState) Running() bool {
	switch s {
	case JobPrecheckRunning, JobPatching, JobPostcheckRunning, JobRollbackRunning:
		return true
	}
	return false
}

// NonTerminalStates lists every state a live job can be in.
func NonTerminalStates() []JobState {
	return []JobState{
		JobQueued, JobPrecheckRunning, JobPrecheckPassed,
		JobPatching, JobPostcheckRunning, JobRollbackRunning,
	}
}

// RunningStates lists the states with a remote command in flight.
func RunningStates() []JobState {
	return []JobState{JobPrecheckRunning, JobPatching, JobPostcheckRunning, JobRollbackRunning}
}

// PatchJob is the per-server-per-quarter execution record. The host group
// and rollback flag are snapshotted from policy at creation time and bind
// for the job's lifetime.
type PatchJob struct {
	ID         string   `gorm:"primaryKey;size:36"`
	ServerName string   `gorm:"size:128;not null;index:idx_job_cycle"`
	QuarterID  string   `gorm:"size:8;not null;index:idx_job_cycle"`
	Year       int      `gorm:"not null;index:idx_job_cycle"`
	State      JobState `gorm:"size:32;not null"`

	HostGroup       string `gorm:"size:128;not null;index"`
	RollbackEnabled bool   `gorm:"not null"`
	Forced          bool   `gorm:"not null;default:false"`
	AbortRequested  bool   `gorm:"not null;default:false"`

	ScheduledAt time.Time `gorm:"not null"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Phases []PhaseResult `gorm:"foreignKey:JobID"`
}

// PhaseResult captures the diagnostics of one remote operation within a job.
type PhaseResult struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"size:36;not null;index"`
	Phase      string `gorm:"size:16;not null"` // precheck, patch, postcheck, rollback
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   int
	Output     string `gorm:"type:text"`
}
