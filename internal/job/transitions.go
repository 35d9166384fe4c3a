package job

import (
	"errors"

	"fleet-patch-backend/internal/model"
)

// ErrInvalidTransition is returned for a transition outside the defined
// graph.
var ErrInvalidTransition = errors.New("invalid job state transition")

// transitions is the legal state graph. Failed patch and postcheck states
// additionally admit rollback_running when rollback is enabled for the
// job, and an administrator may force rollback_running from anywhere, so
// those edges are checked separately.
var transitions = map[model.JobState][]model.JobState{
	model.JobQueued:           {model.JobPrecheckRunning},
	model.JobPrecheckRunning:  {model.JobPrecheckPassed, model.JobPrecheckFailed},
	model.JobPrecheckPassed:   {model.JobPatching},
	model.JobPatching:         {model.JobPatchFailed, model.JobPostcheckRunning},
	model.JobPostcheckRunning: {model.JobPostcheckFailed, model.JobCompleted},
	model.JobPatchFailed:      {model.JobRollbackRunning},
	model.JobPostcheckFailed:  {model.JobRollbackRunning},
	model.JobRollbackRunning:  {model.JobRolledBack, model.JobRollbackFailed},
}

// CanTransition reports whether the edge exists in the state graph.
func CanTransition(from, to model.JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
