package job

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/notify"
	"fleet-patch-backend/internal/remote"
	"fleet-patch-backend/internal/store"
)

const defaultCommandTimeout = 30 * time.Minute

// Executor drives a PatchJob through its phases. Every state transition
// is persisted before the next remote command is issued, so a restarted
// orchestrator can resume from the last persisted state without re-running
// a completed phase.
type Executor struct {
	store     store.Store
	runner    remote.Runner
	notifier  notify.Notifier
	timeouts  map[string]time.Duration
	pausePoll time.Duration

	wg sync.WaitGroup
}

// NewExecutor creates a job executor. timeouts maps operation names to
// command timeouts; missing operations use a 30 minute default.
func NewExecutor(st store.Store, runner remote.Runner, notifier notify.Notifier, timeouts map[string]time.Duration) *Executor {
	return &Executor{
		store:     st,
		runner:    runner,
		notifier:  notifier,
		timeouts:  timeouts,
		pausePoll: 5 * time.Second,
	}
}

// SetPausePoll adjusts the pause re-check interval; used by tests.
func (e *Executor) SetPausePoll(d time.Duration) {
	e.pausePoll = d
}

func (e *Executor) timeoutFor(op string) time.Duration {
	if d, ok := e.timeouts[op]; ok && d > 0 {
		return d
	}
	return defaultCommandTimeout
}

// RunPrecheck executes the precheck phase. The job must already be in
// precheck_running (the dispatcher's admission transition).
func (e *Executor) RunPrecheck(ctx context.Context, j model.PatchJob) {
	passed := e.runPhase(ctx, &j, remote.OpPrecheck)
	if !passed {
		e.transition(ctx, &j, model.JobPrecheckRunning, model.JobPrecheckFailed, finished())
		e.notifyJob(&j, notify.TemplatePrecheckFailed, nil)
		return
	}
	e.transition(ctx, &j, model.JobPrecheckRunning, model.JobPrecheckPassed, nil)
}

// RunPatchChain executes patch, postcheck, and any rollback. The job must
// already be in patching.
func (e *Executor) RunPatchChain(ctx context.Context, j model.PatchJob) {
	passed := e.runPhase(ctx, &j, remote.OpPatch)
	if !passed {
		e.failAndMaybeRollback(ctx, &j, model.JobPatching, model.JobPatchFailed)
		return
	}

	if !e.boundaryClear(ctx, &j) {
		// Paused shutdown or abort: the patch phase result is recorded;
		// the job stays in patching and is re-entered like an interrupted
		// phase on the next start.
		return
	}

	if !e.transition(ctx, &j, model.JobPatching, model.JobPostcheckRunning, nil) {
		return
	}
	e.runPostcheck(ctx, j)
}

// runPostcheck executes the postcheck phase from postcheck_running.
func (e *Executor) runPostcheck(ctx context.Context, j model.PatchJob) {
	passed := e.runPhase(ctx, &j, remote.OpPostcheck)
	if !passed {
		e.failAndMaybeRollback(ctx, &j, model.JobPostcheckRunning, model.JobPostcheckFailed)
		return
	}
	e.transition(ctx, &j, model.JobPostcheckRunning, model.JobCompleted, finished())
	e.notifyJob(&j, notify.TemplatePatchCompleted, nil)
}

// RunRollback executes the rollback phase from rollback_running.
func (e *Executor) RunRollback(ctx context.Context, j model.PatchJob) {
	passed := e.runPhase(ctx, &j, remote.OpRollback)
	if !passed {
		e.transition(ctx, &j, model.JobRollbackRunning, model.JobRollbackFailed, finished())
		e.notifyJob(&j, notify.TemplatePatchFailed, map[string]string{"rollback": "failed"})
		return
	}
	e.transition(ctx, &j, model.JobRollbackRunning, model.JobRolledBack, finished())
}

// Resume re-enters an interrupted phase after a restart. Remote commands
// are not assumed safe to resume mid-flight, so the whole phase is re-run.
func (e *Executor) Resume(ctx context.Context, j model.PatchJob) {
	log.Printf("Resuming interrupted job %s for %s in state %s", j.ID, j.ServerName, j.State)
	switch j.State {
	case model.JobPrecheckRunning:
		e.RunPrecheck(ctx, j)
	case model.JobPatching:
		e.RunPatchChain(ctx, j)
	case model.JobPostcheckRunning:
		e.runPostcheck(ctx, j)
	case model.JobRollbackRunning:
		e.RunRollback(ctx, j)
	case model.JobPatchFailed, model.JobPostcheckFailed:
		// Interrupted between the failure and the rollback transition. The
		// rollback is still owed when the policy snapshot enables it; a
		// finished_at stamp means the failure was recorded as final.
		if !j.RollbackEnabled || j.FinishedAt != nil {
			return
		}
		if !e.transition(ctx, &j, j.State, model.JobRollbackRunning, nil) {
			return
		}
		e.notifyJob(&j, notify.TemplateRollbackNotice, nil)
		e.RunRollback(ctx, j)
	default:
		log.Printf("Job %s is not in a running state (%s), nothing to resume", j.ID, j.State)
	}
}

// ForceRollback transitions the job to rollback_running from whatever
// state it is in (administrator action) and runs the rollback phase.
// The caller's context is typically an HTTP request that ends with the
// accepted response, so the rollback itself runs on a detached context.
func (e *Executor) ForceRollback(ctx context.Context, j model.PatchJob) error {
	err := e.store.TransitionJob(ctx, j.ID, j.State, model.JobRollbackRunning, nil)
	if err != nil {
		return fmt.Errorf("failed to force rollback for job %s: %w", j.ID, err)
	}
	j.State = model.JobRollbackRunning
	e.notifyJob(&j, notify.TemplateRollbackNotice, map[string]string{"forced": "true"})

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunRollback(runCtx, j)
	}()
	return nil
}

// Wait blocks until every phase goroutine the executor launched itself
// has finished. Used on shutdown.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// failAndMaybeRollback records the failed state and, when the job's policy
// snapshot enables rollback, carries it on through the rollback phase.
func (e *Executor) failAndMaybeRollback(ctx context.Context, j *model.PatchJob, from, failed model.JobState) {
	var updates map[string]any
	if !j.RollbackEnabled {
		updates = finished()
	}
	if !e.transition(ctx, j, from, failed, updates) {
		return
	}
	e.notifyJob(j, notify.TemplatePatchFailed, map[string]string{"phase": string(from)})

	if !j.RollbackEnabled {
		return
	}
	if !e.boundaryClear(ctx, j) {
		return
	}
	if !e.transition(ctx, j, failed, model.JobRollbackRunning, nil) {
		return
	}
	e.notifyJob(j, notify.TemplateRollbackNotice, nil)
	e.RunRollback(ctx, *j)
}

// runPhase persists the phase start, runs the remote operation, and
// persists its diagnostics. It returns true only for a clean zero exit.
// Surfaced connectivity errors and timeouts are recorded as phase
// failures; the orchestration core never silently retries a phase.
func (e *Executor) runPhase(ctx context.Context, j *model.PatchJob, op string) bool {
	phase := &model.PhaseResult{
		JobID:     j.ID,
		Phase:     op,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.RecordPhase(ctx, phase); err != nil {
		log.Printf("Error recording %s phase start for job %s: %v", op, j.ID, err)
		return false
	}

	res, err := e.runner.Run(ctx, j.ServerName, op, e.timeoutFor(op))

	exitCode := res.ExitCode
	output := res.Output
	if err != nil {
		exitCode = -1
		output = fmt.Sprintf("%s\n%v", output, err)
		log.Printf("Remote %s on %s failed: %v", op, j.ServerName, err)
	}
	if err := e.store.FinishPhase(ctx, phase.ID, time.Now().UTC(), exitCode, output); err != nil {
		log.Printf("Error recording %s phase result for job %s: %v", op, j.ID, err)
	}

	// A nonzero exit status is always phase failure, regardless of output.
	return err == nil && exitCode == 0
}

// boundaryClear is the cooperative cancellation point between phases. It
// blocks while the global pause flag is set, and returns false when the
// job has an abort requested or the context ends.
func (e *Executor) boundaryClear(ctx context.Context, j *model.PatchJob) bool {
	for {
		fresh, err := e.store.GetJob(ctx, j.ID)
		if err != nil {
			log.Printf("Error re-reading job %s at phase boundary: %v", j.ID, err)
			return false
		}
		if fresh.AbortRequested {
			log.Printf("Abort requested for job %s, stopping before next phase", j.ID)
			return false
		}
		cs, err := e.store.ControlState(ctx)
		if err != nil {
			log.Printf("Error reading control state: %v", err)
			return false
		}
		if !cs.Paused {
			return true
		}
		select {
		case <-time.After(e.pausePoll):
		case <-ctx.Done():
			return false
		}
	}
}

// transition applies a guarded state change and keeps the in-memory copy
// in step. A false return means another writer moved the job first.
func (e *Executor) transition(ctx context.Context, j *model.PatchJob, from, to model.JobState, updates map[string]any) bool {
	if !CanTransition(from, to) {
		log.Printf("Refusing invalid transition %s -> %s for job %s", from, to, j.ID)
		return false
	}
	if err := e.store.TransitionJob(ctx, j.ID, from, to, updates); err != nil {
		log.Printf("Transition %s -> %s for job %s did not apply: %v", from, to, j.ID, err)
		return false
	}
	j.State = to
	return true
}

func (e *Executor) notifyJob(j *model.PatchJob, template string, extra map[string]string) {
	context := map[string]string{
		"job_id":  j.ID,
		"quarter": j.QuarterID,
		"state":   string(j.State),
	}
	for k, v := range extra {
		context[k] = v
	}
	e.notifier.Notify(notify.Notification{
		Template:   template,
		ServerName: j.ServerName,
		HostGroup:  j.HostGroup,
		Context:    context,
	})
}

func finished() map[string]any {
	return map[string]any{"finished_at": time.Now().UTC()}
}
