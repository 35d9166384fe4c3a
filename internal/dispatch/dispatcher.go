package dispatch

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/job"
	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/quarter"
	"fleet-patch-backend/internal/scan"
	"fleet-patch-backend/internal/store"
)

// Dispatcher admits due work items under the per-host-group concurrency
// ceilings and execution windows, and runs admitted items through the job
// executor. Items that cannot be admitted are simply dropped; the next
// scan re-produces them, which is the silent re-queue the deferral model
// calls for.
type Dispatcher struct {
	store      store.Store
	exec       *job.Executor
	policies   map[string]config.HostGroupPolicy
	globalMax  int
	defaultLoc *time.Location

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. globalMax of zero disables the
// shared global ceiling.
func NewDispatcher(st store.Store, exec *job.Executor, policies map[string]config.HostGroupPolicy, globalMax int, defaultLoc *time.Location) *Dispatcher {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Dispatcher{
		store:      st,
		exec:       exec,
		policies:   policies,
		globalMax:  globalMax,
		defaultLoc: defaultLoc,
	}
}

// Dispatch admits as many of the given items as the policies allow. The
// global pause flag is re-read here so an operator pause takes effect on
// the very next cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, items []scan.WorkItem, now time.Time) {
	if len(items) == 0 {
		return
	}

	cs, err := d.store.ControlState(ctx)
	if err != nil {
		log.Printf("Error reading control state, skipping dispatch cycle: %v", err)
		return
	}
	if cs.Paused {
		log.Printf("Dispatch is paused; %d work items deferred", len(items))
		return
	}

	counts, err := d.store.CountRunningByGroup(ctx)
	if err != nil {
		log.Printf("Error counting running jobs, skipping dispatch cycle: %v", err)
		return
	}
	globalActive := 0
	for _, n := range counts {
		globalActive += n
	}

	for _, group := range d.groupOrder(items) {
		groupItems := itemsForGroup(items, group)
		sort.Slice(groupItems, func(i, k int) bool {
			return groupItems[i].DueAt.Before(groupItems[k].DueAt)
		})

		policy := d.policyFor(group)
		for _, item := range groupItems {
			if d.globalMax > 0 && globalActive >= d.globalMax {
				log.Printf("Global ceiling of %d reached, deferring remaining work", d.globalMax)
				return
			}
			if counts[group] >= policy.MaxConcurrent {
				break // group is full; the rest of its items wait
			}
			if !d.inWindow(item.Server, policy, now) {
				break // outside the group's execution window
			}
			if d.admit(ctx, item) {
				counts[group]++
				globalActive++
			}
		}
	}
}

// Wait blocks until every in-flight phase goroutine finishes its current
// work, including rollbacks the executor launched itself. Used on
// shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.exec.Wait()
}

// admit performs the guarded admission transition and, if this dispatcher
// won it, launches the phase. A lost transition means another dispatch
// attempt picked the job up first.
func (d *Dispatcher) admit(ctx context.Context, item scan.WorkItem) bool {
	j := item.Job
	switch item.Phase {
	case scan.PhasePrecheck:
		err := d.store.TransitionJob(ctx, j.ID, model.JobQueued, model.JobPrecheckRunning,
			map[string]any{"started_at": time.Now().UTC()})
		if err != nil {
			return false
		}
		j.State = model.JobPrecheckRunning
		d.run(func(runCtx context.Context) { d.exec.RunPrecheck(runCtx, j) }, ctx)
	case scan.PhasePatch:
		err := d.store.TransitionJob(ctx, j.ID, model.JobPrecheckPassed, model.JobPatching, nil)
		if err != nil {
			return false
		}
		j.State = model.JobPatching
		d.run(func(runCtx context.Context) { d.exec.RunPatchChain(runCtx, j) }, ctx)
	default:
		log.Printf("Unknown work item phase %q for job %s", item.Phase, j.ID)
		return false
	}
	log.Printf("Admitted %s for %s (group %s)", item.Phase, j.ServerName, j.HostGroup)
	return true
}

// Recover resumes every job left in a running state by a previous
// process. The interrupted phase is re-run from its start. Failed jobs
// whose owed rollback never started (no finished_at stamp) are carried
// into the rollback phase here as well.
func (d *Dispatcher) Recover(ctx context.Context) {
	jobs, err := d.store.ListJobsInStates(ctx, model.RunningStates()...)
	if err != nil {
		log.Printf("Error listing interrupted jobs: %v", err)
		return
	}
	failed, err := d.store.ListJobsInStates(ctx, model.JobPatchFailed, model.JobPostcheckFailed)
	if err != nil {
		log.Printf("Error listing failed jobs: %v", err)
	}
	for _, j := range failed {
		if j.RollbackEnabled && j.FinishedAt == nil {
			jobs = append(jobs, j)
		}
	}
	for _, j := range jobs {
		j := j
		d.run(func(runCtx context.Context) { d.exec.Resume(runCtx, j) }, ctx)
	}
	if len(jobs) > 0 {
		log.Printf("Recovered %d interrupted jobs", len(jobs))
	}
}

func (d *Dispatcher) run(fn func(context.Context), ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
}

// groupOrder returns the distinct host groups of the items, highest
// policy priority first.
func (d *Dispatcher) groupOrder(items []scan.WorkItem) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, item := range items {
		if !seen[item.Job.HostGroup] {
			seen[item.Job.HostGroup] = true
			groups = append(groups, item.Job.HostGroup)
		}
	}
	sort.Slice(groups, func(i, k int) bool {
		pi, pk := d.policyFor(groups[i]).Priority, d.policyFor(groups[k]).Priority
		if pi != pk {
			return pi > pk
		}
		return groups[i] < groups[k]
	})
	return groups
}

func (d *Dispatcher) policyFor(group string) config.HostGroupPolicy {
	if policy, ok := d.policies[group]; ok {
		return policy
	}
	return config.HostGroupPolicy{MaxConcurrent: 1}
}

// inWindow reports whether the current local time at the target is inside
// the group's allowed daily execution window. Windows may cross midnight.
func (d *Dispatcher) inWindow(server model.Server, policy config.HostGroupPolicy, now time.Time) bool {
	if policy.WindowStart == "" || policy.WindowEnd == "" {
		return true
	}
	start, err := quarter.ParseClockTime(policy.WindowStart)
	if err != nil {
		log.Printf("Invalid window_start for group %s: %v", server.HostGroup, err)
		return false
	}
	end, err := quarter.ParseClockTime(policy.WindowEnd)
	if err != nil {
		log.Printf("Invalid window_end for group %s: %v", server.HostGroup, err)
		return false
	}

	loc := d.defaultLoc
	if server.Timezone != "" {
		if l, lerr := time.LoadLocation(server.Timezone); lerr == nil {
			loc = l
		} else {
			log.Printf("Invalid timezone %q for server %s, using default: %v", server.Timezone, server.Name, lerr)
		}
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	startMin := start.Hour*60 + start.Minute
	endMin := end.Hour*60 + end.Minute
	if startMin <= endMin {
		return minute >= startMin && minute < endMin
	}
	return minute >= startMin || minute < endMin
}

func itemsForGroup(items []scan.WorkItem, group string) []scan.WorkItem {
	var out []scan.WorkItem
	for _, item := range items {
		if item.Job.HostGroup == group {
			out = append(out, item)
		}
	}
	return out
}
