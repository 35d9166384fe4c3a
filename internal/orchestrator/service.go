package orchestrator

import (
	"context"
	"log"
	"time"

	"fleet-patch-backend/internal/approval"
	"fleet-patch-backend/internal/dispatch"
	"fleet-patch-backend/internal/scan"
)

// Service ties the orchestration cycle together: advance the approval
// lifecycle, scan for due work, dispatch it. It runs the cycle on a
// fixed interval until its context is cancelled.
type Service struct {
	approvals  *approval.Manager
	scanner    *scan.Scanner
	dispatcher *dispatch.Dispatcher
	interval   time.Duration
}

func NewService(approvals *approval.Manager, scanner *scan.Scanner, dispatcher *dispatch.Dispatcher, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		approvals:  approvals,
		scanner:    scanner,
		dispatcher: dispatcher,
		interval:   interval,
	}
}

// Run recovers jobs interrupted by a previous process, then sweeps on
// the configured interval. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Printf("Orchestrator started, sweep interval %s", s.interval)

	s.dispatcher.Recover(ctx)
	s.SweepOnce(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Orchestrator stopping, waiting for running phases")
			s.dispatcher.Wait()
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce runs a single orchestration cycle at the given time.
func (s *Service) SweepOnce(ctx context.Context, now time.Time) {
	s.approvals.AdvanceAll(ctx, now)
	items := s.scanner.Scan(ctx, now)
	if len(items) > 0 {
		log.Printf("Sweep found %d due work items", len(items))
	}
	s.dispatcher.Dispatch(ctx, items, now)
}
