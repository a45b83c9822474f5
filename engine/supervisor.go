package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

// RefCleaner removes expired secret refs; satisfied by the secrets broker.
type RefCleaner interface {
	CleanupExpiredRefs() (int, error)
}

// Report holds per-category cleanup counts from one sweep.
type Report struct {
	OrphanedTasks    int `json:"orphaned_tasks"`
	ExpiredApprovals int `json:"expired_approvals"`
	StaleWorkers     int `json:"stale_workers"`
	ExpiredRefs      int `json:"expired_refs"`
}

// Supervisor periodically sweeps both stores for work the normal paths lost
// track of: orphaned tasks, expired plan approvals, and workers that
// stopped reporting progress. Every mutation is a conditional update, so
// re-running a sweep within the same window performs zero additional
// changes.
type Supervisor struct {
	engine   *Engine
	refs     RefCleaner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSupervisor creates a recovery supervisor. refs may be nil.
func NewSupervisor(e *Engine, refs RefCleaner, interval time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		engine:   e,
		refs:     refs,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on a timer until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("recovery sweep failed", "error", err)
				continue
			}
			if report != (Report{}) {
				s.logger.Info("recovery sweep",
					"orphaned_tasks", report.OrphanedTasks,
					"expired_approvals", report.ExpiredApprovals,
					"stale_workers", report.StaleWorkers,
					"expired_refs", report.ExpiredRefs)
			}
		}
	}
}

// Sweep runs every recovery category once and reports the counts.
// Per-item failures are logged, never fatal to the sweep.
func (s *Supervisor) Sweep(ctx context.Context) (Report, error) {
	var orphans, approvals, stale, refs atomic.Int64

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		orphans.Store(int64(s.sweepOrphans()))
		return nil
	})
	g.Go(func() error {
		approvals.Store(int64(s.sweepExpiredApprovals()))
		return nil
	})
	g.Go(func() error {
		stale.Store(int64(s.sweepStaleWorkers()))
		return nil
	})
	g.Go(func() error {
		if s.refs == nil {
			return nil
		}
		n, err := s.refs.CleanupExpiredRefs()
		if err != nil {
			s.logger.Error("cleanup expired refs", "error", err)
			return nil
		}
		refs.Store(int64(n))
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("sweep: %w", err)
	}

	return Report{
		OrphanedTasks:    int(orphans.Load()),
		ExpiredApprovals: int(approvals.Load()),
		StaleWorkers:     int(stale.Load()),
		ExpiredRefs:      int(refs.Load()),
	}, nil
}

// sweepOrphans resets assigned/running tasks whose bound worker vanished
// without writing a terminal task status, making them claimable again.
func (s *Supervisor) sweepOrphans() int {
	e := s.engine
	count := 0
	for _, st := range []task.Status{task.StatusAssigned, task.StatusRunning} {
		status := st
		tasks, err := e.tasks.List(task.Filter{Status: &status})
		if err != nil {
			s.logger.Error("list tasks for orphan sweep", "status", st, "error", err)
			continue
		}
		for _, t := range tasks {
			if s.hasLiveWorker(t.ID) {
				continue
			}
			if err := e.tasks.SetStatus(t.ID, st, task.StatusPending); err != nil {
				// Lost the race to a concurrent transition; fine.
				continue
			}
			s.logger.Warn("orphaned task reset to pending", "task", t.ID)
			count++
		}
	}
	return count
}

// hasLiveWorker reports whether any non-terminal worker is bound to the
// task.
func (s *Supervisor) hasLiveWorker(taskID string) bool {
	ws, err := s.engine.workers.List(worker.Filter{TaskID: taskID})
	if err != nil {
		// Unreadable worker state: assume live rather than reset work.
		return true
	}
	for _, w := range ws {
		if !w.Status.Terminal() && w.Status != worker.StatusPaused {
			return true
		}
	}
	return false
}

// sweepExpiredApprovals fails workers that sat in waiting_input past the
// plan approval TTL, failing their task with an explanatory error.
func (s *Supervisor) sweepExpiredApprovals() int {
	e := s.engine
	waiting := worker.StatusWaitingInput
	ws, err := e.workers.List(worker.Filter{Status: &waiting})
	if err != nil {
		s.logger.Error("list waiting workers", "error", err)
		return 0
	}

	ttl := e.cfg.PlanApprovalTTL
	now := s.now()
	count := 0
	for _, w := range ws {
		if w.WaitingFor == nil || w.WaitingFor.Kind != worker.WaitPlanApproval {
			continue
		}
		if w.WaitingFor.EnteredAt.IsZero() || now.Sub(w.WaitingFor.EnteredAt) < ttl {
			continue
		}
		msg := fmt.Sprintf("plan approval expired after %s without a decision", ttl)
		if sess, ok := e.registry.Get(w.ID); ok {
			sess.Cancel()
		}
		if err := e.finalize(w, outcome{errMsg: msg}); err != nil {
			s.logger.Error("expire plan approval", "worker", w.ID, "error", err)
			continue
		}
		s.logger.Warn("plan approval expired", "worker", w.ID, "task", w.TaskID)
		count++
	}
	return count
}

// sweepStaleWorkers marks running workers with no progress inside the
// threshold as stale. Stale is recoverable: retry or takeover creates a
// successor.
func (s *Supervisor) sweepStaleWorkers() int {
	e := s.engine
	running := worker.StatusRunning
	ws, err := e.workers.List(worker.Filter{Status: &running})
	if err != nil {
		s.logger.Error("list running workers", "error", err)
		return 0
	}

	threshold := e.cfg.StaleAfter
	now := s.now()
	count := 0
	for _, w := range ws {
		if now.Sub(w.LastProgressAt) < threshold {
			continue
		}
		if err := e.workers.SetStatus(w.ID, worker.StatusStale, worker.StatusRunning); err != nil {
			continue
		}
		staleErr := &StaleTimeoutError{WorkerID: w.ID}
		s.logger.Warn("worker went stale", "worker", w.ID, "task", w.TaskID,
			"last_progress", w.LastProgressAt, "error", staleErr.Error())
		e.publishStatus(w.ID, worker.StatusStale)
		count++
	}
	return count
}
