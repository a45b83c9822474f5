package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/executor"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

func newTestSupervisor(f *engineFixture, refs RefCleaner) *Supervisor {
	return NewSupervisor(f.eng, refs, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSweep_OrphanedTaskReset(t *testing.T) {
	f := newTestEngine(t, nil)
	sup := newTestSupervisor(f, nil)

	// An assigned task with no worker at all: the claimer died between the
	// claim and the spawn.
	tk := f.createTask(t, "orphan", 0)
	if err := f.tasks.Claim(tk.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.OrphanedTasks != 1 {
		t.Fatalf("OrphanedTasks = %d, want 1", report.OrphanedTasks)
	}
	if st := f.taskStatus(t, tk.ID); st != task.StatusPending {
		t.Errorf("task = %q after sweep, want pending", st)
	}

	// Re-running inside the same window finds nothing.
	report, err = sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep repeat: %v", err)
	}
	if report.OrphanedTasks != 0 {
		t.Errorf("second sweep OrphanedTasks = %d, want 0", report.OrphanedTasks)
	}

	// And the task is claimable again.
	got := f.claimOne(t)
	if got.Task.ID != tk.ID {
		t.Errorf("reclaimed %q, want the orphan", got.Task.Title)
	}
}

func TestSweep_SkipsTasksWithLiveWorkers(t *testing.T) {
	f := newTestEngine(t, nil)
	sup := newTestSupervisor(f, nil)

	f.createTask(t, "healthy", 0)
	got := f.claimOne(t)

	report, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.OrphanedTasks != 0 {
		t.Errorf("OrphanedTasks = %d, want 0", report.OrphanedTasks)
	}
	if st := f.taskStatus(t, got.Task.ID); st != task.StatusRunning {
		t.Errorf("task = %q, want still running", st)
	}
}

func TestSweep_StaleWorker(t *testing.T) {
	f := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.StaleAfter = time.Minute })
	sup := newTestSupervisor(f, nil)

	f.createTask(t, "quiet", 0)
	got := f.claimOne(t)
	waitFor(t, "running", func() bool {
		return f.workerStatus(t, got.Worker.ID) == worker.StatusRunning
	})

	// Emit progress first: a worker that has already spoken must still be
	// eligible for stale detection once it goes quiet.
	f.exec.LastStream().Emit(executor.Message{Type: executor.MessageText, Text: "warming up", CostUSD: 0.01})
	waitFor(t, "progress persisted", func() bool {
		w, err := f.workers.Get(got.Worker.ID)
		return err == nil && w.Turns == 1
	})

	// Backdate the last progress beyond the threshold.
	if err := f.workers.Touch(got.Worker.ID, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	report, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.StaleWorkers != 1 {
		t.Fatalf("StaleWorkers = %d, want 1", report.StaleWorkers)
	}
	if st := f.workerStatus(t, got.Worker.ID); st != worker.StatusStale {
		t.Fatalf("worker = %q, want stale", st)
	}

	report, _ = sup.Sweep(context.Background())
	if report.StaleWorkers != 0 {
		t.Errorf("second sweep StaleWorkers = %d, want 0", report.StaleWorkers)
	}

	// A progress report from the stale worker proves it alive again.
	if _, err := f.eng.UpdateProgress(got.Worker.ID, ProgressUpdate{Message: "still here"}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if st := f.workerStatus(t, got.Worker.ID); st != worker.StatusRunning {
		t.Errorf("worker = %q after progress, want running", st)
	}
}

func TestSweep_ExpiredPlanApproval(t *testing.T) {
	f := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.PlanApprovalTTL = time.Minute })
	sup := newTestSupervisor(f, nil)

	// One worker stuck on plan approval, one waiting on a question.
	f.createTask(t, "planned", 1)
	planned := f.claimOne(t)
	if err := f.eng.SubmitPlan(planned.Worker.ID, "the plan"); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}

	f.createTask(t, "asking", 0)
	asking := f.claimOne(t)
	f.exec.LastStream().Emit(executor.Message{Type: executor.MessageToolUse, Tool: &executor.ToolUse{
		ID: "q1", Name: "ask_user", Input: map[string]any{"prompt": "continue?"},
	}})
	waitFor(t, "question waiting", func() bool {
		return f.workerStatus(t, asking.Worker.ID) == worker.StatusWaitingInput
	})

	sup.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	report, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.ExpiredApprovals != 1 {
		t.Fatalf("ExpiredApprovals = %d, want 1", report.ExpiredApprovals)
	}

	w, _ := f.workers.Get(planned.Worker.ID)
	if w.Status != worker.StatusError {
		t.Errorf("expired worker = %q, want error", w.Status)
	}
	if w.Error == "" {
		t.Error("expired worker has no explanatory error")
	}
	if st := f.taskStatus(t, planned.Task.ID); st != task.StatusFailed {
		t.Errorf("task = %q, want failed", st)
	}

	// The question wait has no TTL.
	if st := f.workerStatus(t, asking.Worker.ID); st != worker.StatusWaitingInput {
		t.Errorf("question worker = %q, want untouched waiting_input", st)
	}

	report, _ = sup.Sweep(context.Background())
	if report.ExpiredApprovals != 0 {
		t.Errorf("second sweep ExpiredApprovals = %d, want 0", report.ExpiredApprovals)
	}
}

type fakeRefCleaner struct{ n int }

func (c *fakeRefCleaner) CleanupExpiredRefs() (int, error) { return c.n, nil }

func TestSweep_ExpiredRefs(t *testing.T) {
	f := newTestEngine(t, nil)
	sup := newTestSupervisor(f, &fakeRefCleaner{n: 3})

	report, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.ExpiredRefs != 3 {
		t.Errorf("ExpiredRefs = %d, want 3", report.ExpiredRefs)
	}
}
