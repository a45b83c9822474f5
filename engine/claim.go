package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/foreman/account"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

// Claimed is one successful claim: the task, its freshly bound worker, and
// the aggregated results of any terminal children when the task is a
// fan-out parent.
type Claimed struct {
	Worker       *worker.Worker     `json:"worker"`
	Task         *task.Task         `json:"task"`
	ChildResults []task.ChildResult `json:"child_results,omitempty"`
}

// Claim atomically binds up to maxTasks eligible pending tasks to new
// workers. Eligibility requires every blocker terminal and the workspace to
// match the filter (empty matches all). Candidates are taken priority
// descending, FIFO among equals. The configured concurrency cap is enforced
// here: once it binds, Claim returns fewer workers than requested, never
// more. Nothing eligible is an empty result, not an error.
func (e *Engine) Claim(ctx context.Context, workspaceID string, maxTasks int, accountID string) ([]*Claimed, error) {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	granted := e.registry.Reserve(e.cfg.MaxConcurrentWorkers, maxTasks)
	if granted == 0 {
		return nil, nil
	}
	defer e.registry.Release(granted)

	pending := task.StatusPending
	candidates, err := e.tasks.List(task.Filter{Status: &pending, WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	var claimed []*Claimed
	for _, t := range candidates {
		if len(claimed) >= granted {
			break
		}
		eligible, err := e.blockersTerminal(t)
		if err != nil {
			e.logger.Warn("skipping task with unreadable blockers",
				"task", t.ID, "error", err)
			continue
		}
		if !eligible {
			continue
		}

		// The conditional pending->assigned update is the exclusivity
		// point: of N concurrent claimers exactly one wins this task.
		if err := e.tasks.Claim(t.ID); err != nil {
			if errors.Is(err, task.ErrNotPending) {
				continue
			}
			return claimed, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		t.Status = task.StatusAssigned

		w, err := e.spawnWorker(ctx, t, accountID, "")
		if err != nil {
			e.logger.Error("spawn worker failed", "task", t.ID, "error", err)
			if serr := e.tasks.SetStatus(t.ID, task.StatusAssigned, task.StatusFailed); serr != nil {
				e.logger.Error("fail task after spawn failure", "task", t.ID, "error", serr)
			}
			continue
		}
		claimed = append(claimed, &Claimed{
			Worker:       w,
			Task:         t,
			ChildResults: e.childResults(t.ID),
		})
	}
	return claimed, nil
}

// blockersTerminal reports whether every blocker of t has reached a
// terminal state.
func (e *Engine) blockersTerminal(t *task.Task) (bool, error) {
	for _, id := range t.BlockedBy {
		blocker, err := e.tasks.Get(id)
		if err != nil {
			return false, fmt.Errorf("blocker %s: %w", id, err)
		}
		if !blocker.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// childResults aggregates the terminal results of a parent's children.
// It returns nil until every child is terminal.
func (e *Engine) childResults(parentID string) []task.ChildResult {
	children, err := e.tasks.List(task.Filter{ParentID: parentID})
	if err != nil || len(children) == 0 {
		return nil
	}
	results := make([]task.ChildResult, 0, len(children))
	for _, c := range children {
		if !c.Status.Terminal() {
			return nil
		}
		results = append(results, task.ChildResult{
			TaskID: c.ID,
			Title:  c.Title,
			Status: c.Status,
			Result: c.Result,
		})
	}
	return results
}

// spawnWorker creates a worker bound to t, updates account counters, and
// launches its session.
func (e *Engine) spawnWorker(ctx context.Context, t *task.Task, accountID, replayPlan string) (*worker.Worker, error) {
	w := &worker.Worker{
		ID:          uuid.New().String(),
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		AccountID:   accountID,
		Status:      worker.StatusStarting,
	}
	if err := e.workers.Create(w); err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	e.publishStatus(w.ID, worker.StatusStarting)

	if accountID != "" && e.accounts != nil {
		acct, err := e.accounts.Get(accountID)
		if err == nil && acct.Billing == account.BillingSubscription {
			if err := e.accounts.IncrementActive(accountID); err != nil {
				e.logger.Warn("increment active sessions failed", "account", accountID, "error", err)
			}
		}
	}

	if err := e.startSession(ctx, w, t, replayPlan); err != nil {
		return nil, err
	}
	return w, nil
}

// onTaskTerminal runs dependency propagation and parent rollup after a task
// reaches completed or failed.
func (e *Engine) onTaskTerminal(taskID string) {
	t, err := e.tasks.Get(taskID)
	if err != nil {
		e.logger.Error("terminal task vanished", "task", taskID, "error", err)
		return
	}

	// Propagation: any task blocked on this one flips to pending once all
	// its blockers are terminal. The conditional blocked->pending update
	// makes the flip exactly-once under concurrent terminals.
	blocked := task.StatusBlocked
	waiting, err := e.tasks.List(task.Filter{Status: &blocked})
	if err != nil {
		e.logger.Error("list blocked tasks", "error", err)
	}
	for _, b := range waiting {
		if !containsID(b.BlockedBy, taskID) {
			continue
		}
		ready, err := e.blockersTerminal(b)
		if err != nil || !ready {
			continue
		}
		err = e.tasks.SetStatus(b.ID, task.StatusBlocked, task.StatusPending)
		if err != nil && !errors.Is(err, task.ErrWrongStatus) {
			e.logger.Error("unblock task", "task", b.ID, "error", err)
		}
	}

	// Rollup: when the last child of a parent finishes, fire the
	// children-completed notification exactly once.
	if t.ParentID == "" {
		return
	}
	if results := e.childResults(t.ParentID); results == nil {
		return
	}
	first, err := e.tasks.MarkChildrenNotified(t.ParentID)
	if err != nil {
		e.logger.Error("mark children notified", "task", t.ParentID, "error", err)
		return
	}
	if !first {
		return
	}
	for _, pw := range e.parentWorkers(t.ParentID) {
		e.publishNotification(pw.ID, "children_completed", "all child tasks have finished")
		if s, ok := e.registry.Get(pw.ID); ok {
			s.queueInstruction(Instruction{
				Kind:    InstructionPlain,
				Message: "All child tasks have finished; incorporate their results.",
			})
		}
	}
}

// parentWorkers returns the non-terminal workers bound to a task.
func (e *Engine) parentWorkers(taskID string) []*worker.Worker {
	ws, err := e.workers.List(worker.Filter{TaskID: taskID})
	if err != nil {
		return nil
	}
	live := ws[:0]
	for _, w := range ws {
		if !w.Status.Terminal() {
			live = append(live, w)
		}
	}
	return live
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
