// Package engine implements the task-claiming and worker-lifecycle
// orchestration core: atomic claim with dependency gating and priority
// ordering, the worker session state machine, policy-gated tool execution,
// checkpoint rollback, and terminal write-back.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/GoCodeAlone/foreman/account"
	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/events"
	"github.com/GoCodeAlone/foreman/executor"
	"github.com/GoCodeAlone/foreman/policy"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

// AccountStore is the slice of account persistence the engine updates on
// claim and terminal transitions.
type AccountStore interface {
	Get(id string) (*account.Account, error)
	AddCost(id string, usd float64) error
	IncrementActive(id string) error
	DecrementActive(id string) error
}

// Redactor scrubs secret values out of text before it is persisted or
// published.
type Redactor interface {
	Redact(text string) string
}

// PRRequest describes a pull request to create.
type PRRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// PRCreator performs the actual pull request creation. The engine only
// guarantees create-once-per-(worker, head) dedupe.
type PRCreator interface {
	Create(ctx context.Context, req PRRequest) (number int, url, state string, err error)
}

// InstructionKind tags an instruction delivered through update_progress.
type InstructionKind string

const (
	InstructionPlain       InstructionKind = "plain"
	InstructionRequestPlan InstructionKind = "request_plan"
)

// Instruction is a directive the worker must act on, returned from
// UpdateProgress. The kind is explicit so consumers never sniff the
// message body.
type Instruction struct {
	Kind    InstructionKind `json:"kind"`
	Message string          `json:"message"`
}

// Options wires an Engine together. Tasks, Workers, Policy, Bus and
// Executor are required; the rest are optional collaborators.
type Options struct {
	Config   config.EngineConfig
	Tasks    task.Store
	Workers  worker.Store
	Accounts AccountStore
	Policy   *policy.Hook
	Bus      *events.Bus
	Executor executor.Executor
	PRs      PRCreator
	Redactor Redactor
	Retry    *executor.RetryConfig
	Logger   *slog.Logger
}

// Engine is the orchestration core.
type Engine struct {
	cfg      config.EngineConfig
	tasks    task.Store
	workers  worker.Store
	accounts AccountStore
	policy   *policy.Hook
	bus      *events.Bus
	exec     executor.Executor
	breakers *executor.BreakerRegistry
	retry    executor.RetryConfig
	prs      PRCreator
	redactor Redactor
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Tasks == nil || opts.Workers == nil || opts.Policy == nil || opts.Bus == nil || opts.Executor == nil {
		return nil, fmt.Errorf("engine: tasks, workers, policy, bus and executor are required")
	}
	if opts.Config.MaxConcurrentWorkers <= 0 {
		return nil, fmt.Errorf("engine: max concurrent workers must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := executor.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &Engine{
		cfg:      opts.Config,
		tasks:    opts.Tasks,
		workers:  opts.Workers,
		accounts: opts.Accounts,
		policy:   opts.Policy,
		bus:      opts.Bus,
		exec:     opts.Executor,
		breakers: executor.NewBreakerRegistry(logger),
		retry:    retry,
		prs:      opts.PRs,
		redactor: opts.Redactor,
		registry: NewRegistry(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Registry exposes the live session registry, for the supervisor.
func (e *Engine) Registry() *Registry { return e.registry }

// Wait blocks until every live session goroutine has exited.
func (e *Engine) Wait() { e.wg.Wait() }

// Shutdown cancels every live session and waits for them to drain.
func (e *Engine) Shutdown() {
	for _, id := range e.registry.IDs() {
		if s, ok := e.registry.Get(id); ok {
			s.Cancel()
		}
	}
	e.wg.Wait()
}

// CreateTaskRequest describes a task to create.
type CreateTaskRequest struct {
	WorkspaceID  string
	Title        string
	Description  string
	Priority     int
	BlockedBy    []string
	ParentID     string
	Output       task.OutputRequirement
	OutputSchema json.RawMessage
}

// CreateTask validates and persists a new task. The task starts blocked if
// any listed blocker is non-terminal, pending otherwise. Blocker graphs are
// rejected when they contain a cycle.
func (e *Engine) CreateTask(req CreateTaskRequest) (*task.Task, error) {
	if req.WorkspaceID == "" {
		return nil, validationf("workspaceId", "required")
	}
	if req.Title == "" {
		return nil, validationf("title", "required")
	}
	output := req.Output
	if output == "" {
		output = task.OutputAuto
	}
	switch output {
	case task.OutputNone, task.OutputPR, task.OutputArtifact, task.OutputAuto:
	default:
		return nil, validationf("outputRequirement", "unknown value %q", output)
	}

	unresolved := false
	for _, id := range req.BlockedBy {
		blocker, err := e.tasks.Get(id)
		if err != nil {
			return nil, validationf("blockedByTaskIds", "blocker %s not found", id)
		}
		if !blocker.Status.Terminal() {
			unresolved = true
		}
	}
	if err := e.checkBlockerCycle(req.BlockedBy); err != nil {
		return nil, err
	}

	status := task.StatusPending
	if unresolved {
		status = task.StatusBlocked
	}
	t := &task.Task{
		Title:        req.Title,
		Description:  req.Description,
		Status:       status,
		Priority:     req.Priority,
		WorkspaceID:  req.WorkspaceID,
		BlockedBy:    req.BlockedBy,
		ParentID:     req.ParentID,
		Output:       output,
		OutputSchema: req.OutputSchema,
	}
	if _, err := e.tasks.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// checkBlockerCycle topologically sorts the blocker graph of all known
// tasks plus the new edges, rejecting cycles before they can deadlock
// claiming.
func (e *Engine) checkBlockerCycle(newBlockers []string) error {
	if len(newBlockers) == 0 {
		return nil
	}
	existing, err := e.tasks.List(task.Filter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	var edges []toposort.Edge
	for _, t := range existing {
		for _, dep := range t.BlockedBy {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	for _, dep := range newBlockers {
		edges = append(edges, toposort.Edge{dep, "__new__"})
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return validationf("blockedByTaskIds", "blocker graph contains a cycle: %v", err)
	}
	return nil
}

// ProgressUpdate is a worker's heartbeat payload.
type ProgressUpdate struct {
	Message     string
	CostUSD     float64
	CommitCount int
}

// UpdateProgress records a progress heartbeat and returns any pending
// instruction the worker must act on. A terminal (superseded) worker gets a
// ConflictError, never a silent success.
func (e *Engine) UpdateProgress(workerID string, upd ProgressUpdate) (*Instruction, error) {
	w, err := e.workers.Get(workerID)
	if err != nil {
		return nil, validationf("workerId", "%v", err)
	}
	if w.Status.Terminal() {
		return nil, conflictf("worker %s is %s; it has been superseded", workerID, w.Status)
	}
	if w.Status == worker.StatusStale {
		// Progress from a stale worker proves it alive again.
		if err := e.workers.SetStatus(workerID, worker.StatusRunning, worker.StatusStale); err != nil {
			return nil, conflictf("worker %s was taken over", workerID)
		}
		e.publishStatus(workerID, worker.StatusRunning)
	}
	if err := e.workers.Touch(workerID, e.now()); err != nil {
		return nil, fmt.Errorf("touch worker: %w", err)
	}
	if upd.CostUSD > 0 {
		if err := e.workers.RecordProgress(workerID, upd.CostUSD, w.Turns, e.now()); err != nil {
			return nil, fmt.Errorf("record progress: %w", err)
		}
	}
	e.bus.Publish(events.Event{
		WorkerID: workerID,
		Type:     events.TypeProgress,
		Progress: &events.Progress{Message: e.redact(upd.Message), Turns: w.Turns},
	})

	if s, ok := e.registry.Get(workerID); ok {
		if ins := s.takeInstruction(); ins != nil {
			return ins, nil
		}
	}
	return nil, nil
}

// Instruct queues an instruction for delivery on the worker's next
// update_progress call.
func (e *Engine) Instruct(workerID string, ins Instruction) error {
	switch ins.Kind {
	case InstructionPlain, InstructionRequestPlan:
	default:
		return validationf("kind", "unknown instruction kind %q", ins.Kind)
	}
	s, ok := e.registry.Get(workerID)
	if !ok {
		return conflictf("worker %s has no live session", workerID)
	}
	s.queueInstruction(ins)
	return nil
}

// CompleteRequest is an explicit terminal report for a worker.
type CompleteRequest struct {
	Status           task.Status // completed or failed
	Summary          string
	Error            string
	StructuredOutput json.RawMessage
}

// CompleteTask finishes a worker and writes the task result snapshot.
func (e *Engine) CompleteTask(workerID string, req CompleteRequest) error {
	if req.Status != task.StatusCompleted && req.Status != task.StatusFailed {
		return validationf("status", "must be completed or failed, got %q", req.Status)
	}
	w, err := e.workers.Get(workerID)
	if err != nil {
		return validationf("workerId", "%v", err)
	}
	if w.Status.Terminal() {
		return conflictf("worker %s is already %s", workerID, w.Status)
	}
	if s, ok := e.registry.Get(workerID); ok {
		s.Cancel()
	}
	return e.finalize(w, outcome{
		success:    req.Status == task.StatusCompleted,
		summary:    req.Summary,
		errMsg:     req.Error,
		structured: req.StructuredOutput,
	})
}

// CreatePR creates a pull request for the worker's branch, exactly once per
// (worker, head): re-invocation returns the recorded PR without calling the
// creator again.
func (e *Engine) CreatePR(ctx context.Context, workerID string, req PRRequest) (*worker.PRRecord, error) {
	if req.Head == "" {
		return nil, validationf("head", "required")
	}
	if req.Title == "" {
		return nil, validationf("title", "required")
	}
	w, err := e.workers.Get(workerID)
	if err != nil {
		return nil, validationf("workerId", "%v", err)
	}
	if existing, err := e.workers.GetPR(workerID, req.Head); err == nil {
		return existing, nil
	}
	if e.prs == nil {
		return nil, validationf("", "pull request creation is not configured")
	}

	number, url, state, err := e.prs.Create(ctx, req)
	if err != nil {
		return nil, &SubstrateError{Msg: fmt.Sprintf("create pr: %v", err)}
	}
	rec, err := e.workers.RecordPR(&worker.PRRecord{
		WorkerID: workerID,
		Head:     req.Head,
		Number:   number,
		URL:      url,
		State:    state,
	})
	if err != nil {
		return nil, fmt.Errorf("record pr: %w", err)
	}
	w.PRURL = rec.URL
	w.PRNumber = rec.Number
	if err := e.workers.Update(w); err != nil {
		return nil, fmt.Errorf("update worker: %w", err)
	}
	e.publishNotification(workerID, "pr_created", rec.URL)
	return rec, nil
}

// SubmitPlan pauses the worker for plan approval.
func (e *Engine) SubmitPlan(workerID, plan string) error {
	if plan == "" {
		return validationf("plan", "required")
	}
	err := e.workers.SetStatus(workerID, worker.StatusWaitingInput, worker.StatusRunning, worker.StatusStarting)
	if errors.Is(err, worker.ErrWrongStatus) {
		return conflictf("worker %s cannot submit a plan in its current state", workerID)
	}
	if err != nil {
		return fmt.Errorf("submit plan: %w", err)
	}
	w, err := e.workers.Get(workerID)
	if err != nil {
		return err
	}
	w.WaitingFor = &worker.WaitingFor{
		Kind:      worker.WaitPlanApproval,
		Prompt:    plan,
		EnteredAt: e.now(),
	}
	if err := e.workers.Update(w); err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	e.publishStatus(workerID, worker.StatusWaitingInput)
	e.publishNotification(workerID, "plan_submitted", "plan awaiting approval")
	return nil
}

// Approve resolves a pending plan approval and resumes the worker.
func (e *Engine) Approve(ctx context.Context, workerID, mode string) error {
	msg := "Plan approved. Proceed with implementation."
	if mode != "" {
		msg = fmt.Sprintf("Plan approved (mode: %s). Proceed with implementation.", mode)
	}
	return e.resolveWait(ctx, workerID, worker.WaitPlanApproval, msg)
}

// RequestChanges rejects a submitted plan with revision guidance and
// resumes the worker.
func (e *Engine) RequestChanges(ctx context.Context, workerID, message string) error {
	if message == "" {
		return validationf("message", "required")
	}
	return e.resolveWait(ctx, workerID, worker.WaitPlanApproval, "Plan needs changes: "+message)
}

// InjectMessage delivers operator text to a worker. A waiting_input worker
// resumes running; a running worker receives it as a queued instruction.
func (e *Engine) InjectMessage(ctx context.Context, workerID, text string) error {
	if text == "" {
		return validationf("message", "required")
	}
	w, err := e.workers.Get(workerID)
	if err != nil {
		return validationf("workerId", "%v", err)
	}
	switch w.Status {
	case worker.StatusWaitingInput:
		kind := worker.WaitQuestion
		if w.WaitingFor != nil {
			kind = w.WaitingFor.Kind
		}
		return e.resolveWait(ctx, workerID, kind, text)
	case worker.StatusRunning, worker.StatusStarting:
		return e.Instruct(workerID, Instruction{Kind: InstructionPlain, Message: text})
	default:
		return conflictf("worker %s is %s; cannot receive messages", workerID, w.Status)
	}
}

// resolveWait exits waiting_input by injecting text into the execution
// stream and conditionally flipping the status back to running.
func (e *Engine) resolveWait(ctx context.Context, workerID string, want worker.WaitKind, text string) error {
	w, err := e.workers.Get(workerID)
	if err != nil {
		return validationf("workerId", "%v", err)
	}
	if w.Status != worker.StatusWaitingInput {
		return conflictf("worker %s is %s, not waiting_input", workerID, w.Status)
	}
	if w.WaitingFor != nil && w.WaitingFor.Kind != want {
		return conflictf("worker %s is waiting for %s", workerID, w.WaitingFor.Kind)
	}

	if s, ok := e.registry.Get(workerID); ok {
		if err := s.resume(ctx, text); err != nil {
			return &SubstrateError{Msg: fmt.Sprintf("resume worker %s: %v", workerID, err)}
		}
	}
	if err := e.workers.SetStatus(workerID, worker.StatusRunning, worker.StatusWaitingInput); err != nil {
		return conflictf("worker %s left waiting_input concurrently", workerID)
	}
	w.WaitingFor = nil
	w.Status = worker.StatusRunning
	if err := e.workers.Update(w); err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if err := e.workers.Touch(workerID, e.now()); err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	e.publishStatus(workerID, worker.StatusRunning)
	return nil
}

// Rollback restores files to their state before the given checkpoint. With
// dryRun it only counts the files that would change.
func (e *Engine) Rollback(workerID, checkpointID string, dryRun bool) (filesChanged int, err error) {
	cps, err := e.workers.ListCheckpoints(workerID)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	plan, err := worker.PlanRollback(cps, checkpointID)
	if err != nil {
		return 0, validationf("checkpointUuid", "%v", err)
	}
	return plan.Apply(dryRun)
}

// Cancel requests cooperative abort of a worker's execution. The worker is
// observed as paused once the session drains. Cancelling a worker with no
// live session is a safe no-op.
func (e *Engine) Cancel(workerID string) error {
	if s, ok := e.registry.Get(workerID); ok {
		s.Cancel()
	}
	return nil
}

// Retry re-starts execution on the same worker and task. Only workers
// without a live session can be retried; an approved plan may be replayed
// into the new execution's prompt.
func (e *Engine) Retry(ctx context.Context, workerID, replayPlan string) error {
	if _, live := e.registry.Get(workerID); live {
		return conflictf("worker %s is already running", workerID)
	}
	w, err := e.workers.Get(workerID)
	if err != nil {
		return validationf("workerId", "%v", err)
	}
	t, err := e.tasks.Get(w.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	// Reopen a failed task for another attempt.
	if t.Status == task.StatusFailed {
		if err := e.tasks.SetStatus(t.ID, task.StatusFailed, task.StatusAssigned); err != nil {
			return conflictf("task %s could not be reopened", t.ID)
		}
	}
	w.Status = worker.StatusStarting
	w.Error = ""
	w.WaitingFor = nil
	if err := e.workers.Update(w); err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	e.publishStatus(workerID, worker.StatusStarting)
	return e.startSession(ctx, w, t, replayPlan)
}

// Takeover replaces a stale worker with a fresh one bound to the same task.
// Only accounts in the task's workspace may take over; the stale worker is
// marked error.
func (e *Engine) Takeover(ctx context.Context, workerID, accountID string) (*worker.Worker, error) {
	w, err := e.workers.Get(workerID)
	if err != nil {
		return nil, validationf("workerId", "%v", err)
	}
	if w.Status != worker.StatusStale {
		return nil, conflictf("takeover requires a stale worker; %s is %s", workerID, w.Status)
	}
	if e.accounts == nil {
		return nil, validationf("accountId", "account store is not configured")
	}
	acct, err := e.accounts.Get(accountID)
	if err != nil {
		return nil, validationf("accountId", "%v", err)
	}
	if acct.WorkspaceID != w.WorkspaceID {
		return nil, validationf("accountId", "account workspace %s does not match task workspace %s", acct.WorkspaceID, w.WorkspaceID)
	}

	if err := e.workers.SetStatus(workerID, worker.StatusError, worker.StatusStale); err != nil {
		return nil, conflictf("worker %s was recovered or taken over concurrently", workerID)
	}
	if s, ok := e.registry.Get(workerID); ok {
		s.Cancel()
		e.registry.Remove(workerID)
	}
	e.publishStatus(workerID, worker.StatusError)

	t, err := e.tasks.Get(w.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return e.spawnWorker(ctx, t, accountID, "")
}

// Subscribe registers for a worker's event stream. The snapshot carries the
// full current log so reconnecting consumers never assume zero missed
// events.
func (e *Engine) Subscribe(workerID string, buf int) (snapshot []events.Event, ch <-chan events.Event, unsubscribe func()) {
	return e.bus.Subscribe(workerID, buf)
}

func (e *Engine) redact(text string) string {
	if e.redactor == nil {
		return text
	}
	return e.redactor.Redact(text)
}

func (e *Engine) publishStatus(workerID string, st worker.Status) {
	e.bus.Publish(events.Event{WorkerID: workerID, Type: events.TypeStatus, Status: string(st)})
}

func (e *Engine) publishNotification(workerID, kind, msg string) {
	e.bus.Publish(events.Event{
		WorkerID:     workerID,
		Type:         events.TypeNotification,
		Notification: &events.Notification{Kind: kind, Message: msg},
	})
}

// buildPrompt assembles the execution prompt from the task, any terminal
// child results, and an optionally replayed approved plan.
func buildPrompt(t *task.Task, children []task.ChildResult, replayPlan string) string {
	var b strings.Builder
	b.WriteString("# Task: ")
	b.WriteString(t.Title)
	b.WriteString("\n\n")
	if t.Description != "" {
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	if len(t.OutputSchema) > 0 {
		b.WriteString("\nProduce structured output conforming to this JSON schema:\n")
		b.Write(t.OutputSchema)
		b.WriteString("\n")
	}
	if len(children) > 0 {
		b.WriteString("\n## Completed sub-task results\n")
		for _, c := range children {
			b.WriteString(fmt.Sprintf("- %s (%s)", c.Title, c.Status))
			if c.Result != nil && c.Result.Summary != "" {
				b.WriteString(": " + c.Result.Summary)
			}
			b.WriteString("\n")
		}
	}
	if replayPlan != "" {
		b.WriteString("\n## Approved plan\n")
		b.WriteString(replayPlan)
		b.WriteString("\n")
	}
	return b.String()
}
