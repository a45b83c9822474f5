package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/foreman/account"
	"github.com/GoCodeAlone/foreman/events"
	"github.com/GoCodeAlone/foreman/executor"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/worker"
)

// Tool names that pause the session rather than run through the policy
// hook. The question tool enters waiting_input directly; the plan tool
// enters plan approval.
var (
	askTools  = map[string]bool{"ask_user": true, "ask_question": true}
	planTools = map[string]bool{"submit_plan": true}
)

// Session is one live worker execution: the goroutine consuming the
// substrate's message stream plus the handles other operations use to
// reach it.
type Session struct {
	WorkerID string
	TaskID   string

	engine *Engine
	stream executor.Stream
	cancel context.CancelFunc

	mu              sync.Mutex
	cancelRequested bool
	denials         int
	pending         []Instruction
	pendingToolID   string // unresolved ask/plan tool awaiting operator input
	startedAt       time.Time
}

// Cancel requests cooperative abort. The in-flight message may finish
// before the abort is observed; repeated calls are safe no-ops.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelRequested = true
	s.mu.Unlock()
	s.cancel()
	s.stream.Close()
}

func (s *Session) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *Session) queueInstruction(ins Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, ins)
}

func (s *Session) takeInstruction() *Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	ins := s.pending[0]
	s.pending = s.pending[1:]
	return &ins
}

// resume answers the tool call that paused the session, then injects the
// operator's text so the agent continues.
func (s *Session) resume(ctx context.Context, text string) error {
	s.mu.Lock()
	toolID := s.pendingToolID
	s.pendingToolID = ""
	s.mu.Unlock()

	if toolID != "" {
		if err := s.stream.ResolveTool(ctx, toolID, true, ""); err != nil {
			return err
		}
	}
	return s.stream.Send(ctx, text)
}

func (s *Session) addDenial() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denials++
	return s.denials
}

func (s *Session) denialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denials
}

// startSession launches the substrate execution for a worker and spawns its
// run loop. Launch goes through the per-substrate circuit breaker with
// backoff; a launch that never comes up fails the worker and its task.
func (e *Engine) startSession(ctx context.Context, w *worker.Worker, t *task.Task, replayPlan string) error {
	prompt := buildPrompt(t, e.childResults(t.ID), replayPlan)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := executor.StartWithRetry(runCtx, e.exec, prompt, e.breakers.Get(e.exec.Name()), e.retry)
	if err != nil {
		cancel()
		subErr := &SubstrateError{Msg: fmt.Sprintf("start execution: %v", err)}
		e.failWorker(w, subErr.Error())
		return subErr
	}

	s := &Session{
		WorkerID:  w.ID,
		TaskID:    w.TaskID,
		engine:    e,
		stream:    stream,
		cancel:    cancel,
		startedAt: e.now(),
	}
	e.registry.Add(s)

	if err := e.workers.SetStatus(w.ID, worker.StatusRunning, worker.StatusStarting, worker.StatusIdle); err != nil {
		e.logger.Warn("worker left starting before session came up", "worker", w.ID, "error", err)
	} else {
		w.Status = worker.StatusRunning
		e.publishStatus(w.ID, worker.StatusRunning)
	}
	if err := e.tasks.SetStatus(t.ID, task.StatusAssigned, task.StatusRunning); err != nil && !errors.Is(err, task.ErrWrongStatus) {
		e.logger.Warn("mark task running", "task", t.ID, "error", err)
	}
	if err := e.workers.Touch(w.ID, e.now()); err != nil {
		e.logger.Warn("touch worker", "worker", w.ID, "error", err)
	}

	e.wg.Add(1)
	go s.run(runCtx, w, t)
	return nil
}

// run consumes the execution stream until a terminal result, cancellation,
// or the stream dying. This is the worker state machine's hot path.
func (s *Session) run(ctx context.Context, w *worker.Worker, t *task.Task) {
	e := s.engine
	defer e.wg.Done()
	defer s.stream.Close()

	cost := w.CostUSD
	turns := w.Turns

	for msg := range s.stream.Messages() {
		cost += msg.CostUSD
		if msg.Type == executor.MessageResult && msg.Result != nil && msg.Result.CostUSD > cost {
			// The final total supersedes incremental sums.
			cost = msg.Result.CostUSD
		}

		// Eager budget check: overspend is bounded to one message's cost.
		if e.cfg.BudgetCeilingUSD > 0 && cost > e.cfg.BudgetCeilingUSD {
			budgetErr := &BudgetExceededError{CostUSD: cost, CeilingUSD: e.cfg.BudgetCeilingUSD}
			e.bus.Publish(events.Event{WorkerID: w.ID, Type: events.TypeError, Error: budgetErr.Error()})
			s.stream.Close()
			s.finish(w, t, outcome{errMsg: budgetErr.Error(), costUSD: cost, turns: turns})
			return
		}

		switch msg.Type {
		case executor.MessageText:
			turns++
			text := e.redact(msg.Text)
			w.CostUSD = cost
			w.Turns = turns
			w.LastProgressAt = e.now()
			// Progress only; a full Update here would write back whatever
			// status this loop last saw and undo concurrent transitions.
			if err := e.workers.RecordProgress(w.ID, cost, turns, w.LastProgressAt); err != nil {
				e.logger.Error("persist progress", "worker", w.ID, "error", err)
			}
			e.bus.Publish(events.Event{
				WorkerID: w.ID,
				Type:     events.TypeProgress,
				Progress: &events.Progress{Message: text, Turns: turns},
			})
			e.bus.Publish(events.Event{
				WorkerID: w.ID,
				Type:     events.TypeCost,
				Cost:     &events.Cost{CostUSD: cost},
			})

		case executor.MessageToolUse:
			if msg.Tool == nil {
				continue
			}
			if !s.handleTool(ctx, w, msg.Tool) {
				return
			}

		case executor.MessageCheckpoint:
			if msg.Checkpoint == nil {
				continue
			}
			s.recordCheckpoint(w, msg.Checkpoint)

		case executor.MessageResult:
			if msg.Result == nil {
				continue
			}
			s.finish(w, t, outcomeFromResult(msg.Result, cost, turns))
			return
		}
	}

	// Stream closed without a result.
	if s.cancelled() {
		err := e.workers.SetStatus(w.ID, worker.StatusPaused,
			worker.StatusRunning, worker.StatusWaitingInput, worker.StatusStarting, worker.StatusStale)
		if err == nil {
			e.publishStatus(w.ID, worker.StatusPaused)
		}
		e.registry.Remove(w.ID)
		return
	}
	subErr := &SubstrateError{Msg: "execution ended without a result"}
	e.bus.Publish(events.Event{WorkerID: w.ID, Type: events.TypeError, Error: subErr.Error()})
	s.finish(w, t, outcome{errMsg: subErr.Error(), costUSD: cost, turns: turns})
}

// handleTool gates one tool invocation. It returns false when the session
// must stop because the worker was superseded mid-transition.
func (s *Session) handleTool(ctx context.Context, w *worker.Worker, tool *executor.ToolUse) bool {
	e := s.engine

	switch {
	case askTools[tool.Name]:
		return s.enterWait(w, tool, worker.WaitQuestion)
	case planTools[tool.Name]:
		return s.enterWait(w, tool, worker.WaitPlanApproval)
	}

	decision := e.policy.Evaluate(tool.Name, tool.Input)
	if decision.Allow {
		if err := s.stream.ResolveTool(ctx, tool.ID, true, ""); err != nil {
			e.logger.Error("resolve tool", "worker", w.ID, "tool", tool.Name, "error", err)
		}
		return true
	}

	n := s.addDenial()
	denied := &PolicyDeniedError{Tool: tool.Name, Reason: decision.Reason}
	e.logger.Warn("tool denied by policy",
		"worker", w.ID, "tool", tool.Name, "reason", decision.Reason, "denials", n)
	if err := s.stream.ResolveTool(ctx, tool.ID, false, decision.Reason); err != nil {
		e.logger.Error("resolve tool", "worker", w.ID, "tool", tool.Name, "error", err)
	}
	e.publishNotification(w.ID, "policy_denied", denied.Error())
	mil := &worker.Milestone{
		WorkerID: w.ID,
		Kind:     "policy_denial",
		Label:    tool.Name,
		Meta:     map[string]string{"reason": decision.Reason, "count": strconv.Itoa(n)},
	}
	if err := e.workers.AppendMilestone(mil); err != nil {
		e.logger.Error("append milestone", "worker", w.ID, "error", err)
	}
	return true
}

// enterWait transitions the worker into waiting_input for a question or
// plan approval, leaving the tool unresolved until the operator responds.
func (s *Session) enterWait(w *worker.Worker, tool *executor.ToolUse, kind worker.WaitKind) bool {
	e := s.engine

	err := e.workers.SetStatus(w.ID, worker.StatusWaitingInput, worker.StatusRunning, worker.StatusStarting)
	if errors.Is(err, worker.ErrWrongStatus) {
		// Superseded (stale takeover or external terminal); stop consuming.
		e.logger.Warn("worker superseded before waiting_input", "worker", w.ID)
		s.stream.Close()
		e.registry.Remove(w.ID)
		return false
	}
	if err != nil {
		e.logger.Error("enter waiting_input", "worker", w.ID, "error", err)
		return true
	}

	s.mu.Lock()
	s.pendingToolID = tool.ID
	s.mu.Unlock()

	prompt, _ := tool.Input["prompt"].(string)
	if prompt == "" {
		prompt, _ = tool.Input["question"].(string)
	}
	if kind == worker.WaitPlanApproval && prompt == "" {
		prompt, _ = tool.Input["plan"].(string)
	}
	var options []string
	if raw, ok := tool.Input["options"].([]any); ok {
		for _, o := range raw {
			if str, ok := o.(string); ok {
				options = append(options, str)
			}
		}
	}

	w.Status = worker.StatusWaitingInput
	w.WaitingFor = &worker.WaitingFor{
		Kind:      kind,
		Prompt:    e.redact(prompt),
		Options:   options,
		EnteredAt: e.now(),
	}
	if err := e.workers.Update(w); err != nil {
		e.logger.Error("persist waiting_input", "worker", w.ID, "error", err)
	}
	e.publishStatus(w.ID, worker.StatusWaitingInput)
	return true
}

func (s *Session) recordCheckpoint(w *worker.Worker, note *executor.CheckpointNote) {
	e := s.engine

	id := note.ID
	if id == "" {
		id = uuid.New().String()
	}
	files := make([]worker.FileSnapshot, 0, len(note.Files))
	for _, f := range note.Files {
		files = append(files, worker.FileSnapshot{Path: f.Path, Prior: f.Prior, Existed: f.Existed})
	}
	cp := &worker.Checkpoint{ID: id, WorkerID: w.ID, Files: files, CreatedAt: e.now()}
	if err := e.workers.AppendCheckpoint(cp); err != nil {
		e.logger.Error("append checkpoint", "worker", w.ID, "error", err)
		return
	}
	mil := &worker.Milestone{WorkerID: w.ID, Kind: "checkpoint", Label: id}
	if err := e.workers.AppendMilestone(mil); err != nil {
		e.logger.Error("append milestone", "worker", w.ID, "error", err)
	}
	e.bus.Publish(events.Event{
		WorkerID:   w.ID,
		Type:       events.TypeCheckpoint,
		Checkpoint: &events.Checkpoint{CheckpointID: id, FileCount: len(files)},
	})
}

// outcome is the terminal report a session writes back.
type outcome struct {
	success    bool
	summary    string
	errMsg     string
	structured json.RawMessage
	costUSD    float64
	turns      int
	denials    int

	stopReason string
	durationMS int64
	tokens     map[string]worker.TokenCount

	branch       string
	commitCount  int
	filesChanged int
	linesAdded   int
	linesRemoved int
}

func outcomeFromResult(res *executor.Result, cost float64, turns int) outcome {
	tokens := make(map[string]worker.TokenCount, len(res.TokenUsage))
	for model, tc := range res.TokenUsage {
		tokens[model] = worker.TokenCount{Input: tc.Input, Output: tc.Output}
	}
	return outcome{
		success:      res.Success,
		errMsg:       res.Error,
		structured:   res.StructuredOutput,
		costUSD:      cost,
		turns:        turns,
		stopReason:   res.StopReason,
		durationMS:   res.DurationMS,
		tokens:       tokens,
		branch:       res.Branch,
		commitCount:  res.CommitCount,
		filesChanged: res.FilesChanged,
		linesAdded:   res.LinesAdded,
		linesRemoved: res.LinesRemoved,
	}
}

// finish is the session-side wrapper around finalize, used when the run
// loop itself reaches a terminal condition.
func (s *Session) finish(w *worker.Worker, t *task.Task, out outcome) {
	out.denials = s.denialCount()
	if s.startedAt != (time.Time{}) && out.durationMS == 0 {
		out.durationMS = s.engine.now().Sub(s.startedAt).Milliseconds()
	}
	if err := s.engine.finalize(w, out); err != nil {
		s.engine.logger.Error("finalize worker", "worker", w.ID, "task", t.ID, "error", err)
	}
}

// finalize writes the terminal state everywhere it must land: the worker
// record, the task result snapshot, account usage counters, and the event
// log. It then removes the session and runs dependency propagation.
func (e *Engine) finalize(w *worker.Worker, out outcome) error {
	target := worker.StatusError
	taskStatus := task.StatusFailed
	if out.success {
		target = worker.StatusCompleted
		taskStatus = task.StatusCompleted
	}

	err := e.workers.SetStatus(w.ID, target,
		worker.StatusRunning, worker.StatusWaitingInput, worker.StatusStarting, worker.StatusStale, worker.StatusPaused)
	if errors.Is(err, worker.ErrWrongStatus) {
		e.registry.Remove(w.ID)
		return conflictf("worker %s already terminal", w.ID)
	}
	if err != nil {
		return fmt.Errorf("terminal transition: %w", err)
	}

	fresh, gerr := e.workers.Get(w.ID)
	if gerr == nil {
		w = fresh
	}
	w.Status = target
	if out.costUSD > 0 {
		w.CostUSD = out.costUSD
	}
	if out.turns > 0 {
		w.Turns = out.turns
	}
	w.Error = out.errMsg
	w.WaitingFor = nil
	if out.branch != "" {
		w.Branch = out.branch
	}
	w.ResultMeta = &worker.ResultMeta{
		StopReason:        out.stopReason,
		DurationMS:        out.durationMS,
		TokenUsage:        out.tokens,
		PermissionDenials: out.denials,
	}
	if err := e.workers.Update(w); err != nil {
		return fmt.Errorf("persist terminal worker: %w", err)
	}

	t, terr := e.tasks.Get(w.TaskID)
	res := &task.Result{
		Status:       taskStatus,
		Summary:      e.redact(out.summary),
		Error:        out.errMsg,
		Branch:       w.Branch,
		CommitCount:  out.commitCount,
		PRURL:        w.PRURL,
		PRNumber:     w.PRNumber,
		FilesChanged: out.filesChanged,
		LinesAdded:   out.linesAdded,
		LinesRemoved: out.linesRemoved,
	}
	// Structured output is kept only when the task declared a schema.
	if terr == nil && len(t.OutputSchema) > 0 {
		res.StructuredOutput = out.structured
	}
	if err := e.tasks.WriteResult(w.TaskID, res); err != nil {
		e.logger.Error("write task result", "task", w.TaskID, "error", err)
	}

	if w.AccountID != "" && e.accounts != nil {
		if acct, err := e.accounts.Get(w.AccountID); err == nil {
			switch acct.Billing {
			case account.BillingPayPerUse:
				if err := e.accounts.AddCost(w.AccountID, w.CostUSD); err != nil {
					e.logger.Warn("accrue cost", "account", w.AccountID, "error", err)
				}
			case account.BillingSubscription:
				if err := e.accounts.DecrementActive(w.AccountID); err != nil {
					e.logger.Warn("decrement active sessions", "account", w.AccountID, "error", err)
				}
			}
		}
	}

	e.publishStatus(w.ID, target)
	if out.success {
		e.bus.Publish(events.Event{
			WorkerID:  w.ID,
			Type:      events.TypeCompleted,
			Completed: &events.Completed{Summary: e.redact(out.summary)},
		})
	} else {
		e.bus.Publish(events.Event{WorkerID: w.ID, Type: events.TypeError, Error: out.errMsg})
	}
	e.bus.Publish(events.Event{WorkerID: w.ID, Type: events.TypeCost, Cost: &events.Cost{CostUSD: w.CostUSD}})

	e.registry.Remove(w.ID)
	e.onTaskTerminal(w.TaskID)
	return nil
}

// failWorker marks a worker error with a message when its session never
// came up, failing the bound task as well.
func (e *Engine) failWorker(w *worker.Worker, msg string) {
	err := e.workers.SetStatus(w.ID, worker.StatusError,
		worker.StatusStarting, worker.StatusIdle, worker.StatusRunning)
	if err != nil {
		e.logger.Error("fail worker", "worker", w.ID, "error", err)
		return
	}
	w.Status = worker.StatusError
	w.Error = msg
	if err := e.workers.Update(w); err != nil {
		e.logger.Error("persist failed worker", "worker", w.ID, "error", err)
	}
	e.publishStatus(w.ID, worker.StatusError)
	e.bus.Publish(events.Event{WorkerID: w.ID, Type: events.TypeError, Error: msg})
	if err := e.tasks.WriteResult(w.TaskID, &task.Result{Status: task.StatusFailed, Error: msg}); err != nil {
		e.logger.Error("write task result", "task", w.TaskID, "error", err)
	}
	e.registry.Remove(w.ID)
	e.onTaskTerminal(w.TaskID)
}
