// Package worker defines the worker model, its persistence, and
// checkpoint rollback. A worker is one execution of an agent bound to
// exactly one task.
package worker

import (
	"time"
)

// Status represents the lifecycle state of a worker session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusPaused       Status = "paused" // explicit cancellation, not failure
	StatusStale        Status = "stale"  // no progress within the configured timeout
	StatusError        Status = "error"
	StatusCompleted    Status = "completed"
)

// Terminal reports whether the status is final. Terminal workers are only
// superseded by an explicit retry or takeover.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCompleted
}

// WaitKind identifies why a worker entered waiting_input.
type WaitKind string

const (
	WaitQuestion     WaitKind = "question"
	WaitPlanApproval WaitKind = "plan_approval"
)

// WaitingFor records what a waiting_input worker is blocked on.
type WaitingFor struct {
	Kind      WaitKind  `json:"kind"`
	Prompt    string    `json:"prompt"`
	Options   []string  `json:"options,omitempty"`
	EnteredAt time.Time `json:"entered_at"`
}

// TokenCount is per-model token usage.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ResultMeta captures execution metadata recorded on terminal transition.
type ResultMeta struct {
	StopReason        string                `json:"stop_reason,omitempty"`
	DurationMS        int64                 `json:"duration_ms,omitempty"`
	TokenUsage        map[string]TokenCount `json:"token_usage,omitempty"`
	PermissionDenials int                   `json:"permission_denials,omitempty"`
}

// Worker is one cancellable agent execution bound 1:1 to a task.
type Worker struct {
	ID             string      `json:"id"`
	TaskID         string      `json:"task_id"`
	WorkspaceID    string      `json:"workspace_id"`
	AccountID      string      `json:"account_id,omitempty"`
	Branch         string      `json:"branch,omitempty"`
	Status         Status      `json:"status"`
	WaitingFor     *WaitingFor `json:"waiting_for,omitempty"`
	CostUSD        float64     `json:"cost_usd"`
	Turns          int         `json:"turns"`
	PRURL          string      `json:"pr_url,omitempty"`
	PRNumber       int         `json:"pr_number,omitempty"`
	ResultMeta     *ResultMeta `json:"result_meta,omitempty"`
	Error          string      `json:"error,omitempty"`
	LastProgressAt time.Time   `json:"last_progress_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// FileSnapshot records one file's content before a modifying step.
type FileSnapshot struct {
	Path    string `json:"path"`
	Prior   []byte `json:"prior,omitempty"`
	Existed bool   `json:"existed"`
}

// Checkpoint is a restorable snapshot of the files one step touched.
type Checkpoint struct {
	ID        string         `json:"id"` // uuid
	WorkerID  string         `json:"worker_id"`
	Files     []FileSnapshot `json:"files"`
	CreatedAt time.Time      `json:"created_at"`
}

// Milestone is an append-only timeline entry for a worker.
type Milestone struct {
	WorkerID string            `json:"worker_id"`
	Seq      int64             `json:"seq"`
	Kind     string            `json:"kind"`
	Label    string            `json:"label"`
	Meta     map[string]string `json:"meta,omitempty"`
	At       time.Time         `json:"at"`
}

// PRRecord deduplicates pull request creation per (worker, head branch).
type PRRecord struct {
	WorkerID  string    `json:"worker_id"`
	Head      string    `json:"head"`
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists workers, checkpoints, milestones, and PR records.
type Store interface {
	Create(w *Worker) error
	Get(id string) (*Worker, error)
	Update(w *Worker) error

	// List returns workers matching the filter.
	List(filter Filter) ([]*Worker, error)

	// SetStatus conditionally transitions a worker from any of the
	// given statuses to the target. Returns ErrWrongStatus when the
	// worker is in none of them, so concurrent transitions cannot race.
	SetStatus(id string, to Status, from ...Status) error

	// RecordProgress persists cost, turns, and progress time without
	// touching status or waiting_for.
	RecordProgress(id string, costUSD float64, turns int, at time.Time) error

	// Touch records progress at the given time.
	Touch(id string, at time.Time) error

	AppendCheckpoint(cp *Checkpoint) error
	ListCheckpoints(workerID string) ([]*Checkpoint, error)

	// AppendMilestone assigns the next per-worker sequence number.
	AppendMilestone(m *Milestone) error
	ListMilestones(workerID string) ([]*Milestone, error)

	// RecordPR stores a PR record unless one already exists for the
	// (worker, head) pair; the stored record is returned either way.
	RecordPR(rec *PRRecord) (*PRRecord, error)
	GetPR(workerID, head string) (*PRRecord, error)
}

// Filter controls which workers List returns.
type Filter struct {
	Status      *Status `json:"status,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
	WorkspaceID string  `json:"workspace_id,omitempty"`
}
