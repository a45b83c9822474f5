// Package task defines the task model and persistence for agent work items.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OutputRequirement declares what a completed task must produce.
type OutputRequirement string

const (
	OutputNone     OutputRequirement = "none"
	OutputPR       OutputRequirement = "pr_required"
	OutputArtifact OutputRequirement = "artifact_required"
	OutputAuto     OutputRequirement = "auto"
)

// Task is a unit of work for an agent worker.
type Task struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Status       Status            `json:"status"`
	Priority     int               `json:"priority"`
	WorkspaceID  string            `json:"workspace_id"`
	BlockedBy    []string          `json:"blocked_by,omitempty"` // task IDs that must finish first
	ParentID     string            `json:"parent_id,omitempty"`  // for fan-out sub-tasks
	Output       OutputRequirement `json:"output"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"` // JSON Schema for structured output
	Result       *Result           `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Result is the snapshot a worker writes back on terminal transition.
type Result struct {
	Status           Status          `json:"status"` // completed or failed
	Summary          string          `json:"summary,omitempty"`
	Error            string          `json:"error,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Branch           string          `json:"branch,omitempty"`
	CommitCount      int             `json:"commit_count,omitempty"`
	PRURL            string          `json:"pr_url,omitempty"`
	PRNumber         int             `json:"pr_number,omitempty"`
	FilesChanged     int             `json:"files_changed,omitempty"`
	LinesAdded       int             `json:"lines_added,omitempty"`
	LinesRemoved     int             `json:"lines_removed,omitempty"`
}

// ChildResult pairs a child task with its terminal result for parent rollup.
type ChildResult struct {
	TaskID string  `json:"task_id"`
	Title  string  `json:"title"`
	Status Status  `json:"status"`
	Result *Result `json:"result,omitempty"`
}

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// List returns tasks matching the given filter, ordered by
	// priority descending then creation time ascending.
	List(filter Filter) ([]*Task, error)

	// Claim conditionally transitions a task from pending to assigned.
	// Returns ErrNotPending if the task is no longer pending, so
	// concurrent claimers never double-claim.
	Claim(id string) error

	// SetStatus conditionally transitions from one status to another.
	// Returns ErrWrongStatus if the task is not in the expected status.
	SetStatus(id string, from, to Status) error

	// WriteResult records the terminal result snapshot, transitioning
	// from assigned or running to the result's terminal status.
	WriteResult(id string, res *Result) error

	// MarkChildrenNotified flips the one-shot children-completed flag.
	// Returns true exactly once per parent task.
	MarkChildrenNotified(id string) (bool, error)
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status      *Status `json:"status,omitempty"`
	WorkspaceID string  `json:"workspace_id,omitempty"`
	ParentID    string  `json:"parent_id,omitempty"`
	Limit       int     `json:"limit,omitempty"`
}
