// Package events provides the per-worker lifecycle event log and fan-out bus.
package events

import "time"

// Type identifies the kind of worker event.
type Type string

const (
	TypeStatus       Type = "status"
	TypeProgress     Type = "progress"
	TypeCheckpoint   Type = "checkpoint"
	TypeNotification Type = "notification"
	TypeCompleted    Type = "completed"
	TypeError        Type = "error"
	TypeCost         Type = "cost"
)

// Event is one entry in a worker's ordered event log. Seq is monotonic per
// worker; exactly one of the tagged payload fields is set, matching Type.
type Event struct {
	WorkerID string    `json:"worker_id"`
	Seq      int64     `json:"seq"`
	Type     Type      `json:"type"`
	At       time.Time `json:"at"`

	Status       string        `json:"status,omitempty"`
	Progress     *Progress     `json:"progress,omitempty"`
	Checkpoint   *Checkpoint   `json:"checkpoint,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Completed    *Completed    `json:"completed,omitempty"`
	Error        string        `json:"error,omitempty"`
	Cost         *Cost         `json:"cost,omitempty"`
}

// Progress reports incremental work.
type Progress struct {
	Message string `json:"message,omitempty"`
	Turns   int    `json:"turns"`
}

// Checkpoint announces a new restorable snapshot.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	FileCount    int    `json:"file_count"`
}

// Notification carries out-of-band information such as policy denials or
// children-completed rollups.
type Notification struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Completed reports a terminal success.
type Completed struct {
	Summary string `json:"summary,omitempty"`
}

// Cost reports accumulated spend.
type Cost struct {
	CostUSD float64 `json:"cost_usd"`
}
