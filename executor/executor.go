// Package executor defines the execution substrate boundary. The engine
// treats the agent as an opaque executor that emits lifecycle messages and
// accepts injected input; everything about its reasoning lives behind this
// interface.
package executor

import (
	"context"
	"encoding/json"
)

// MessageType identifies the kind of lifecycle message.
type MessageType string

const (
	MessageText       MessageType = "text"       // assistant output, one turn
	MessageToolUse    MessageType = "tool_use"   // the agent wants to run a tool
	MessageCheckpoint MessageType = "checkpoint" // a file-modifying step completed
	MessageResult     MessageType = "result"     // terminal result, closes the stream
)

// Message is one entry in the execution lifecycle stream. Exactly one of
// the payload fields matching Type is set. CostUSD is the incremental spend
// attributable to this message, so budget checks can run eagerly.
type Message struct {
	Type       MessageType
	CostUSD    float64
	Text       string
	Tool       *ToolUse
	Checkpoint *CheckpointNote
	Result     *Result
}

// ToolUse is the agent's request to invoke a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// CheckpointNote reports the files a step touched, with prior content.
type CheckpointNote struct {
	ID    string
	Files []FileChange
}

// FileChange is one file's pre-modification state.
type FileChange struct {
	Path    string
	Prior   []byte
	Existed bool
}

// TokenCount is per-model token usage.
type TokenCount struct {
	Input  int
	Output int
}

// Result is the terminal report of an execution.
type Result struct {
	Success          bool
	Error            string // captured verbatim on failure
	StopReason       string
	CostUSD          float64 // final total; supersedes incremental sums
	StructuredOutput json.RawMessage
	TokenUsage       map[string]TokenCount
	Branch           string
	CommitCount      int
	FilesChanged     int
	LinesAdded       int
	LinesRemoved     int
	DurationMS       int64
}

// Stream is one live execution. Messages closes after a Result message or
// when the execution dies.
type Stream interface {
	// Messages returns the lifecycle message channel.
	Messages() <-chan Message

	// Send injects a user message, resuming an agent that asked a question
	// or delivering operator instructions.
	Send(ctx context.Context, text string) error

	// ResolveTool answers a MessageToolUse. Denied tools surface to the
	// agent as a permission-denied tool result; execution continues.
	ResolveTool(ctx context.Context, toolID string, allow bool, reason string) error

	// Close tears the execution down. Safe to call more than once.
	Close() error
}

// Executor launches agent executions.
type Executor interface {
	// Name returns the substrate identifier (e.g., "cli", "mock").
	Name() string

	// Start begins an execution with the given prompt. Cancelling ctx
	// aborts the execution cooperatively.
	Start(ctx context.Context, prompt string) (Stream, error)
}
