// Package cli runs an agent as a long-lived subprocess speaking
// newline-delimited JSON. Lifecycle messages arrive on stdout, one JSON
// object per line; injected input and tool decisions go to stdin the same
// way. The subprocess gets its own process group so Close can take down the
// whole tree.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/GoCodeAlone/foreman/executor"
)

// Config describes how to launch the agent subprocess.
type Config struct {
	// Command is the agent binary, e.g. "claude".
	Command string
	// Args are passed before the prompt flag.
	Args []string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// Executor launches agent subprocesses.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a subprocess executor.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("cli: command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger}, nil
}

// Name returns the substrate identifier.
func (e *Executor) Name() string { return "cli" }

// Start launches the subprocess and begins decoding its stdout.
func (e *Executor) Start(ctx context.Context, prompt string) (executor.Stream, error) {
	args := append(append([]string(nil), e.cfg.Args...), "--output-format", "stream-json", "-p", prompt)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.WorkDir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.cfg.Env...)
	}
	// Own process group, so killing the leader reaps the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cli: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cli: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("cli: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cli: start %s: %w", e.cfg.Command, err)
	}

	s := &stream{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		msgs:   make(chan executor.Message, 64),
		logger: e.logger.With(slog.Int("pid", cmd.Process.Pid)),
	}
	go s.drainStderr(stderr)
	go s.decode(stdout)
	return s, nil
}

// wireMessage is one stdout line from the subprocess.
type wireMessage struct {
	Type    string  `json:"type"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Text    string  `json:"text,omitempty"`

	Tool *struct {
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"tool,omitempty"`

	Checkpoint *struct {
		ID    string `json:"id"`
		Files []struct {
			Path    string `json:"path"`
			Prior   []byte `json:"prior,omitempty"`
			Existed bool   `json:"existed"`
		} `json:"files"`
	} `json:"checkpoint,omitempty"`

	Result *wireResult `json:"result,omitempty"`
}

type wireResult struct {
	Success          bool                           `json:"success"`
	Error            string                         `json:"error,omitempty"`
	StopReason       string                         `json:"stop_reason,omitempty"`
	CostUSD          float64                        `json:"cost_usd"`
	StructuredOutput json.RawMessage                `json:"structured_output,omitempty"`
	TokenUsage       map[string]executor.TokenCount `json:"token_usage,omitempty"`
	Branch           string                         `json:"branch,omitempty"`
	CommitCount      int                            `json:"commit_count,omitempty"`
	FilesChanged     int                            `json:"files_changed,omitempty"`
	LinesAdded       int                            `json:"lines_added,omitempty"`
	LinesRemoved     int                            `json:"lines_removed,omitempty"`
	DurationMS       int64                          `json:"duration_ms,omitempty"`
}

// wireInput is one stdin line to the subprocess.
type wireInput struct {
	Type   string `json:"type"` // "user" or "tool_result"
	Text   string `json:"text,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Allow  bool   `json:"allow,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type stream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	msgs   chan executor.Message

	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

func (s *stream) Messages() <-chan executor.Message { return s.msgs }

func (s *stream) Send(ctx context.Context, text string) error {
	return s.write(ctx, wireInput{Type: "user", Text: text})
}

func (s *stream) ResolveTool(ctx context.Context, toolID string, allow bool, reason string) error {
	return s.write(ctx, wireInput{Type: "tool_result", ToolID: toolID, Allow: allow, Reason: reason})
}

func (s *stream) write(ctx context.Context, in wireInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("cli: stream closed")
	}
	if err := s.enc.Encode(in); err != nil {
		return fmt.Errorf("cli: write %s: %w", in.Type, err)
	}
	return nil
}

// Close kills the subprocess group and reaps it. Safe to call repeatedly.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()
	if s.cmd.Process != nil {
		// Negative pid targets the whole process group.
		if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			s.logger.Warn("kill process group failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// decode reads stdout line by line, translating wire messages to lifecycle
// messages. The channel closes when stdout does, whether or not a result
// arrived; a missing result means the execution died.
func (s *stream) decode(stdout io.Reader) {
	defer close(s.msgs)
	defer func() {
		// Drained stdout means the process is exiting; reap it.
		if err := s.cmd.Wait(); err != nil {
			s.logger.Debug("subprocess exited", slog.String("error", err.Error()))
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal(line, &wm); err != nil {
			s.logger.Warn("unparseable subprocess line", slog.String("error", err.Error()))
			continue
		}
		msg, ok := translate(wm)
		if !ok {
			s.logger.Debug("ignoring unknown message type", slog.String("type", wm.Type))
			continue
		}
		s.msgs <- msg
		if msg.Type == executor.MessageResult {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("subprocess stdout read failed", slog.String("error", err.Error()))
	}
}

func (s *stream) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("subprocess stderr", slog.String("line", scanner.Text()))
	}
}

func translate(wm wireMessage) (executor.Message, bool) {
	msg := executor.Message{CostUSD: wm.CostUSD}
	switch wm.Type {
	case "text":
		msg.Type = executor.MessageText
		msg.Text = wm.Text
	case "tool_use":
		if wm.Tool == nil {
			return executor.Message{}, false
		}
		msg.Type = executor.MessageToolUse
		msg.Tool = &executor.ToolUse{ID: wm.Tool.ID, Name: wm.Tool.Name, Input: wm.Tool.Input}
	case "checkpoint":
		if wm.Checkpoint == nil {
			return executor.Message{}, false
		}
		files := make([]executor.FileChange, 0, len(wm.Checkpoint.Files))
		for _, f := range wm.Checkpoint.Files {
			files = append(files, executor.FileChange{Path: f.Path, Prior: f.Prior, Existed: f.Existed})
		}
		msg.Type = executor.MessageCheckpoint
		msg.Checkpoint = &executor.CheckpointNote{ID: wm.Checkpoint.ID, Files: files}
	case "result":
		if wm.Result == nil {
			return executor.Message{}, false
		}
		r := wm.Result
		msg.Type = executor.MessageResult
		msg.Result = &executor.Result{
			Success:          r.Success,
			Error:            r.Error,
			StopReason:       r.StopReason,
			CostUSD:          r.CostUSD,
			StructuredOutput: r.StructuredOutput,
			TokenUsage:       r.TokenUsage,
			Branch:           r.Branch,
			CommitCount:      r.CommitCount,
			FilesChanged:     r.FilesChanged,
			LinesAdded:       r.LinesAdded,
			LinesRemoved:     r.LinesRemoved,
			DurationMS:       r.DurationMS,
		}
	default:
		return executor.Message{}, false
	}
	return msg, true
}
