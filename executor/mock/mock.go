// Package mock provides a hand-driven execution substrate for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/foreman/executor"
)

// Executor implements executor.Executor for tests. Streams are driven
// manually: tests emit lifecycle messages and inspect what the engine sent
// back.
type Executor struct {
	mu       sync.Mutex
	script   []executor.Message
	failures int // Start errors remaining before success
	streams  []*Stream
	startCnt int
}

// New creates a mock executor. Any scripted messages are emitted as soon as
// a stream starts; tests that need finer control pass none and use Emit.
func New(script ...executor.Message) *Executor {
	return &Executor{script: script}
}

// FailStarts makes the next n Start calls fail, for exercising retry paths.
func (e *Executor) FailStarts(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}

// StartCount reports how many times Start was invoked.
func (e *Executor) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCnt
}

// LastStream returns the most recently started stream.
func (e *Executor) LastStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

// Name returns the substrate identifier.
func (e *Executor) Name() string { return "mock" }

// Start begins a manually driven execution.
func (e *Executor) Start(_ context.Context, prompt string) (executor.Stream, error) {
	e.mu.Lock()
	e.startCnt++
	if e.failures > 0 {
		e.failures--
		e.mu.Unlock()
		return nil, fmt.Errorf("mock: scripted start failure")
	}
	s := &Stream{
		Prompt:      prompt,
		msgs:        make(chan executor.Message, 64),
		Resolutions: make(map[string]Resolution),
	}
	e.streams = append(e.streams, s)
	script := e.script
	e.mu.Unlock()

	for _, m := range script {
		s.Emit(m)
	}
	return s, nil
}

// Resolution records one ResolveTool call.
type Resolution struct {
	Allow  bool
	Reason string
}

// Stream is a manually driven execution stream.
type Stream struct {
	Prompt string

	mu          sync.Mutex
	msgs        chan executor.Message
	closed      bool
	Sent        []string
	Resolutions map[string]Resolution
}

// Emit delivers a lifecycle message to the consumer. Emitting a result
// message closes the stream, matching real substrate behavior.
func (s *Stream) Emit(m executor.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.msgs <- m
	if m.Type == executor.MessageResult {
		s.closed = true
		close(s.msgs)
	}
	s.mu.Unlock()
}

// Die closes the stream without a result, simulating a vanished execution.
func (s *Stream) Die() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
}

// Messages returns the lifecycle message channel.
func (s *Stream) Messages() <-chan executor.Message { return s.msgs }

// Send records an injected message.
func (s *Stream) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, text)
	return nil
}

// ResolveTool records the engine's decision for a tool request.
func (s *Stream) ResolveTool(_ context.Context, toolID string, allow bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resolutions[toolID] = Resolution{Allow: allow, Reason: reason}
	return nil
}

// Close tears the stream down; safe to repeat.
func (s *Stream) Close() error {
	s.Die()
	return nil
}

// SentMessages returns a copy of everything injected via Send.
func (s *Stream) SentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Sent...)
}

// Resolution returns the recorded decision for a tool id.
func (s *Stream) Resolution(toolID string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Resolutions[toolID]
	return r, ok
}
