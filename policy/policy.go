// Package policy implements the synchronous security gate evaluated before
// every tool an agent attempts to run. Decisions are pure: the hook never
// mutates state, and denial is never fatal to the session.
package policy

import (
	"fmt"
	"regexp"
)

// Decision is the outcome of evaluating one tool invocation.
type Decision struct {
	Allow  bool
	Reason string // set when denied
}

func allow() Decision { return Decision{Allow: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Tool families the hook inspects. Anything else passes through untouched;
// the gate exists to bound shell side effects and sensitive writes.
var (
	shellTools = map[string]bool{
		"bash": true, "shell": true, "shell_exec": true, "run_command": true, "exec": true,
	}
	fileWriteTools = map[string]bool{
		"file_write": true, "write": true, "write_file": true, "edit": true, "create_file": true,
	}
)

// Built-in dangerous command shapes. These deny in every workspace; no
// allowlist overrides them.
var defaultDangerous = []*regexp.Regexp{
	// recursive force-delete of root-like paths
	regexp.MustCompile(`rm\s+(-\w+\s+)*-\w*[rf]\w*\s+(-\w+\s+)*("?/"?\s*$|/\s|/\*|~|\$HOME)`),
	// privilege escalation
	regexp.MustCompile(`(^|[;&|]\s*|\s)(sudo|doas)\s`),
	regexp.MustCompile(`(^|[;&|]\s*|\s)su\s+(-|root)`),
	// piping a remote script into a shell
	regexp.MustCompile(`(curl|wget)[^|;&]*\|\s*(sudo\s+)?\w*sh\b`),
	// fork bomb
	regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`),
	// rewriting a raw block device
	regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/(sd|nvme|vd|hd)`),
	// recursive world-writable root
	regexp.MustCompile(`chmod\s+(-\w+\s+)*-?R?\s*777\s+/\s*$`),
}

// Built-in sensitive write targets, denied regardless of workspace trust.
var defaultSensitive = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.ssh(/|$)`),
	regexp.MustCompile(`(^|/)id_(rsa|ed25519|ecdsa|dsa)(\.pub)?$`),
	regexp.MustCompile(`(^|/)\.aws/credentials`),
	regexp.MustCompile(`(^|/)\.(env|envrc)(\.\w+)?$`),
	regexp.MustCompile(`(^|/)\.(bashrc|zshrc|profile|bash_profile|zprofile)$`),
	regexp.MustCompile(`(^|/)\.git/`),
	regexp.MustCompile(`(^|/)\.(netrc|npmrc|pypirc)$`),
	regexp.MustCompile(`(^|/)\.(docker|kube)/config`),
}

// Hook evaluates tool invocations against the security policy.
type Hook struct {
	dangerous []*regexp.Regexp
	sensitive []*regexp.Regexp
}

// Config adds deployment-specific patterns on top of the built-ins.
// Built-ins cannot be removed.
type Config struct {
	DangerousCommands []string
	SensitivePaths    []string
}

// New compiles the hook. Invalid extra patterns are an error: a policy that
// silently drops a pattern is worse than one that refuses to start.
func New(cfg Config) (*Hook, error) {
	h := &Hook{
		dangerous: append([]*regexp.Regexp(nil), defaultDangerous...),
		sensitive: append([]*regexp.Regexp(nil), defaultSensitive...),
	}
	for _, p := range cfg.DangerousCommands {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: dangerous pattern %q: %w", p, err)
		}
		h.dangerous = append(h.dangerous, re)
	}
	for _, p := range cfg.SensitivePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: sensitive pattern %q: %w", p, err)
		}
		h.sensitive = append(h.sensitive, re)
	}
	return h, nil
}

// Evaluate decides whether the named tool may run with the given input.
// Shell-family tools are matched against dangerous command patterns,
// file-write tools against sensitive path patterns. Inputs the hook cannot
// interpret fail closed.
func (h *Hook) Evaluate(toolName string, input map[string]any) Decision {
	switch {
	case shellTools[toolName]:
		cmd, ok := stringField(input, "command", "cmd", "script")
		if !ok {
			return deny("shell tool %s: command is not a string", toolName)
		}
		for _, re := range h.dangerous {
			if re.MatchString(cmd) {
				return deny("command matches dangerous pattern %s", re.String())
			}
		}
		return allow()

	case fileWriteTools[toolName]:
		path, ok := stringField(input, "path", "file_path", "filename")
		if !ok {
			return deny("write tool %s: path is not a string", toolName)
		}
		for _, re := range h.sensitive {
			if re.MatchString(path) {
				return deny("path %s matches sensitive pattern %s", path, re.String())
			}
		}
		return allow()
	}
	return allow()
}

// stringField returns the first of the named keys that holds a non-empty
// string. A present-but-wrong-typed value is treated as absent, which
// surfaces as a deny in Evaluate.
func stringField(input map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, present := input[k]; present {
			s, ok := v.(string)
			if !ok || s == "" {
				return "", false
			}
			return s, true
		}
	}
	return "", false
}
