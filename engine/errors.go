package engine

import "fmt"

// ValidationError reports a bad request that caused no state change.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a stale precondition: the claim or status transition
// the caller assumed no longer holds, and the caller must treat its worker
// as superseded. Retrying is safe; the failed call changed nothing.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

func conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// PolicyDeniedError reports a tool blocked by the security policy. Denials
// are non-fatal: the agent receives a permission-denied tool result and the
// session keeps running, with the denial counted for audit.
type PolicyDeniedError struct {
	Tool   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied %s: %s", e.Tool, e.Reason)
}

// BudgetExceededError reports a forced cancellation: accumulated cost
// crossed the configured ceiling, the worker goes to error and the task
// fails.
type BudgetExceededError struct {
	CostUSD    float64
	CeilingUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: $%.4f spent against a $%.2f ceiling", e.CostUSD, e.CeilingUSD)
}

// SubstrateError reports an execution backend failure, with the backend's
// message captured verbatim.
type SubstrateError struct {
	Msg string
}

func (e *SubstrateError) Error() string { return "substrate: " + e.Msg }

// StaleTimeoutError reports a worker that stopped making progress within
// the configured threshold. The worker is stale, not dead: takeover or
// retry can still recover the task.
type StaleTimeoutError struct {
	WorkerID string
}

func (e *StaleTimeoutError) Error() string {
	return fmt.Sprintf("worker %s stale: no progress within threshold", e.WorkerID)
}
