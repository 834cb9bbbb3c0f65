package openswe

import (
	"fmt"
	"strings"
	"time"
)

// ErrValidation reports missing or malformed required state (issue id, target
// repository, plan indices). Fatal to the run; surfaced to the user.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ErrExternal reports a non-recoverable failure from an external collaborator
// (source control, sandbox provider, code host) after retries were exhausted.
type ErrExternal struct {
	System  string // "github", "sandbox", "git"
	Op      string
	Err     error
}

func (e *ErrExternal) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.System, e.Op, e.Err)
}

func (e *ErrExternal) Unwrap() error { return e.Err }

// ErrToolExecution reports a tool executor failure. It is propagated back to
// the model as a tool message so the loop can recover autonomously; it never
// terminates a run by itself.
type ErrToolExecution struct {
	Tool    string
	Message string
}

func (e *ErrToolExecution) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// ErrSafetyBlock reports a tool call removed by the command-safety evaluator
// or a declined human approval. The blocked call is dropped and noted; the
// remaining calls proceed.
type ErrSafetyBlock struct {
	Tool   string
	Reason string
}

func (e *ErrSafetyBlock) Error() string {
	return fmt.Sprintf("safety: %s blocked: %s", e.Tool, e.Reason)
}

// ErrBudgetExhausted reports that a run hit a hard limit: the recursion
// limit, the token budget, or the model fallback chain. Fatal to the run.
type ErrBudgetExhausted struct {
	Budget    string   // "recursion", "tokens", "fallback-chain"
	Attempted []string // model keys tried, for fallback-chain exhaustion
}

func (e *ErrBudgetExhausted) Error() string {
	if len(e.Attempted) > 0 {
		return fmt.Sprintf("%s budget exhausted (attempted: %s)", e.Budget, strings.Join(e.Attempted, ", "))
	}
	return e.Budget + " budget exhausted"
}

// ErrLLM reports a model provider failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports an HTTP-level failure with enough detail for retry
// middleware to classify it (429/503 are transient; 401 triggers a token
// refresh on source-control calls).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
