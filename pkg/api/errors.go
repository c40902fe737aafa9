package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAgentNotFound is returned when an agent reference cannot be
	// resolved, neither by exact name nor by name@version lookup.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrExecutionDeadlock is returned by the graph driver when no node is
	// runnable, none has failed, and incomplete nodes remain. This always
	// indicates a dependency cycle in the flow.
	ErrExecutionDeadlock = errors.New("execution deadlock: unresolvable dependencies remain")
)

// Coded is implemented by errors that carry a stable machine-readable code.
// Retry policies use these codes for their RetryOn allow-lists.
type Coded interface {
	Code() string
}

// ErrorCode returns the stable code of err, walking the wrap chain.
// Errors without a code yield "".
func ErrorCode(err error) string {
	for err != nil {
		if c, ok := err.(Coded); ok {
			return c.Code()
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// CodedError attaches a stable code to an arbitrary error. Agents can use it
// to mark failures as retryable under a RetryPolicy's RetryOn list.
type CodedError struct {
	ErrCode string
	Err     error
}

// NewCodedError wraps err with the given code.
func NewCodedError(code string, err error) *CodedError {
	return &CodedError{ErrCode: code, Err: err}
}

func (e *CodedError) Error() string { return e.ErrCode + ": " + e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }
func (e *CodedError) Code() string  { return e.ErrCode }

// AgentConfigError indicates an agent reference that resolved to something
// unusable (for example a versioned lookup with a malformed reference).
type AgentConfigError struct {
	Agent  string
	Reason string
}

func (e *AgentConfigError) Error() string {
	return fmt.Sprintf("agent %q misconfigured: %s", e.Agent, e.Reason)
}

func (e *AgentConfigError) Code() string { return "agent_config" }

// AgentExecutionError wraps a failure returned by an agent's Execute call.
type AgentExecutionError struct {
	Agent string
	Err   error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %q failed: %v", e.Agent, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// Code surfaces the wrapped error's code when it has one, so retry
// allow-lists see the agent's own code rather than the wrapper's.
func (e *AgentExecutionError) Code() string {
	if c := ErrorCode(e.Err); c != "" {
		return c
	}
	return "agent_execution"
}

// EnsembleExecutionError wraps a step failure with enough context to diagnose
// the run without a stack trace. The sequential driver returns it when a step
// fails and the remaining flow is aborted.
type EnsembleExecutionError struct {
	Ensemble string
	Step     string
	Err      error
}

func (e *EnsembleExecutionError) Error() string {
	return fmt.Sprintf("ensemble %q: step %q failed: %v", e.Ensemble, e.Step, e.Err)
}

func (e *EnsembleExecutionError) Unwrap() error { return e.Err }

// NodeExecutionError wraps a graph node failure. Further frontier advancement
// stops, but already-running sibling nodes are not cancelled.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a step's timeout elapses before the agent
// settles. The underlying agent work is not cancelled and may continue
// running orphaned; see the Timeout documentation on Step.
type TimeoutError struct {
	Step  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.After)
}

func (e *TimeoutError) Code() string { return "timeout" }

// MaxIterationsError is returned when a while loop exceeds its iteration
// bound. It is always fatal, never a silent stop.
type MaxIterationsError struct {
	Step  string
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("step %q exceeded max iterations (%d)", e.Step, e.Limit)
}

// suspendRequest is returned by agents that want to park the run until it is
// resumed externally (for example a human-approval gate).
type suspendRequest struct {
	Reason string
}

func (e *suspendRequest) Error() string {
	return "execution suspended: " + e.Reason
}

// Suspend returns an error that instructs the sequential driver to snapshot
// the run and stop. The driver converts it into a *SuspendedError carrying
// the snapshot needed to resume later.
func Suspend(reason string) error {
	return &suspendRequest{Reason: reason}
}

// IsSuspendRequest reports whether err is an agent-side suspension request,
// returning the reason when it is.
func IsSuspendRequest(err error) (string, bool) {
	var s *suspendRequest
	if errors.As(err, &s) {
		return s.Reason, true
	}
	return "", false
}

// SuspendedError is returned by Execute when a run suspends instead of
// completing. It carries the snapshot required by Resume.
type SuspendedError struct {
	Reason string
	State  *SuspendedState
}

func (e *SuspendedError) Error() string {
	return "execution suspended: " + e.Reason
}

// SuspendedStateFrom extracts the resume snapshot from an Execute error,
// if the run suspended.
func SuspendedStateFrom(err error) (*SuspendedState, bool) {
	var s *SuspendedError
	if errors.As(err, &s) {
		return s.State, true
	}
	return nil, false
}
