package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ScopedState is the restricted state view handed to an agent. Reads are
// limited to the step's declared Use keys and writes to its Set keys; every
// access is recorded in the run's access log. Writes are staged, not applied:
// the driver commits them after the step completes.
type ScopedState interface {
	// Get returns the value for key, or false when the key is absent or not
	// readable by this step.
	Get(key string) (any, bool)

	// Set stages a write for key. It fails when the key is not in the
	// step's Set declaration.
	Set(key string, value any) error

	// Keys lists the keys this step may read.
	Keys() []string
}

// AgentContext carries everything an agent receives for one invocation.
type AgentContext struct {
	// Input is the step's resolved input (explicit mapping, previous output
	// or the original run input).
	Input any

	// Env is the shared environment configured on the executor.
	Env map[string]any

	// PreviousOutputs maps completed step IDs to their recorded outputs.
	PreviousOutputs map[string]any

	// State is the step's scoped state view, or nil when the step declares
	// no state access.
	State ScopedState
}

// AgentResult is the outcome of a successful agent invocation.
type AgentResult struct {
	Data   any
	Cached bool
}

// Agent is the executable-unit contract. Any component implementing Execute
// can be invoked from a flow: an AI call, an HTTP fetch, a storage operation.
// Recoverable failures are returned as errors; the driver wraps them with
// step and ensemble context.
type Agent interface {
	Execute(ctx context.Context, ac *AgentContext) (*AgentResult, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, ac *AgentContext) (*AgentResult, error)

func (f AgentFunc) Execute(ctx context.Context, ac *AgentContext) (*AgentResult, error) {
	return f(ctx, ac)
}

// Evaluation is an evaluator's verdict on one agent attempt.
type Evaluation struct {
	Score     float64
	Passed    bool
	Feedback  string
	Breakdown map[string]float64
}

// Evaluator scores an agent's output for the quality-gated retry loop.
// Attempt is 1-based; previousScore is the prior attempt's score (0 on the
// first attempt).
type Evaluator interface {
	Evaluate(ctx context.Context, result *AgentResult, attempt int, previousScore float64) (*Evaluation, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, result *AgentResult, attempt int, previousScore float64) (*Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, result *AgentResult, attempt int, previousScore float64) (*Evaluation, error) {
	return f(ctx, result, attempt, previousScore)
}

// Resolver maps agent references to instances. A reference is either an
// exact registry name or "name@version".
type Resolver interface {
	Resolve(ref string) (Agent, error)
	ResolveEvaluator(ref string) (Evaluator, error)
}

// Registry is an explicitly constructed agent registry. There is no global
// registry; the application entry point owns the instance and passes it to
// the executor by reference.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:     make(map[string]Agent),
		evaluators: make(map[string]Evaluator),
	}
}

var _ Resolver = (*Registry)(nil)

// Register adds an agent under the given name. Versioned entries use the
// "name@version" form. Registering an existing name replaces it.
func (r *Registry) Register(name string, a Agent) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a == nil {
		return fmt.Errorf("agent %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = a
	return nil
}

// RegisterEvaluator adds an evaluator under the given name.
func (r *Registry) RegisterEvaluator(name string, ev Evaluator) error {
	if name == "" {
		return fmt.Errorf("evaluator name is required")
	}
	if ev == nil {
		return fmt.Errorf("evaluator %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = ev
	return nil
}

// Resolve looks up ref by exact name first. When that misses and ref has no
// version suffix, it falls back to the highest registered "ref@version"
// entry. Unresolved references yield ErrAgentNotFound.
func (r *Registry) Resolve(ref string) (Agent, error) {
	if ref == "" {
		return nil, &AgentConfigError{Agent: ref, Reason: "empty agent reference"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.agents[ref]; ok {
		return a, nil
	}
	if !strings.Contains(ref, "@") {
		if name := r.latestVersion(ref); name != "" {
			return r.agents[name], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, ref)
}

// ResolveEvaluator looks up an evaluator by exact name.
func (r *Registry) ResolveEvaluator(ref string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ev, ok := r.evaluators[ref]; ok {
		return ev, nil
	}
	return nil, fmt.Errorf("%w: evaluator %s", ErrAgentNotFound, ref)
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// latestVersion returns the lexically highest "name@version" entry, or "".
// Callers must hold at least a read lock.
func (r *Registry) latestVersion(name string) string {
	prefix := name + "@"
	best := ""
	for n := range r.agents {
		if strings.HasPrefix(n, prefix) && (best == "" || n > best) {
			best = n
		}
	}
	return best
}
