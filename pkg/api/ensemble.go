package api

import (
	"fmt"
	"time"
)

// StepKind discriminates the step variants of an ensemble flow.
type StepKind string

const (
	KindAgent     StepKind = "agent"
	KindParallel  StepKind = "parallel"
	KindBranch    StepKind = "branch"
	KindForeach   StepKind = "foreach"
	KindTry       StepKind = "try"
	KindSwitch    StepKind = "switch"
	KindWhile     StepKind = "while"
	KindMapReduce StepKind = "map_reduce"
)

// DefaultMaxIterations bounds while loops that do not set their own limit.
const DefaultMaxIterations = 1000

// Ensemble is an immutable workflow definition: a named, ordered flow of
// steps plus optional state, scoring and output configuration. It is loaded
// once and never mutated during execution.
type Ensemble struct {
	Name string

	// Flow is the ordered list of steps. When every step is an agent step
	// without dependencies the sequential driver runs them in index order;
	// otherwise the graph driver compiles them into a dependency graph.
	Flow []Step

	// State, if set, enables the shared state manager for the run.
	State *StateConfig

	// Scoring, if set, folds per-step score history into an ensemble-level
	// score when the run completes.
	Scoring *EnsembleScoringConfig

	// Output optionally maps output keys to value expressions evaluated
	// against the final run context. When nil, the run's output is the last
	// step's recorded output.
	Output map[string]string
}

// Validate performs the structural checks the engine relies on. Full schema
// validation happens upstream; this only rejects definitions the drivers
// cannot execute at all.
func (e *Ensemble) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("ensemble name is required")
	}
	if len(e.Flow) == 0 {
		return fmt.Errorf("ensemble %q has an empty flow", e.Name)
	}
	seen := make(map[string]bool, len(e.Flow))
	for i := range e.Flow {
		s := &e.Flow[i]
		if err := s.validate(); err != nil {
			return fmt.Errorf("ensemble %q: %w", e.Name, err)
		}
		id := s.EffectiveID(i)
		if seen[id] {
			return fmt.Errorf("ensemble %q: duplicate step id %q", e.Name, id)
		}
		seen[id] = true
	}
	return nil
}

// Step is a tagged variant: either an agent invocation or one of the
// control-flow constructs. Kind selects the variant; the matching config
// field carries its sub-configuration.
type Step struct {
	// ID identifies the step for dependency edges, recorded outputs and
	// diagnostics. When empty, the agent name or "<kind>-<index>" is used.
	ID string

	Kind StepKind

	// Agent is the executable reference for KindAgent steps, either an
	// exact registry name or "name@version".
	Agent string

	// Input, when declared, is an explicit input mapping. String values are
	// interpolated against the run context; other values pass through.
	// When nil, the step receives the previous step's recorded output, or
	// the original run input for the first step.
	Input map[string]any

	// When is an optional guard condition. A false (or failing) condition
	// skips the step, recording a skip marker rather than no output at all.
	When string

	// DependsOn lists step IDs that must complete before this step runs.
	// Any non-empty DependsOn routes the whole flow through the graph driver.
	DependsOn []string

	Retry   *RetryPolicy
	Timeout *TimeoutPolicy

	// State declares the shared-state keys this step may read (Use) and
	// write (Set). Writes are staged and committed after the step completes.
	State *StateAccess

	// Scoring, when set, routes the step through the quality-gated retry
	// loop instead of a single direct execution.
	Scoring *ScoringConfig

	Parallel  *ParallelConfig
	Branch    *BranchConfig
	Foreach   *ForeachConfig
	Try       *TryConfig
	Switch    *SwitchConfig
	While     *WhileConfig
	MapReduce *MapReduceConfig
}

// EffectiveID returns the identifier used for this step at the given flow
// index, applying the defaulting rules described on ID.
func (s *Step) EffectiveID(index int) string {
	if s.ID != "" {
		return s.ID
	}
	if s.Kind == KindAgent && s.Agent != "" {
		return s.Agent
	}
	return fmt.Sprintf("%s-%d", s.kind(), index)
}

func (s *Step) kind() StepKind {
	if s.Kind == "" {
		return KindAgent
	}
	return s.Kind
}

func (s *Step) validate() error {
	switch s.kind() {
	case KindAgent:
		if s.Agent == "" {
			return fmt.Errorf("agent step %q has no agent reference", s.ID)
		}
		return nil
	case KindParallel:
		if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
			return fmt.Errorf("parallel step %q has no children", s.ID)
		}
		return validateSteps(s.Parallel.Steps)
	case KindBranch:
		if s.Branch == nil || s.Branch.Condition == "" {
			return fmt.Errorf("branch step %q has no condition", s.ID)
		}
		if err := validateSteps(s.Branch.Then); err != nil {
			return err
		}
		return validateSteps(s.Branch.Else)
	case KindForeach:
		if s.Foreach == nil || s.Foreach.Items == "" || s.Foreach.Step == nil {
			return fmt.Errorf("foreach step %q needs items and an inner step", s.ID)
		}
		return s.Foreach.Step.validate()
	case KindTry:
		if s.Try == nil || len(s.Try.Steps) == 0 {
			return fmt.Errorf("try step %q has no steps", s.ID)
		}
		for _, steps := range [][]Step{s.Try.Steps, s.Try.Catch, s.Try.Finally} {
			if err := validateSteps(steps); err != nil {
				return err
			}
		}
		return nil
	case KindSwitch:
		if s.Switch == nil || s.Switch.Value == "" {
			return fmt.Errorf("switch step %q has no value expression", s.ID)
		}
		for _, steps := range s.Switch.Cases {
			if err := validateSteps(steps); err != nil {
				return err
			}
		}
		return validateSteps(s.Switch.Default)
	case KindWhile:
		if s.While == nil || s.While.Condition == "" || len(s.While.Steps) == 0 {
			return fmt.Errorf("while step %q needs a condition and a body", s.ID)
		}
		return validateSteps(s.While.Steps)
	case KindMapReduce:
		if s.MapReduce == nil || s.MapReduce.Items == "" || s.MapReduce.Map == nil || s.MapReduce.Reduce == nil {
			return fmt.Errorf("map_reduce step %q needs items, a map step and a reduce step", s.ID)
		}
		if err := s.MapReduce.Map.validate(); err != nil {
			return err
		}
		return s.MapReduce.Reduce.validate()
	default:
		return fmt.Errorf("step %q has unknown kind %q", s.ID, s.Kind)
	}
}

// validateSteps validates a nested step list so definition mistakes surface
// at Validate time instead of mid-run.
func validateSteps(steps []Step) error {
	for i := range steps {
		if err := steps[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// WaitMode controls how a parallel step joins its children.
type WaitMode string

const (
	// WaitAll joins every child and returns their outputs in declaration
	// order. This is the default.
	WaitAll WaitMode = "all"

	// WaitAny returns the first child to settle. The remaining children are
	// left running; they are not cancelled.
	WaitAny WaitMode = "any"
)

// ParallelConfig runs child steps concurrently.
type ParallelConfig struct {
	Steps   []Step
	WaitFor WaitMode
}

// BranchConfig evaluates Condition against the run context and executes
// Then or Else sequentially. Else may be empty.
type BranchConfig struct {
	Condition string
	Then      []Step
	Else      []Step
}

// ForeachConfig resolves Items to a list and runs one instance of Step per
// item, in batches of MaxConcurrency (0 means unbounded). BreakWhen, if set,
// is evaluated after each batch and stops the loop early when true.
type ForeachConfig struct {
	Items          string
	Step           *Step
	MaxConcurrency int
	BreakWhen      string
}

// TryConfig runs Steps; on failure it runs Catch with the error injected
// into the context (or rethrows when Catch is empty). Finally always runs
// afterward and never suppresses a pending failure.
type TryConfig struct {
	Steps   []Step
	Catch   []Step
	Finally []Step
}

// SwitchConfig evaluates Value, stringifies the result and executes the
// exact-match case branch, falling back to Default. No match and no default
// yields a nil result, not an error.
type SwitchConfig struct {
	Value   string
	Cases   map[string][]Step
	Default []Step
}

// WhileConfig loops over Steps while Condition holds, bounded by
// MaxIterations (DefaultMaxIterations when 0). Exceeding the bound is fatal.
type WhileConfig struct {
	Condition     string
	Steps         []Step
	MaxIterations int
}

// MapReduceConfig batches Items through Map (same batching as foreach,
// results kept in input order), then runs Reduce once with the full ordered
// result list as its input.
type MapReduceConfig struct {
	Items          string
	Map            *Step
	Reduce         *Step
	MaxConcurrency int
}

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Delays between attempts follow Strategy: fixed uses InitialDelay every
// time, linear uses min(InitialDelay*(n+1), MaxDelay) for the n-th retry,
// exponential uses min(InitialDelay*2^n, MaxDelay). The final attempt's
// error propagates.
type RetryPolicy struct {
	MaxAttempts  int
	Strategy     BackoffStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RetryOn, when non-empty, allow-lists the error codes that are
	// retryable (see ErrorCode). Errors with other codes fail immediately.
	RetryOn []string
}

// Retryable reports whether err qualifies for another attempt under the
// policy's RetryOn allow-list.
func (p *RetryPolicy) Retryable(err error) bool {
	if len(p.RetryOn) == 0 {
		return true
	}
	code := ErrorCode(err)
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// TimeoutPolicy races the agent against a timer. On timeout, either a
// TimeoutError is raised (Error true) or Fallback becomes the step's output.
// The agent's underlying work is not cancelled; it may continue running
// orphaned unless the concrete agent honors context cancellation itself.
type TimeoutPolicy struct {
	Duration time.Duration
	Error    bool
	Fallback any
}

// StateAccess declares the shared-state keys a step may read and write.
type StateAccess struct {
	Use []string
	Set []string
}

// StateConfig configures the run's shared state manager. Schema is advisory
// only: it documents expected keys and types but is never enforced.
type StateConfig struct {
	Schema  map[string]string
	Initial map[string]any
}

// Skipped is the marker recorded as a step's output when its When guard
// evaluated to false. Downstream steps can distinguish "skipped" from
// "produced nothing".
type Skipped struct {
	Step string
}

func (s Skipped) String() string { return "skipped:" + s.Step }
