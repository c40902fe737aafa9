package ensemble

import (
	"fmt"

	"github.com/avorel/ensemble/pkg/api"
)

// Builder provides a fluent API for defining ensembles:
//
//	ens := ensemble.New("ReviewPipeline").
//	    Agent("drafter").
//	    Agent("critic").
//	    Branch("gate", "results.critic.data.approve",
//	        []ensemble.Step{{Agent: "publisher"}},
//	        nil)
//
//	out, err := runner.Execute(ctx, ens.Definition(), input)
type Builder struct {
	ens api.Ensemble
}

// New creates a new ensemble builder with the given name.
func New(name string) *Builder {
	return &Builder{
		ens: api.Ensemble{
			Name: name,
			Flow: make([]api.Step, 0),
		},
	}
}

// Name returns the ensemble name.
func (b *Builder) Name() string {
	return b.ens.Name
}

// Definition returns the built ensemble definition.
func (b *Builder) Definition() *Ensemble {
	return &b.ens
}

// Add appends an arbitrary step. It is the escape hatch for step shapes the
// dedicated helpers don't cover (guards, state access, dependencies).
func (b *Builder) Add(step Step) *Builder {
	b.ens.Flow = append(b.ens.Flow, step)
	return b
}

// Agent appends a plain agent step. ref is either an exact registry name or
// "name@version".
func (b *Builder) Agent(ref string) *Builder {
	if ref == "" {
		panic("ensemble: agent reference must not be empty")
	}
	return b.Add(api.Step{Kind: api.KindAgent, Agent: ref})
}

// AgentWithRetry appends an agent step governed by the given retry policy.
func (b *Builder) AgentWithRetry(ref string, retry RetryPolicy) *Builder {
	if ref == "" {
		panic("ensemble: agent reference must not be empty")
	}

	// Make a copy so callers can mutate their RetryPolicy after the call
	// without affecting the stored definition.
	r := retry

	return b.Add(api.Step{Kind: api.KindAgent, Agent: ref, Retry: &r})
}

// AgentWithScoring appends an agent step whose output must clear the given
// quality gate before the flow advances.
func (b *Builder) AgentWithScoring(ref string, scoring ScoringConfig) *Builder {
	if ref == "" {
		panic("ensemble: agent reference must not be empty")
	}
	if scoring.Evaluator == "" {
		panic(fmt.Sprintf("ensemble: scored step %q has no evaluator", ref))
	}

	s := scoring

	return b.Add(api.Step{Kind: api.KindAgent, Agent: ref, Scoring: &s})
}

// Parallel appends a step that runs the given children concurrently and
// joins them according to waitFor.
func (b *Builder) Parallel(id string, waitFor api.WaitMode, steps ...Step) *Builder {
	if len(steps) == 0 {
		panic(fmt.Sprintf("ensemble: parallel step %q has no children", id))
	}
	return b.Add(api.Step{
		ID:       id,
		Kind:     api.KindParallel,
		Parallel: &api.ParallelConfig{Steps: steps, WaitFor: waitFor},
	})
}

// Branch appends a conditional step; elseSteps may be nil.
func (b *Builder) Branch(id, condition string, thenSteps, elseSteps []Step) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindBranch,
		Branch: &api.BranchConfig{
			Condition: condition,
			Then:      thenSteps,
			Else:      elseSteps,
		},
	})
}

// Foreach appends a step that runs inner once per element of the list the
// items expression resolves to. maxConcurrency 0 means unbounded.
func (b *Builder) Foreach(id, items string, inner Step, maxConcurrency int) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindForeach,
		Foreach: &api.ForeachConfig{
			Items:          items,
			Step:           &inner,
			MaxConcurrency: maxConcurrency,
		},
	})
}

// Try appends a protected block: steps run first, catch runs on failure,
// finally always runs and never suppresses a pending error.
func (b *Builder) Try(id string, steps, catch, finally []Step) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindTry,
		Try: &api.TryConfig{
			Steps:   steps,
			Catch:   catch,
			Finally: finally,
		},
	})
}

// Switch appends a multi-way step selecting the case matching the
// stringified result of the value expression.
func (b *Builder) Switch(id, value string, cases map[string][]Step, defaultSteps []Step) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindSwitch,
		Switch: &api.SwitchConfig{
			Value:   value,
			Cases:   cases,
			Default: defaultSteps,
		},
	})
}

// While appends a bounded loop; maxIterations 0 applies the engine default.
func (b *Builder) While(id, condition string, body []Step, maxIterations int) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindWhile,
		While: &api.WhileConfig{
			Condition:     condition,
			Steps:         body,
			MaxIterations: maxIterations,
		},
	})
}

// MapReduce appends a fan-out/fan-in step over the items expression.
func (b *Builder) MapReduce(id, items string, mapStep, reduceStep Step, maxConcurrency int) *Builder {
	return b.Add(api.Step{
		ID:   id,
		Kind: api.KindMapReduce,
		MapReduce: &api.MapReduceConfig{
			Items:          items,
			Map:            &mapStep,
			Reduce:         &reduceStep,
			MaxConcurrency: maxConcurrency,
		},
	})
}

// WithState configures the shared state manager for the run.
func (b *Builder) WithState(cfg StateConfig) *Builder {
	c := cfg
	b.ens.State = &c
	return b
}

// WithScoring configures ensemble-level score aggregation.
func (b *Builder) WithScoring(cfg EnsembleScoringConfig) *Builder {
	c := cfg
	b.ens.Scoring = &c
	return b
}

// WithOutput maps output keys to value expressions evaluated against the
// final run context.
func (b *Builder) WithOutput(mapping map[string]string) *Builder {
	b.ens.Output = mapping
	return b
}

// Validate checks the built definition without executing it.
func (b *Builder) Validate() error {
	return b.ens.Validate()
}
