// Package ensemble provides a lightweight, embeddable orchestration engine
// for multi-agent workflows in Go.
//
// An ensemble is a named, declarative flow of steps. Each step either invokes
// a registered agent or composes other steps with control-flow constructs
// (parallel, branch, foreach, try, switch, while, map_reduce). The engine runs
// fully in-process, keeps run state immutable, and integrates cleanly into
// existing services.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Registry
//  2. Runner
//  3. Builder
//  4. Agent
//  5. Evaluator
//
// # Registry
//
// The Registry maps names (optionally versioned as "name@version") to Agent
// and Evaluator implementations. A bare name resolves to the exact entry or,
// failing that, the lexically highest registered version.
//
// # Runner
//
// The Runner executes ensemble definitions. Flows without dependency edges
// run strictly in order, each step receiving the previous step's output by
// default. Flows where steps declare DependsOn are compiled into a dependency
// graph and executed frontier by frontier, independent nodes in parallel, with
// cyclic dependencies reported as a deadlock.
//
// Agents can park a run by returning Suspend(reason); the Runner snapshots
// everything needed to continue and can resume later, in the same process or
// another one via a SnapshotStore (in-memory, SQLite or Redis backed).
//
// # Builder
//
// Builder provides the fluent API used to define ensembles:
//
//	ens := ensemble.New("ReviewPipeline").
//	    Agent("drafter").
//	    AgentWithScoring("critic", ensemble.ScoringConfig{
//	        Evaluator:  "rubric",
//	        Threshold:  0.8,
//	        RetryLimit: 2,
//	    }).
//	    Branch("gate", "results.critic.data.approve",
//	        []ensemble.Step{{Agent: "publisher"}},
//	        nil)
//
// String inputs and conditions are expressions evaluated in a sandbox with
// exactly two variables: "context" (run input, environment, shared state) and
// "results" (outputs of completed steps).
//
// # Agent
//
// An Agent is the executable unit:
//
//	type Agent interface {
//	    Execute(ctx context.Context, ac *AgentContext) (*AgentResult, error)
//	}
//
// Agents receive their resolved input, the shared environment, prior step
// outputs, and a scoped view of shared state restricted to the keys the step
// declared. State writes are staged during execution and committed only after
// the step completes.
//
// # Evaluator
//
// An Evaluator scores an agent's output between 0 and 1. Attaching a
// ScoringConfig to a step gates flow advancement on the score clearing a
// threshold, retrying the agent with feedback until it passes or its retry
// budget runs out. Per-step scores can be folded into a single ensemble-level
// score (weighted average, minimum or geometric mean).
//
// For examples, see the package tests.
package ensemble
