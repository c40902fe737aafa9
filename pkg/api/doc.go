// Package api contains the core building blocks used by the ensemble
// execution engine. It provides the primitives for defining ensembles,
// implementing agents, and observing engine behavior.
//
// Most users interact with the higher-level ensemble package, which
// re-exports selected types and helpers from this package. The api package is
// intended for advanced use cases, custom integrations, or contributors
// extending the engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Ensemble definitions and step variants
//   - The Agent executable-unit contract
//   - Scoring and quality gates
//   - Observability via Notifier
//
// # Ensemble Definitions
//
// An Ensemble describes a workflow: its name, its ordered flow of steps, and
// optional state, scoring and output configuration. Definitions are immutable
// once constructed; the drivers never mutate them during a run.
//
// A Step is a tagged variant. It either invokes a named agent or composes
// other steps through a control-flow construct: parallel, branch, foreach,
// try, switch, while or map_reduce. Steps may declare dependency edges
// (DependsOn), guards (When), retry and timeout policies, scoped state
// access, and a scoring configuration.
//
// # Agents
//
// An Agent is anything that implements Execute: an AI provider call, an HTTP
// fetch, a storage operation. Agents are registered in an explicitly
// constructed Registry and resolved by name or "name@version" reference.
// Recoverable failures are ordinary error returns; the engine wraps them with
// step and ensemble context.
//
// # Scoring
//
// A step with a ScoringConfig runs through a quality-gated retry loop: an
// Evaluator scores each attempt, and the engine retries until the score
// passes the threshold or the retry limit is exhausted. The last attempt is
// always surfaced, never discarded.
//
// # Observability
//
// The Notifier interface receives run and step lifecycle events. Dispatch is
// best-effort: a notifier can never affect a run's result. Ready-made
// implementations cover structured logging and basic in-memory metrics,
// with a composite to combine them.
package api
