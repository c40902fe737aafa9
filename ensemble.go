package ensemble

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/avorel/ensemble/internal/engine"
	"github.com/avorel/ensemble/internal/snapshot"
	"github.com/avorel/ensemble/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Ensemble              = api.Ensemble
	Step                  = api.Step
	StepKind              = api.StepKind
	ParallelConfig        = api.ParallelConfig
	BranchConfig          = api.BranchConfig
	ForeachConfig         = api.ForeachConfig
	TryConfig             = api.TryConfig
	SwitchConfig          = api.SwitchConfig
	WhileConfig           = api.WhileConfig
	MapReduceConfig       = api.MapReduceConfig
	RetryPolicy           = api.RetryPolicy
	TimeoutPolicy         = api.TimeoutPolicy
	StateAccess           = api.StateAccess
	StateConfig           = api.StateConfig
	ScoringConfig         = api.ScoringConfig
	EnsembleScoringConfig = api.EnsembleScoringConfig
	Agent                 = api.Agent
	AgentFunc             = api.AgentFunc
	AgentContext          = api.AgentContext
	AgentResult           = api.AgentResult
	Evaluator             = api.Evaluator
	EvaluatorFunc         = api.EvaluatorFunc
	Evaluation            = api.Evaluation
	Registry              = api.Registry
	Resolver              = api.Resolver
	ExecutionOutput       = api.ExecutionOutput
	SuspendedState        = api.SuspendedState
	SuspendedError        = api.SuspendedError
	Notifier              = api.Notifier
	NoopNotifier          = api.NoopNotifier
	LoggingNotifier       = api.LoggingNotifier
	CompositeNotifier     = api.CompositeNotifier
	BasicMetrics          = api.BasicMetrics
	BasicMetricsSnapshot  = api.BasicMetricsSnapshot
	RunInfo               = api.RunInfo
)

// Re-export common helpers.

var (
	NewRegistry          = api.NewRegistry
	NewLoggingNotifier   = api.NewLoggingNotifier
	NewCompositeNotifier = api.NewCompositeNotifier
	Suspend              = api.Suspend
	DecodeEnsemble       = api.DecodeEnsemble
	DecodeStep           = api.DecodeStep
	ErrAgentNotFound     = api.ErrAgentNotFound
	ErrExecutionDeadlock = api.ErrExecutionDeadlock
)

// Re-export step kinds for convenience.

const (
	KindAgent     = api.KindAgent
	KindParallel  = api.KindParallel
	KindBranch    = api.KindBranch
	KindForeach   = api.KindForeach
	KindTry       = api.KindTry
	KindSwitch    = api.KindSwitch
	KindWhile     = api.KindWhile
	KindMapReduce = api.KindMapReduce
)

// Re-export backoff strategies for convenience.

const (
	BackoffFixed       = api.BackoffFixed
	BackoffLinear      = api.BackoffLinear
	BackoffExponential = api.BackoffExponential
)

// SnapshotStore persists suspended-run snapshots for cross-process resume.
type SnapshotStore = snapshot.Store

// SnapshotFilter selects snapshots when listing a store.
type SnapshotFilter = snapshot.Filter

// ErrSnapshotNotFound is returned by SnapshotStore.Load for unknown run IDs.
var ErrSnapshotNotFound = snapshot.ErrSnapshotNotFound

// Snapshot store constructors. These wrap the internal/snapshot package so
// external callers never need to import internal packages.

// NewMemorySnapshotStore returns a non-durable in-memory store, best for
// tests and single-process use.
func NewMemorySnapshotStore() SnapshotStore {
	return snapshot.NewMemoryStore()
}

// NewSQLiteSnapshotStore returns a store that persists snapshots in a SQLite
// database. The caller imports the driver (e.g. "modernc.org/sqlite").
func NewSQLiteSnapshotStore(db *sql.DB) (SnapshotStore, error) {
	return snapshot.NewSQLiteStore(db)
}

// NewRedisSnapshotStore returns a store that persists snapshots in Redis
// under the given key prefix.
func NewRedisSnapshotStore(client *redis.Client, prefix string) SnapshotStore {
	return snapshot.NewRedisStore(client, prefix)
}

// Runner is the top-level entry point. It owns a linear executor and a graph
// executor and picks between them per ensemble: flows where any step declares
// DependsOn run on the dependency graph, everything else runs strictly in
// order.
type Runner struct {
	exec      *engine.Executor
	graph     *engine.GraphExecutor
	snapshots SnapshotStore
}

type runnerOptions struct {
	engineOpts     []engine.Option
	maxConcurrency int
	snapshots      SnapshotStore
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerOptions)

// WithNotifier attaches a lifecycle notifier to every run.
func WithNotifier(n Notifier) RunnerOption {
	return func(o *runnerOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithNotifier(n))
	}
}

// WithLogger sets the structured logger used by the executors.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithLogger(l))
	}
}

// WithEnv sets the shared environment visible to agents and expressions.
func WithEnv(env map[string]any) RunnerOption {
	return func(o *runnerOptions) {
		o.engineOpts = append(o.engineOpts, engine.WithEnv(env))
	}
}

// WithGraphConcurrency bounds how many graph nodes may run at once.
// Zero or negative means unbounded.
func WithGraphConcurrency(n int) RunnerOption {
	return func(o *runnerOptions) {
		o.maxConcurrency = n
	}
}

// WithSnapshotStore enables automatic persistence of suspend snapshots.
// When set, Execute saves the snapshot on suspension and ResumeRun can
// pick it up by run ID.
func WithSnapshotStore(store SnapshotStore) RunnerOption {
	return func(o *runnerOptions) {
		o.snapshots = store
	}
}

// NewRunner creates a Runner resolving agents through resolver, typically
// a *Registry.
func NewRunner(resolver Resolver, opts ...RunnerOption) *Runner {
	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}
	exec := engine.NewExecutor(resolver, o.engineOpts...)
	return &Runner{
		exec:      exec,
		graph:     engine.NewGraphExecutor(exec, engine.WithMaxConcurrency(o.maxConcurrency)),
		snapshots: o.snapshots,
	}
}

// Execute runs ens to completion. On suspension the returned error is a
// *SuspendedError; if a snapshot store is configured the snapshot is saved
// before returning.
func (r *Runner) Execute(ctx context.Context, ens *Ensemble, input any) (*ExecutionOutput, error) {
	if hasDependencies(ens) {
		return r.graph.Execute(ctx, ens, input)
	}
	out, err := r.exec.Execute(ctx, ens, input)
	if err != nil {
		var suspErr *api.SuspendedError
		if errors.As(err, &suspErr) && r.snapshots != nil {
			if saveErr := r.snapshots.Save(ctx, suspErr.State); saveErr != nil {
				return nil, fmt.Errorf("save suspend snapshot: %w", saveErr)
			}
		}
		return nil, err
	}
	return out, nil
}

// Resume continues a suspended run from an in-memory snapshot.
func (r *Runner) Resume(ctx context.Context, ens *Ensemble, snap *SuspendedState) (*ExecutionOutput, error) {
	return r.exec.Resume(ctx, ens, snap)
}

// ResumeRun loads the snapshot for runID from the configured store, resumes
// it, and deletes the snapshot once the run completes. A run that suspends
// again overwrites its stored snapshot instead.
func (r *Runner) ResumeRun(ctx context.Context, ens *Ensemble, runID string) (*ExecutionOutput, error) {
	if r.snapshots == nil {
		return nil, fmt.Errorf("no snapshot store configured")
	}
	snap, err := r.snapshots.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	out, err := r.exec.Resume(ctx, ens, snap)
	if err != nil {
		var suspErr *api.SuspendedError
		if errors.As(err, &suspErr) {
			if saveErr := r.snapshots.Save(ctx, suspErr.State); saveErr != nil {
				return nil, fmt.Errorf("save suspend snapshot: %w", saveErr)
			}
		}
		return nil, err
	}
	if delErr := r.snapshots.Delete(ctx, runID); delErr != nil {
		return out, fmt.Errorf("delete snapshot after resume: %w", delErr)
	}
	return out, nil
}

func hasDependencies(ens *Ensemble) bool {
	for i := range ens.Flow {
		if len(ens.Flow[i].DependsOn) > 0 {
			return true
		}
	}
	return false
}
