package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avorel/ensemble/internal/expr"
	"github.com/avorel/ensemble/pkg/api"
)

// Executor drives strictly ordered linear flows: no step starts before its
// predecessor completes, and a step failure aborts the remaining flow
// immediately. Nonlinear flows (any step with DependsOn) belong to
// GraphExecutor, which shares this executor's per-step machinery.
type Executor struct {
	resolver api.Resolver
	notifier api.Notifier
	logger   *slog.Logger
	env      map[string]any
	scoring  *ScoringExecutor
}

// Option configures an Executor.
type Option func(*Executor)

// WithNotifier sets the lifecycle notifier. Events are dispatched
// best-effort; a panicking notifier never affects the run.
func WithNotifier(n api.Notifier) Option {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEnv sets the shared environment passed to every agent invocation.
func WithEnv(env map[string]any) Option {
	return func(e *Executor) {
		e.env = env
	}
}

// NewExecutor creates an Executor resolving agents through resolver.
func NewExecutor(resolver api.Resolver, opts ...Option) *Executor {
	e := &Executor{
		resolver: resolver,
		notifier: api.NoopNotifier{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scoring = NewScoringExecutor(e.logger)
	return e
}

// Execute runs ens from the start. On suspension the returned error is a
// *api.SuspendedError carrying the resume snapshot.
func (e *Executor) Execute(ctx context.Context, ens *api.Ensemble, input any) (*api.ExecutionOutput, error) {
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	rc := newRunContext(ens, uuid.NewString(), input, e.env)
	return e.run(ctx, rc, 0)
}

// Resume continues a suspended run from its snapshot. The ensemble must be
// the same definition the snapshot was taken from.
func (e *Executor) Resume(ctx context.Context, ens *api.Ensemble, snap *api.SuspendedState) (*api.ExecutionOutput, error) {
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("nil suspend snapshot")
	}
	if snap.Ensemble != ens.Name {
		return nil, fmt.Errorf("snapshot belongs to ensemble %q, not %q", snap.Ensemble, ens.Name)
	}
	if snap.ResumeFromStep < 0 || snap.ResumeFromStep >= len(ens.Flow) {
		return nil, fmt.Errorf("snapshot resume index %d out of range", snap.ResumeFromStep)
	}
	rc := restoreRunContext(ens, snap, e.env)
	return e.run(ctx, rc, snap.ResumeFromStep)
}

func (e *Executor) run(ctx context.Context, rc *runContext, startIndex int) (*api.ExecutionOutput, error) {
	e.notify(func() { e.notifier.OnExecutionStarted(ctx, rc.run) })

	var lastOutput any = rc.input
	if startIndex > 0 {
		// Resuming: rechain from the last completed step.
		if prev, ok := rc.output(rc.ens.Flow[startIndex-1].EffectiveID(startIndex - 1)); ok {
			lastOutput = prev
		}
	}

	for i := startIndex; i < len(rc.ens.Flow); i++ {
		if err := ctx.Err(); err != nil {
			e.notify(func() { e.notifier.OnExecutionFailed(ctx, rc.run, err) })
			return nil, err
		}

		step := &rc.ens.Flow[i]
		stepID := step.EffectiveID(i)
		input := e.resolveInput(rc, step, i, lastOutput)

		e.notify(func() { e.notifier.OnStepStarted(ctx, rc.run, stepID, i) })
		start := time.Now()

		out, err := e.executeStep(ctx, rc, step, stepID, input, nil)

		duration := time.Since(start)
		e.notify(func() { e.notifier.OnStepCompleted(ctx, rc.run, stepID, i, err, duration) })

		if err != nil {
			if reason, ok := api.IsSuspendRequest(err); ok {
				// Park the run: snapshot everything needed to continue
				// from this very step later.
				snap := rc.suspendSnapshot(reason, i)
				e.logger.Info("execution suspended",
					slog.String("ensemble", rc.ens.Name),
					slog.String("step", stepID),
					slog.String("reason", reason),
				)
				return nil, &api.SuspendedError{Reason: reason, State: snap}
			}
			wrapped := &api.EnsembleExecutionError{
				Ensemble: rc.ens.Name,
				Step:     stepID,
				Err:      err,
			}
			e.notify(func() { e.notifier.OnExecutionFailed(ctx, rc.run, wrapped) })
			return nil, wrapped
		}

		rc.recordOutput(stepID, out)
		lastOutput = out
	}

	result := rc.finalize(lastOutput, NewEnsembleScorer(rc.ens.Scoring))
	e.notify(func() { e.notifier.OnExecutionCompleted(ctx, rc.run, result) })
	return result, nil
}

// resolveInput applies the default chain for a top-level step: explicit
// interpolated mapping when declared, else the previous step's recorded
// output, else (first step) the original run input.
func (e *Executor) resolveInput(rc *runContext, step *api.Step, index int, previous any) any {
	if step.Input != nil {
		return expr.Interpolate(copyMap(step.Input), rc.exprEnv())
	}
	if index == 0 {
		return rc.input
	}
	return previous
}

// notify dispatches one notifier callback, swallowing panics. Notifier
// failures must never affect the run's result.
func (e *Executor) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("notifier panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
