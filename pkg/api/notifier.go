package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunInfo identifies a run in notifier callbacks.
type RunInfo struct {
	RunID    string
	Ensemble string
}

// Notifier receives lifecycle events from the drivers. Dispatch is
// best-effort and fire-and-forget: the engine swallows panics from notifier
// implementations, and a notifier can never affect a run's result.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay execution.
type Notifier interface {
	// OnExecutionStarted fires once per run, before the first step.
	OnExecutionStarted(ctx context.Context, run RunInfo)

	// OnExecutionCompleted fires when a run finishes successfully.
	OnExecutionCompleted(ctx context.Context, run RunInfo, out *ExecutionOutput)

	// OnExecutionFailed fires when a run fails or suspends with an error.
	OnExecutionFailed(ctx context.Context, run RunInfo, err error)

	// OnStepStarted fires before each step execution attempt group.
	OnStepStarted(ctx context.Context, run RunInfo, stepID string, index int)

	// OnStepCompleted fires after a step settles, for both successes and
	// failures (err != nil).
	OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, duration time.Duration)
}

// NoopNotifier is a Notifier that does nothing. It is the default when no
// notifier is configured.
type NoopNotifier struct{}

func (NoopNotifier) OnExecutionStarted(ctx context.Context, run RunInfo)                       {}
func (NoopNotifier) OnExecutionCompleted(ctx context.Context, run RunInfo, out *ExecutionOutput) {}
func (NoopNotifier) OnExecutionFailed(ctx context.Context, run RunInfo, err error)             {}
func (NoopNotifier) OnStepStarted(ctx context.Context, run RunInfo, stepID string, index int)  {}
func (NoopNotifier) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, d time.Duration) {
}

// CompositeNotifier fans out events to multiple notifiers.
type CompositeNotifier struct {
	notifiers []Notifier
}

// NewCompositeNotifier creates a Notifier that forwards events to each
// non-nil notifier in ns.
func NewCompositeNotifier(ns ...Notifier) Notifier {
	filtered := make([]Notifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) == 0 {
		return NoopNotifier{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeNotifier{notifiers: filtered}
}

func (c *CompositeNotifier) OnExecutionStarted(ctx context.Context, run RunInfo) {
	for _, n := range c.notifiers {
		n.OnExecutionStarted(ctx, run)
	}
}

func (c *CompositeNotifier) OnExecutionCompleted(ctx context.Context, run RunInfo, out *ExecutionOutput) {
	for _, n := range c.notifiers {
		n.OnExecutionCompleted(ctx, run, out)
	}
}

func (c *CompositeNotifier) OnExecutionFailed(ctx context.Context, run RunInfo, err error) {
	for _, n := range c.notifiers {
		n.OnExecutionFailed(ctx, run, err)
	}
}

func (c *CompositeNotifier) OnStepStarted(ctx context.Context, run RunInfo, stepID string, index int) {
	for _, n := range c.notifiers {
		n.OnStepStarted(ctx, run, stepID, index)
	}
}

func (c *CompositeNotifier) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, d time.Duration) {
	for _, n := range c.notifiers {
		n.OnStepCompleted(ctx, run, stepID, index, err, d)
	}
}

// LoggingNotifier writes structured logs using log/slog.
type LoggingNotifier struct {
	Logger *slog.Logger
}

// NewLoggingNotifier creates a Notifier that logs run and step lifecycle
// events with the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{Logger: logger}
}

func (o *LoggingNotifier) OnExecutionStarted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "execution.started",
		slog.String("ensemble", run.Ensemble),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingNotifier) OnExecutionCompleted(ctx context.Context, run RunInfo, out *ExecutionOutput) {
	o.Logger.InfoContext(ctx, "execution.completed",
		slog.String("ensemble", run.Ensemble),
		slog.String("run_id", run.RunID),
		slog.Duration("total_duration", out.Metrics.TotalDuration),
		slog.Int("cache_hits", out.Metrics.CacheHits),
	)
}

func (o *LoggingNotifier) OnExecutionFailed(ctx context.Context, run RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "execution.failed",
		slog.String("ensemble", run.Ensemble),
		slog.String("run_id", run.RunID),
		slog.Any("error", err),
	)
}

func (o *LoggingNotifier) OnStepStarted(ctx context.Context, run RunInfo, stepID string, index int) {
	o.Logger.DebugContext(ctx, "step.started",
		slog.String("ensemble", run.Ensemble),
		slog.String("run_id", run.RunID),
		slog.String("step", stepID),
		slog.Int("step_index", index),
	)
}

func (o *LoggingNotifier) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step.completed",
		slog.String("ensemble", run.Ensemble),
		slog.String("run_id", run.RunID),
		slog.String("step", stepID),
		slog.Int("step_index", index),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations. It
// implements Notifier and can be combined with LoggingNotifier via
// NewCompositeNotifier.
type BasicMetrics struct {
	NoopNotifier

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsInFlight  int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, run RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, run RunInfo, out *ExecutionOutput) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, run RunInfo, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, d time.Duration) {
	// Only successful steps count toward the average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current counters.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsInFlight:    started - completed - failed,
		StepsCompleted:  steps,
		AvgStepDuration: avg,
	}
}
