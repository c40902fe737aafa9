package engine

import (
	"sync"
	"time"

	"github.com/avorel/ensemble/internal/expr"
	"github.com/avorel/ensemble/internal/state"
	"github.com/avorel/ensemble/pkg/api"
)

// runContext is the per-run mutable accumulator shared by the drivers:
// recorded step outputs, the current state snapshot, the score history and
// the metrics block. The ensemble definition itself stays read-only.
//
// The mutex makes it safe for concurrently running graph nodes; the
// sequential driver has exactly one logical owner at a time and pays for
// the lock anyway for symmetry.
type runContext struct {
	ens   *api.Ensemble
	run   api.RunInfo
	input any
	env   map[string]any

	mu      sync.Mutex
	outputs map[string]any
	state   *state.Manager
	scoring *api.ScoringState
	metrics api.Metrics

	started time.Time
}

func newRunContext(ens *api.Ensemble, runID string, input any, env map[string]any) *runContext {
	rc := &runContext{
		ens:     ens,
		run:     api.RunInfo{RunID: runID, Ensemble: ens.Name},
		input:   input,
		env:     env,
		outputs: make(map[string]any),
		scoring: api.NewScoringState(),
		started: time.Now(),
	}
	if ens.State != nil {
		rc.state = state.New(ens.State)
	}
	return rc
}

// restoreRunContext rebuilds a runContext from a suspend snapshot.
func restoreRunContext(ens *api.Ensemble, snap *api.SuspendedState, env map[string]any) *runContext {
	rc := &runContext{
		ens:     ens,
		run:     api.RunInfo{RunID: snap.RunID, Ensemble: ens.Name},
		input:   snap.Input,
		env:     env,
		outputs: make(map[string]any, len(snap.Outputs)),
		scoring: api.NewScoringState(),
		metrics: snap.Metrics,
		started: time.Now(),
	}
	for k, v := range snap.Outputs {
		rc.outputs[k] = v
	}
	if snap.Scoring != nil {
		rc.scoring = snap.Scoring.Clone()
	}
	if ens.State != nil {
		rc.state = state.Restore(snap.State, snap.AccessLog, ens.State.Schema)
	}
	return rc
}

func (rc *runContext) recordOutput(stepID string, out any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[stepID] = out
}

func (rc *runContext) output(stepID string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.outputs[stepID]
	return v, ok
}

func (rc *runContext) outputsCopy() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.outputs))
	for k, v := range rc.outputs {
		out[k] = v
	}
	return out
}

func (rc *runContext) addMetric(m api.StepMetric) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metrics.PerStep = append(rc.metrics.PerStep, m)
	if m.Cached {
		rc.metrics.CacheHits++
	}
}

// scopedState returns a scoped view for the step, or nil when the step (or
// the run) declares no state.
func (rc *runContext) scopedState(stepID string, access *api.StateAccess) *state.Scoped {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == nil || access == nil {
		return nil
	}
	return rc.state.ForAgent(stepID, access)
}

// commitState applies a step's staged writes. Commit order is completion
// order; when concurrent graph branches declare overlapping Set keys, the
// last committer wins. This is the documented, deterministic policy.
func (rc *runContext) commitState(s *state.Scoped) {
	if s == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = rc.state.ApplyPendingUpdates(s)
}

// exprEnv builds the expression scope: context {input, env, state} and
// results (recorded outputs).
func (rc *runContext) exprEnv() expr.Env {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ctx := map[string]any{
		"input": rc.input,
		"env":   rc.env,
	}
	if rc.state != nil {
		ctx["state"] = rc.state.Snapshot()
	}
	results := make(map[string]any, len(rc.outputs))
	for k, v := range rc.outputs {
		results[k] = v
	}
	return expr.Env{Context: ctx, Results: results}
}

// suspendSnapshot captures everything Resume needs to continue from
// resumeFrom.
func (rc *runContext) suspendSnapshot(reason string, resumeFrom int) *api.SuspendedState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	snap := &api.SuspendedState{
		RunID:          rc.run.RunID,
		Ensemble:       rc.ens.Name,
		Reason:         reason,
		Input:          rc.input,
		Outputs:        make(map[string]any, len(rc.outputs)),
		Scoring:        rc.scoring.Clone(),
		Metrics:        rc.metrics,
		ResumeFromStep: resumeFrom,
		SuspendedAt:    time.Now(),
	}
	for k, v := range rc.outputs {
		snap.Outputs[k] = v
	}
	if rc.state != nil {
		snap.State = rc.state.Snapshot()
		snap.AccessLog = rc.state.AccessLog()
	}
	return snap
}

// finalize assembles the ExecutionOutput once the flow has completed.
func (rc *runContext) finalize(lastOutput any, scorer *EnsembleScorer) *api.ExecutionOutput {
	env := rc.exprEnv()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := lastOutput
	if len(rc.ens.Output) > 0 {
		mapped := make(map[string]any, len(rc.ens.Output))
		for key, src := range rc.ens.Output {
			mapped[key] = expr.EvalValue(src, env)
		}
		out = mapped
	}

	rc.metrics.TotalDuration = time.Since(rc.started)

	result := &api.ExecutionOutput{
		Output:  out,
		Metrics: rc.metrics,
	}
	if rc.state != nil {
		result.StateReport = rc.state.Report()
	}
	// The clone detaches the result from any straggler still recording
	// (a losing WaitAny child keeps running after the join).
	if scoring := rc.scoring.Clone(); len(scoring.History) > 0 {
		scorer.Finalize(scoring)
		result.Scoring = scoring
	}
	return result
}
