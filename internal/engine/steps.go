package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avorel/ensemble/internal/expr"
	"github.com/avorel/ensemble/pkg/api"
)

// executeStep runs one step of any kind and returns its output. locals are
// construct-scoped expression bindings (item, index, error, iteration) that
// nested conditions and interpolations can reference under "context".
//
// Agent steps go through the full pipeline: guard, input already resolved by
// the caller, retry/timeout/scoring, state commit, metrics. Control-flow
// kinds recurse into their children.
func (e *Executor) executeStep(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	env := localEnv(rc, locals)

	if step.When != "" && !expr.EvalCondition(step.When, env) {
		e.logger.Debug("step skipped by guard",
			slog.String("step", stepID),
			slog.String("when", step.When),
		)
		skip := api.Skipped{Step: stepID}
		rc.addMetric(api.StepMetric{Name: stepID, Success: true})
		return skip, nil
	}

	if step.Kind == api.KindAgent || step.Kind == "" {
		return e.runAgentStep(ctx, rc, step, stepID, input, locals)
	}

	// Control-flow steps get their own metric entry covering the whole
	// construct; nested agent children additionally record theirs.
	start := time.Now()
	out, err := e.runControlFlow(ctx, rc, step, stepID, input, locals)
	rc.addMetric(api.StepMetric{
		Name:     stepID,
		Duration: time.Since(start),
		Success:  err == nil,
	})
	return out, err
}

func (e *Executor) runControlFlow(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	switch step.Kind {
	case api.KindParallel:
		return e.runParallel(ctx, rc, step, stepID, input, locals)
	case api.KindBranch:
		return e.runBranch(ctx, rc, step, stepID, input, locals)
	case api.KindForeach:
		return e.runForeach(ctx, rc, step, stepID, input, locals)
	case api.KindTry:
		return e.runTry(ctx, rc, step, stepID, input, locals)
	case api.KindSwitch:
		return e.runSwitch(ctx, rc, step, stepID, input, locals)
	case api.KindWhile:
		return e.runWhile(ctx, rc, step, stepID, input, locals)
	case api.KindMapReduce:
		return e.runMapReduce(ctx, rc, step, stepID, input, locals)
	default:
		// Unknown kinds are programmer errors caught by Validate; reaching
		// this means the definition was mutated after validation.
		return nil, fmt.Errorf("step %q: unknown kind %q", stepID, step.Kind)
	}
}

// runSequence executes steps in order, chaining each step's output into the
// next step's input, and returns the last output. Nested step outputs are
// recorded under their effective IDs so later expressions can reference
// them.
func (e *Executor) runSequence(ctx context.Context, rc *runContext, steps []api.Step, input any, locals map[string]any) (any, error) {
	current := input
	for i := range steps {
		step := &steps[i]
		id := step.EffectiveID(i)
		stepInput := e.resolveNestedInput(rc, step, current, locals)
		out, err := e.executeStep(ctx, rc, step, id, stepInput, locals)
		if err != nil {
			return nil, err
		}
		rc.recordOutput(id, out)
		current = out
	}
	return current, nil
}

// resolveNestedInput applies a nested step's explicit input mapping, falling
// back to the chained value.
func (e *Executor) resolveNestedInput(rc *runContext, step *api.Step, chained any, locals map[string]any) any {
	if step.Input == nil {
		return chained
	}
	return expr.Interpolate(copyMap(step.Input), localEnv(rc, locals))
}

func (e *Executor) runAgentStep(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	agent, err := e.resolver.Resolve(step.Agent)
	if err != nil {
		return nil, err
	}

	scoped := rc.scopedState(stepID, step.State)
	ac := &api.AgentContext{
		Input:           input,
		Env:             e.env,
		PreviousOutputs: rc.outputsCopy(),
	}
	if scoped != nil {
		ac.State = scoped
	}

	attempt := func(ctx context.Context) (*api.AgentResult, error) {
		return e.callWithTimeout(ctx, stepID, step.Timeout, func(ctx context.Context) (*api.AgentResult, error) {
			res, err := agent.Execute(ctx, ac)
			if err != nil {
				if _, ok := api.IsSuspendRequest(err); ok {
					return nil, err
				}
				return nil, &api.AgentExecutionError{Agent: step.Agent, Err: err}
			}
			if res == nil {
				res = &api.AgentResult{}
			}
			return res, nil
		})
	}

	start := time.Now()

	var result *api.AgentResult
	if step.Scoring != nil {
		result, err = e.runScored(ctx, rc, step, stepID, attempt)
	} else {
		result, err = e.runWithRetry(ctx, stepID, step.Retry, attempt)
	}

	duration := time.Since(start)
	if err != nil {
		rc.addMetric(api.StepMetric{Name: stepID, Duration: duration})
		return nil, err
	}

	// Writes stage on the scoped view; they only land in shared state here,
	// after the step completed. Commit order across concurrent branches is
	// completion order (last committer wins).
	rc.commitState(scoped)
	rc.addMetric(api.StepMetric{
		Name:     stepID,
		Duration: duration,
		Cached:   result.Cached,
		Success:  true,
	})
	return result.Data, nil
}

// runScored routes an agent step through the quality-gated retry loop.
// The scoring config's RetryLimit governs repetition; the step's plain
// RetryPolicy still applies inside each attempt for transport-level errors.
func (e *Executor) runScored(ctx context.Context, rc *runContext, step *api.Step, stepID string, attempt Action) (*api.AgentResult, error) {
	evaluator, err := e.resolver.ResolveEvaluator(step.Scoring.Evaluator)
	if err != nil {
		return nil, err
	}
	action := func(ctx context.Context) (*api.AgentResult, error) {
		return e.runWithRetry(ctx, stepID, step.Retry, attempt)
	}
	outcome, err := e.scoring.Execute(ctx, stepID, action, evaluator, step.Scoring, rc.scoring)
	if err != nil {
		return nil, err
	}
	return outcome.Result, nil
}

// runWithRetry drives the attempt loop for transport-level errors under the
// step's RetryPolicy. Suspension requests and non-retryable codes break out
// immediately; the final attempt's error propagates.
func (e *Executor) runWithRetry(ctx context.Context, stepID string, policy *api.RetryPolicy, attempt Action) (*api.AgentResult, error) {
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := attempt(ctx)
		if err == nil {
			return result, nil
		}
		if _, ok := api.IsSuspendRequest(err); ok {
			return nil, err
		}
		lastErr = err
		if n == maxAttempts || policy == nil || !policy.Retryable(err) {
			break
		}
		e.logger.Debug("retrying step",
			slog.String("step", stepID),
			slog.Int("attempt", n),
			slog.Any("error", err),
		)
		if err := sleep(ctx, backoffDelay(policy, n-1)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// callWithTimeout races call against the policy's timer. On timeout it
// either raises a TimeoutError or substitutes the configured fallback. The
// losing call keeps running orphaned; only agents that honor ctx themselves
// stop early.
func (e *Executor) callWithTimeout(ctx context.Context, stepID string, tp *api.TimeoutPolicy, call func(context.Context) (*api.AgentResult, error)) (*api.AgentResult, error) {
	if tp == nil || tp.Duration <= 0 {
		return call(ctx)
	}

	type settled struct {
		result *api.AgentResult
		err    error
	}
	ch := make(chan settled, 1)
	go func() {
		r, err := call(ctx)
		ch <- settled{result: r, err: err}
	}()

	timer := time.NewTimer(tp.Duration)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if tp.Error {
			return nil, &api.TimeoutError{Step: stepID, After: tp.Duration}
		}
		e.logger.Warn("step timed out, using fallback",
			slog.String("step", stepID),
			slog.Duration("after", tp.Duration),
		)
		return &api.AgentResult{Data: tp.Fallback}, nil
	}
}

func (e *Executor) runParallel(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.Parallel
	n := len(cfg.Steps)

	type settled struct {
		index int
		out   any
		err   error
	}
	ch := make(chan settled, n)
	for i := range cfg.Steps {
		child := &cfg.Steps[i]
		childID := child.EffectiveID(i)
		go func(i int) {
			childInput := e.resolveNestedInput(rc, child, input, locals)
			out, err := e.executeStep(ctx, rc, child, childID, childInput, locals)
			if err == nil {
				rc.recordOutput(childID, out)
			}
			ch <- settled{index: i, out: out, err: err}
		}(i)
	}

	if cfg.WaitFor == api.WaitAny {
		// First settled child wins; the rest keep running unjoined. They
		// are not cancelled.
		s := <-ch
		if s.err != nil {
			return nil, s.err
		}
		return s.out, nil
	}

	results := make([]any, n)
	var firstErr error
	for i := 0; i < n; i++ {
		s := <-ch
		if s.err != nil && firstErr == nil {
			firstErr = s.err
		}
		results[s.index] = s.out
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Executor) runBranch(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.Branch
	if expr.EvalCondition(cfg.Condition, localEnv(rc, locals)) {
		return e.runSequence(ctx, rc, cfg.Then, input, locals)
	}
	if len(cfg.Else) == 0 {
		return nil, nil
	}
	return e.runSequence(ctx, rc, cfg.Else, input, locals)
}

func (e *Executor) runForeach(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.Foreach
	items, err := e.resolveItems(rc, stepID, cfg.Items, locals)
	if err != nil {
		return nil, err
	}

	results, _, err := e.runBatched(ctx, rc, stepID, cfg.Step, items, cfg.MaxConcurrency, cfg.BreakWhen, locals)
	return results, err
}

func (e *Executor) runMapReduce(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.MapReduce
	items, err := e.resolveItems(rc, stepID, cfg.Items, locals)
	if err != nil {
		return nil, err
	}

	mapped, _, err := e.runBatched(ctx, rc, stepID, cfg.Map, items, cfg.MaxConcurrency, "", locals)
	if err != nil {
		return nil, err
	}

	// The reduce step sees the full ordered map results, both as its input
	// and as context.mapped for expressions.
	reduceLocals := withLocal(locals, "mapped", mapped)
	reduceID := cfg.Reduce.EffectiveID(0)
	out, err := e.executeStep(ctx, rc, cfg.Reduce, stepID+"."+reduceID, mapped, reduceLocals)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveItems evaluates an items expression and requires a list result.
func (e *Executor) resolveItems(rc *runContext, stepID, itemsExpr string, locals map[string]any) ([]any, error) {
	v := expr.EvalValue(itemsExpr, localEnv(rc, locals))
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("step %q: items expression %q did not yield a list (got %T)", stepID, itemsExpr, v)
	}
	return items, nil
}

// runBatched runs one instance of step per item in batches of size
// maxConcurrency (0 means one batch of everything). Results keep input
// order regardless of completion order. When breakWhen is set it is
// evaluated after each batch against context.collected; a true result stops
// early, returning what has been collected. The bool return reports whether
// the loop broke early.
func (e *Executor) runBatched(ctx context.Context, rc *runContext, stepID string, step *api.Step, items []any, maxConcurrency int, breakWhen string, locals map[string]any) ([]any, bool, error) {
	results := make([]any, 0, len(items))
	batch := maxConcurrency
	if batch <= 0 {
		batch = len(items)
	}

	for start := 0; start < len(items); start += batch {
		end := start + batch
		if end > len(items) {
			end = len(items)
		}

		batchOut := make([]any, end-start)
		batchErr := make([]error, end-start)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				itemLocals := withLocal(withLocal(locals, "item", items[i]), "index", i)
				id := fmt.Sprintf("%s[%d]", stepID, i)
				itemInput := items[i]
				if step.Input != nil {
					itemInput = e.resolveNestedInput(rc, step, items[i], itemLocals)
				}
				batchOut[i-start], batchErr[i-start] = e.executeStep(ctx, rc, step, id, itemInput, itemLocals)
			}(i)
		}
		wg.Wait()

		for _, err := range batchErr {
			if err != nil {
				return nil, false, err
			}
		}
		results = append(results, batchOut...)

		if breakWhen != "" {
			env := localEnv(rc, withLocal(locals, "collected", append([]any(nil), results...)))
			if expr.EvalCondition(breakWhen, env) {
				return results, true, nil
			}
		}
	}
	return results, false, nil
}

func (e *Executor) runTry(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.Try

	out, err := e.runSequence(ctx, rc, cfg.Steps, input, locals)
	if err != nil {
		if _, ok := api.IsSuspendRequest(err); ok {
			return nil, err
		}
		if len(cfg.Catch) > 0 {
			catchLocals := withLocal(locals, "error", err.Error())
			out, err = e.runSequence(ctx, rc, cfg.Catch, input, catchLocals)
		}
	}

	if len(cfg.Finally) > 0 {
		// Finally always runs. Its own failure surfaces only when nothing
		// else is pending; it never suppresses one.
		if _, ferr := e.runSequence(ctx, rc, cfg.Finally, input, locals); ferr != nil && err == nil {
			err = ferr
		}
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) runSwitch(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.Switch
	v := expr.EvalValue(cfg.Value, localEnv(rc, locals))
	key := fmt.Sprintf("%v", v)

	branch, ok := cfg.Cases[key]
	if !ok {
		branch = cfg.Default
	}
	if len(branch) == 0 {
		// No match and no default is a nil result, not an error.
		return nil, nil
	}
	return e.runSequence(ctx, rc, branch, input, locals)
}

func (e *Executor) runWhile(ctx context.Context, rc *runContext, step *api.Step, stepID string, input any, locals map[string]any) (any, error) {
	cfg := step.While
	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = api.DefaultMaxIterations
	}

	current := input
	for i := 0; ; i++ {
		iterLocals := withLocal(locals, "iteration", i)
		if !expr.EvalCondition(cfg.Condition, localEnv(rc, iterLocals)) {
			return current, nil
		}
		if i >= limit {
			return nil, &api.MaxIterationsError{Step: stepID, Limit: limit}
		}
		out, err := e.runSequence(ctx, rc, cfg.Steps, current, iterLocals)
		if err != nil {
			return nil, err
		}
		current = out
	}
}

// localEnv overlays construct-scoped bindings on the run's expression scope.
func localEnv(rc *runContext, locals map[string]any) expr.Env {
	env := rc.exprEnv()
	for k, v := range locals {
		env = env.With(k, v)
	}
	return env
}

func withLocal(locals map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(locals)+1)
	for k, v := range locals {
		out[k] = v
	}
	out[key] = value
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
