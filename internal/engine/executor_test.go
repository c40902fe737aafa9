package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avorel/ensemble/pkg/api"
)

// recorder tracks agent invocation order across concurrent steps.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// suffixAgent appends "-<name>" to a string input, so chained outputs spell
// out the execution path.
func suffixAgent(rec *recorder, name string) api.Agent {
	return api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		rec.add(name)
		s, _ := ac.Input.(string)
		return &api.AgentResult{Data: s + "-" + name}, nil
	})
}

func constAgent(out any) api.Agent {
	return api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return &api.AgentResult{Data: out}, nil
	})
}

func echoAgent() api.Agent {
	return api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return &api.AgentResult{Data: ac.Input}, nil
	})
}

func TestExecutor_LinearOrderAndDefaultChaining(t *testing.T) {
	rec := &recorder{}
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", suffixAgent(rec, "a")))
	require.NoError(t, reg.Register("b", suffixAgent(rec, "b")))
	require.NoError(t, reg.Register("c", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		rec.add("c")
		// Earlier outputs are visible by step ID.
		if _, ok := ac.PreviousOutputs["a"]; !ok {
			return nil, errors.New("missing output of a")
		}
		if _, ok := ac.PreviousOutputs["b"]; !ok {
			return nil, errors.New("missing output of b")
		}
		s, _ := ac.Input.(string)
		return &api.AgentResult{Data: s + "-c"}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "linear",
		Flow: []api.Step{{Agent: "a"}, {Agent: "b"}, {Agent: "c"}},
	}

	out, err := exec.Execute(context.Background(), ens, "x")
	require.NoError(t, err)
	require.Equal(t, "x-a-b-c", out.Output)
	require.Equal(t, []string{"a", "b", "c"}, rec.order())
	require.Len(t, out.Metrics.PerStep, 3)
}

func TestExecutor_ExplicitInputMapping(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", constAgent("hello")))
	require.NoError(t, reg.Register("b", echoAgent()))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "mapping",
		Flow: []api.Step{
			{Agent: "a"},
			{Agent: "b", Input: map[string]any{"prev": "${results.a}", "fixed": 7}},
		},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	got, ok := out.Output.(map[string]any)
	require.True(t, ok, "expected map output, got %T", out.Output)
	require.Equal(t, "hello", got["prev"])
	require.Equal(t, 7, got["fixed"])
}

func TestExecutor_WhenGuardSkips(t *testing.T) {
	calls := 0
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", constAgent("ran")))
	require.NoError(t, reg.Register("gated", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		calls++
		return &api.AgentResult{Data: "gated"}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "guard",
		Flow: []api.Step{
			{Agent: "a"},
			{ID: "gate", Agent: "gated", When: "context.input.approve"},
		},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{"approve": false})
	require.NoError(t, err)
	require.Equal(t, 0, calls)
	require.Equal(t, api.Skipped{Step: "gate"}, out.Output)
}

func TestExecutor_WhenGuardFailureSkips(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", constAgent("ran")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "badguard",
		Flow: []api.Step{
			{ID: "s", Agent: "a", When: "context.no.such.thing"},
		},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, api.Skipped{Step: "s"}, out.Output)
}

func TestExecutor_RetryUntilSuccess(t *testing.T) {
	calls := 0
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("flaky", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		calls++
		if calls < 3 {
			return nil, api.NewCodedError("rate_limited", errors.New("throttled"))
		}
		return &api.AgentResult{Data: "ok"}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "retry",
		Flow: []api.Step{{
			Agent: "flaky",
			Retry: &api.RetryPolicy{
				MaxAttempts:  3,
				Strategy:     api.BackoffFixed,
				InitialDelay: time.Millisecond,
				RetryOn:      []string{"rate_limited"},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Output)
	require.Equal(t, 3, calls)
}

func TestExecutor_RetryOnCodeMismatchFailsFast(t *testing.T) {
	calls := 0
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("fatal", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		calls++
		return nil, api.NewCodedError("schema_invalid", errors.New("bad payload"))
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "retrycode",
		Flow: []api.Step{{
			Agent: "fatal",
			Retry: &api.RetryPolicy{MaxAttempts: 5, RetryOn: []string{"rate_limited"}},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "schema_invalid", api.ErrorCode(err))

	var ee *api.EnsembleExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "fatal", ee.Step)
}

func TestExecutor_TimeoutError(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("slow", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		select {
		case <-time.After(time.Second):
			return &api.AgentResult{Data: "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "timeout",
		Flow: []api.Step{{
			ID:      "slow-call",
			Agent:   "slow",
			Timeout: &api.TimeoutPolicy{Duration: 20 * time.Millisecond, Error: true},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	var te *api.TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "slow-call", te.Step)
	require.Equal(t, "timeout", api.ErrorCode(err))
}

func TestExecutor_TimeoutFallback(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("slow", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		time.Sleep(time.Second)
		return &api.AgentResult{Data: "late"}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "fallback",
		Flow: []api.Step{{
			Agent:   "slow",
			Timeout: &api.TimeoutPolicy{Duration: 20 * time.Millisecond, Fallback: "default-answer"},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, "default-answer", out.Output)
}

func TestExecutor_ParallelWaitAll(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("p1", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &api.AgentResult{Data: "one"}, nil
	})))
	require.NoError(t, reg.Register("p2", constAgent("two")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "parallel",
		Flow: []api.Step{{
			ID:   "fanout",
			Kind: api.KindParallel,
			Parallel: &api.ParallelConfig{
				Steps: []api.Step{{Agent: "p1"}, {Agent: "p2"}},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	// Declaration order regardless of completion order.
	require.Equal(t, []any{"one", "two"}, out.Output)
}

func TestExecutor_ParallelWaitAny(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("slow", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		time.Sleep(200 * time.Millisecond)
		return &api.AgentResult{Data: "slow"}, nil
	})))
	require.NoError(t, reg.Register("fast", constAgent("fast")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "race",
		Flow: []api.Step{{
			ID:   "race",
			Kind: api.KindParallel,
			Parallel: &api.ParallelConfig{
				Steps:   []api.Step{{Agent: "slow"}, {Agent: "fast"}},
				WaitFor: api.WaitAny,
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, "fast", out.Output)
}

func TestExecutor_ParallelChildFailure(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("ok", constAgent("fine")))
	require.NoError(t, reg.Register("boom", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return nil, errors.New("child exploded")
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "parfail",
		Flow: []api.Step{{
			ID:   "fanout",
			Kind: api.KindParallel,
			Parallel: &api.ParallelConfig{
				Steps: []api.Step{{Agent: "ok"}, {Agent: "boom"}},
			},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "child exploded")
}

func TestExecutor_Branch(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("approve", constAgent("approved")))
	require.NoError(t, reg.Register("reject", constAgent("rejected")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "branch",
		Flow: []api.Step{{
			ID:   "gate",
			Kind: api.KindBranch,
			Branch: &api.BranchConfig{
				Condition: "context.input.score > 0.5",
				Then:      []api.Step{{Agent: "approve"}},
				Else:      []api.Step{{Agent: "reject"}},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{"score": 0.9})
	require.NoError(t, err)
	require.Equal(t, "approved", out.Output)

	out, err = exec.Execute(context.Background(), ens, map[string]any{"score": 0.1})
	require.NoError(t, err)
	require.Equal(t, "rejected", out.Output)
}

func TestExecutor_BranchEmptyElse(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("approve", constAgent("approved")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "halfbranch",
		Flow: []api.Step{{
			ID:   "gate",
			Kind: api.KindBranch,
			Branch: &api.BranchConfig{
				Condition: "context.input.go",
				Then:      []api.Step{{Agent: "approve"}},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{"go": false})
	require.NoError(t, err)
	require.Nil(t, out.Output)
}

func TestExecutor_ForeachOrderedResults(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("pick", echoAgent()))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "foreach",
		Flow: []api.Step{{
			ID:   "loop",
			Kind: api.KindForeach,
			Foreach: &api.ForeachConfig{
				Items:          "context.input.items",
				Step:           &api.Step{Agent: "pick"},
				MaxConcurrency: 2,
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{
		"items": []any{1, 2, 3, 4, 5},
	})
	require.NoError(t, err)
	// Items pass through the expression layer, so numbers come back as
	// float64 regardless of how the input typed them.
	require.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0}, out.Output)
}

func TestExecutor_ForeachBreakWhen(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("pick", echoAgent()))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "foreach-break",
		Flow: []api.Step{{
			ID:   "loop",
			Kind: api.KindForeach,
			Foreach: &api.ForeachConfig{
				Items:          "context.input.items",
				Step:           &api.Step{Agent: "pick"},
				MaxConcurrency: 2,
				BreakWhen:      "context.collected[1] >= 2",
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{
		"items": []any{1, 2, 3, 4, 5},
	})
	require.NoError(t, err)
	require.Equal(t, []any{1.0, 2.0}, out.Output)
}

func TestExecutor_ForeachItemsNotAList(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("pick", echoAgent()))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "foreach-bad",
		Flow: []api.Step{{
			ID:   "loop",
			Kind: api.KindForeach,
			Foreach: &api.ForeachConfig{
				Items: "context.input.items",
				Step:  &api.Step{Agent: "pick"},
			},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, map[string]any{"items": "not-a-list"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not yield a list")
}

func TestExecutor_MapReduce(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("mapper", echoAgent()))
	require.NoError(t, reg.Register("reducer", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		items, ok := ac.Input.([]any)
		if !ok {
			return nil, fmt.Errorf("reducer expected []any, got %T", ac.Input)
		}
		sum := 0.0
		for _, it := range items {
			sum += it.(float64)
		}
		return &api.AgentResult{Data: sum}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "mapreduce",
		Flow: []api.Step{{
			ID:   "mr",
			Kind: api.KindMapReduce,
			MapReduce: &api.MapReduceConfig{
				Items:          "context.input.items",
				Map:            &api.Step{Agent: "mapper"},
				Reduce:         &api.Step{Agent: "reducer"},
				MaxConcurrency: 2,
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{
		"items": []any{1, 2, 3, 4},
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, out.Output)
}

func TestExecutor_TryCatchFinally(t *testing.T) {
	finallyRan := false
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("boom", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return nil, errors.New("primary path failed")
	})))
	require.NoError(t, reg.Register("rescue", echoAgent()))
	require.NoError(t, reg.Register("cleanup", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		finallyRan = true
		return &api.AgentResult{}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "try",
		Flow: []api.Step{{
			ID:   "protected",
			Kind: api.KindTry,
			Try: &api.TryConfig{
				Steps: []api.Step{{Agent: "boom"}},
				Catch: []api.Step{{
					Agent: "rescue",
					Input: map[string]any{"err": "${context.error}"},
				}},
				Finally: []api.Step{{Agent: "cleanup"}},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.True(t, finallyRan)
	got, ok := out.Output.(map[string]any)
	require.True(t, ok, "expected map output, got %T", out.Output)
	require.Contains(t, got["err"], "primary path failed")
}

func TestExecutor_TryFinallyNeverSuppresses(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("boom", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return nil, errors.New("primary path failed")
	})))
	require.NoError(t, reg.Register("cleanup", constAgent("cleaned")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "try-rethrow",
		Flow: []api.Step{{
			ID:   "protected",
			Kind: api.KindTry,
			Try: &api.TryConfig{
				Steps:   []api.Step{{Agent: "boom"}},
				Finally: []api.Step{{Agent: "cleanup"}},
			},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "primary path failed")
}

func TestExecutor_Switch(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("handle-a", constAgent("was-a")))
	require.NoError(t, reg.Register("handle-b", constAgent("was-b")))
	require.NoError(t, reg.Register("handle-default", constAgent("was-default")))

	ens := &api.Ensemble{
		Name: "switch",
		Flow: []api.Step{{
			ID:   "route",
			Kind: api.KindSwitch,
			Switch: &api.SwitchConfig{
				Value: "context.input.kind",
				Cases: map[string][]api.Step{
					"a": {{Agent: "handle-a"}},
					"b": {{Agent: "handle-b"}},
				},
				Default: []api.Step{{Agent: "handle-default"}},
			},
		}},
	}
	exec := NewExecutor(reg)

	out, err := exec.Execute(context.Background(), ens, map[string]any{"kind": "b"})
	require.NoError(t, err)
	require.Equal(t, "was-b", out.Output)

	out, err = exec.Execute(context.Background(), ens, map[string]any{"kind": "zzz"})
	require.NoError(t, err)
	require.Equal(t, "was-default", out.Output)
}

func TestExecutor_SwitchNoMatchNoDefault(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("handle-a", constAgent("was-a")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "switch-miss",
		Flow: []api.Step{{
			ID:   "route",
			Kind: api.KindSwitch,
			Switch: &api.SwitchConfig{
				Value: "context.input.kind",
				Cases: map[string][]api.Step{"a": {{Agent: "handle-a"}}},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, map[string]any{"kind": "other"})
	require.NoError(t, err)
	require.Nil(t, out.Output)
}

func TestExecutor_WhileRunsUntilConditionFalse(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("tick", echoAgent()))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "while",
		Flow: []api.Step{{
			ID:   "loop",
			Kind: api.KindWhile,
			While: &api.WhileConfig{
				Condition:     "context.iteration < 3",
				Steps:         []api.Step{{Agent: "tick"}},
				MaxIterations: 10,
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, "seed")
	require.NoError(t, err)
	require.Equal(t, "seed", out.Output)
}

func TestExecutor_WhileMaxIterationsIsFatal(t *testing.T) {
	bodyRuns := 0
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("tick", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		bodyRuns++
		return &api.AgentResult{Data: bodyRuns}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "spin",
		Flow: []api.Step{{
			ID:   "loop",
			Kind: api.KindWhile,
			While: &api.WhileConfig{
				Condition:     "true",
				Steps:         []api.Step{{Agent: "tick"}},
				MaxIterations: 3,
			},
		}},
	}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	var mie *api.MaxIterationsError
	require.ErrorAs(t, err, &mie)
	require.Equal(t, 3, mie.Limit)
	require.Equal(t, 3, bodyRuns, "body must run exactly limit times before failing")
}

func TestExecutor_SuspendAndResume(t *testing.T) {
	var approved bool
	prepCalls := 0
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("prep", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		prepCalls++
		return &api.AgentResult{Data: "prepared"}, nil
	})))
	require.NoError(t, reg.Register("gate", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		if !approved {
			return nil, api.Suspend("waiting for human approval")
		}
		return &api.AgentResult{Data: "approved"}, nil
	})))
	require.NoError(t, reg.Register("finish", suffixAgent(&recorder{}, "finish")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "approval",
		Flow: []api.Step{{Agent: "prep"}, {Agent: "gate"}, {Agent: "finish"}},
	}

	_, err := exec.Execute(context.Background(), ens, "req")
	require.Error(t, err)
	snap, ok := api.SuspendedStateFrom(err)
	require.True(t, ok, "expected a suspension, got %v", err)
	require.Equal(t, "waiting for human approval", snap.Reason)
	require.Equal(t, 1, snap.ResumeFromStep)
	require.Equal(t, "prepared", snap.Outputs["prep"])

	approved = true
	out, err := exec.Resume(context.Background(), ens, snap)
	require.NoError(t, err)
	require.Equal(t, "approved-finish", out.Output)
	require.Equal(t, 1, prepCalls, "completed steps must not rerun on resume")
}

func TestExecutor_ResumeRejectsForeignSnapshot(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", constAgent("x")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{Name: "mine", Flow: []api.Step{{Agent: "a"}}}

	_, err := exec.Resume(context.Background(), ens, &api.SuspendedState{Ensemble: "theirs"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "belongs to ensemble")
}

func TestExecutor_SharedStateScoping(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("writer", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		if err := ac.State.Set("draft", "v1"); err != nil {
			return nil, err
		}
		// Keys outside the declaration are rejected.
		if err := ac.State.Set("notes", "sneaky"); err == nil {
			return nil, errors.New("expected undeclared write to fail")
		}
		return &api.AgentResult{Data: "wrote"}, nil
	})))
	require.NoError(t, reg.Register("reader", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		v, ok := ac.State.Get("draft")
		if !ok {
			return nil, errors.New("draft not visible")
		}
		return &api.AgentResult{Data: v}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "stateful",
		State: &api.StateConfig{
			Schema:  map[string]string{"draft": "string", "notes": "string"},
			Initial: map[string]any{"draft": "", "unused": 1},
		},
		Flow: []api.Step{
			{Agent: "writer", State: &api.StateAccess{Set: []string{"draft"}}},
			{Agent: "reader", State: &api.StateAccess{Use: []string{"draft"}}},
		},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, "v1", out.Output)

	require.NotNil(t, out.StateReport)
	require.Contains(t, out.StateReport.UnusedKeys, "unused")
	require.Contains(t, out.StateReport.UnusedKeys, "notes")
	pattern := out.StateReport.Patterns["draft"]
	require.Equal(t, 1, pattern.Writes)
	require.Equal(t, 1, pattern.Reads)
	require.Equal(t, []string{"writer"}, pattern.Writers)
	require.Equal(t, []string{"reader"}, pattern.Readers)
}

func TestExecutor_OutputMapping(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("writer", constAgent(map[string]any{"msg": "done", "n": 3})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "outputs",
		Flow: []api.Step{{Agent: "writer"}},
		Output: map[string]string{
			"text":    "results.writer.msg",
			"doubled": "results.writer.n * 2",
			"broken":  "results.nope.x",
		},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	got, ok := out.Output.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "done", got["text"])
	require.Equal(t, 6.0, got["doubled"])
	// Failed value expressions fall back to their raw text.
	require.Equal(t, "results.nope.x", got["broken"])
}

func TestExecutor_CachedResultsCountAsHits(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("cached", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		return &api.AgentResult{Data: "hit", Cached: true}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{Name: "cache", Flow: []api.Step{{Agent: "cached"}}}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, 1, out.Metrics.CacheHits)
}

func TestExecutor_UnknownAgentFails(t *testing.T) {
	exec := NewExecutor(api.NewRegistry())
	ens := &api.Ensemble{Name: "ghost", Flow: []api.Step{{Agent: "nobody"}}}

	_, err := exec.Execute(context.Background(), ens, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, api.ErrAgentNotFound)
}

func TestExecutor_ScoredStepRetriesUntilPassing(t *testing.T) {
	agentCalls := 0
	scores := []float64{0.5, 0.6, 0.8}
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("drafter", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		agentCalls++
		return &api.AgentResult{Data: fmt.Sprintf("draft-%d", agentCalls)}, nil
	})))
	require.NoError(t, reg.RegisterEvaluator("judge", api.EvaluatorFunc(func(ctx context.Context, result *api.AgentResult, attempt int, previousScore float64) (*api.Evaluation, error) {
		return &api.Evaluation{Score: scores[attempt-1], Feedback: "tighten it up"}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "quality",
		Flow: []api.Step{{
			Agent: "drafter",
			Scoring: &api.ScoringConfig{
				Evaluator:  "judge",
				Threshold:  0.7,
				RetryLimit: 3,
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.Equal(t, "draft-3", out.Output)
	require.Equal(t, 3, agentCalls)

	require.NotNil(t, out.Scoring)
	require.Len(t, out.Scoring.History, 3)
	last := out.Scoring.History[2]
	require.True(t, last.Passed)
	require.Equal(t, 3, last.Attempt)
	require.NotNil(t, out.Scoring.FinalScore)
	require.Equal(t, 0.8, *out.Scoring.FinalScore)
}

func TestExecutor_ParallelScoredChildren(t *testing.T) {
	reg := api.NewRegistry()
	for _, name := range []string{"w1", "w2", "w3", "w4"} {
		name := name
		require.NoError(t, reg.Register(name, api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
			time.Sleep(10 * time.Millisecond)
			return &api.AgentResult{Data: name}, nil
		})))
	}
	require.NoError(t, reg.RegisterEvaluator("judge", api.EvaluatorFunc(func(ctx context.Context, result *api.AgentResult, attempt int, previousScore float64) (*api.Evaluation, error) {
		return &api.Evaluation{Score: 0.9}, nil
	})))

	scored := func(agent string) api.Step {
		return api.Step{
			Agent:   agent,
			Scoring: &api.ScoringConfig{Evaluator: "judge"},
		}
	}

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "fanout-scored",
		Flow: []api.Step{{
			ID:   "fanout",
			Kind: api.KindParallel,
			Parallel: &api.ParallelConfig{
				Steps: []api.Step{scored("w1"), scored("w2"), scored("w3"), scored("w4")},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)

	// Concurrent children all record into the run's shared history; every
	// attempt must land exactly once.
	require.NotNil(t, out.Scoring)
	require.Len(t, out.Scoring.History, 4)
	seen := map[string]bool{}
	for _, rec := range out.Scoring.History {
		require.True(t, rec.Passed)
		seen[rec.StepID] = true
	}
	require.Len(t, seen, 4)
}

func TestExecutor_WaitAnyLoserCannotMutateResult(t *testing.T) {
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("fast", constAgent("fast")))
	require.NoError(t, reg.Register("slow", api.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
		time.Sleep(40 * time.Millisecond)
		return &api.AgentResult{Data: "slow"}, nil
	})))
	require.NoError(t, reg.RegisterEvaluator("judge", api.EvaluatorFunc(func(ctx context.Context, result *api.AgentResult, attempt int, previousScore float64) (*api.Evaluation, error) {
		return &api.Evaluation{Score: 0.9}, nil
	})))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "race-to-first",
		Flow: []api.Step{{
			ID:   "first",
			Kind: api.KindParallel,
			Parallel: &api.ParallelConfig{
				WaitFor: api.WaitAny,
				Steps: []api.Step{
					{Agent: "fast", Scoring: &api.ScoringConfig{Evaluator: "judge"}},
					{Agent: "slow", Scoring: &api.ScoringConfig{Evaluator: "judge"}},
				},
			},
		}},
	}

	out, err := exec.Execute(context.Background(), ens, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Scoring)
	recorded := len(out.Scoring.History)

	// The losing child keeps running after the join; whatever it records
	// must not show up in the output already handed to the caller.
	time.Sleep(80 * time.Millisecond)
	require.Len(t, out.Scoring.History, recorded)
}

func TestExecutor_MetricsIncludeControlFlowSteps(t *testing.T) {
	rec := &recorder{}
	reg := api.NewRegistry()
	require.NoError(t, reg.Register("a", suffixAgent(rec, "a")))
	require.NoError(t, reg.Register("p1", constAgent("one")))
	require.NoError(t, reg.Register("p2", constAgent("two")))

	exec := NewExecutor(reg)
	ens := &api.Ensemble{
		Name: "mixed",
		Flow: []api.Step{
			{Agent: "a"},
			{
				ID:   "fanout",
				Kind: api.KindParallel,
				Parallel: &api.ParallelConfig{
					Steps: []api.Step{{Agent: "p1"}, {Agent: "p2"}},
				},
			},
		},
	}

	out, err := exec.Execute(context.Background(), ens, "x")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, m := range out.Metrics.PerStep {
		require.True(t, m.Success)
		names[m.Name] = true
	}
	require.Len(t, out.Metrics.PerStep, 4)
	for _, want := range []string{"a", "p1", "p2", "fanout"} {
		require.True(t, names[want], "missing metric for %s", want)
	}
}
