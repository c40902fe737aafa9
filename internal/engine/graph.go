package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avorel/ensemble/internal/expr"
	"github.com/avorel/ensemble/pkg/api"
)

type nodeStatus int

const (
	nodePending nodeStatus = iota
	nodeRunning
	nodeCompleted
	nodeFailed
)

// graphNode is one compiled flow element with its dependency edges and
// execution bookkeeping.
type graphNode struct {
	id    string
	index int
	step  *api.Step
	deps  []string

	status nodeStatus
	result any
	err    error
	start  time.Time
	end    time.Time
}

// GraphExecutor compiles a flat flow into a dependency graph and executes it
// frontier by frontier: all nodes whose dependencies have completed run
// concurrently, results settle, and the frontier is recomputed. There is no
// ordering guarantee among concurrently-ready nodes beyond the dependency
// partial order.
type GraphExecutor struct {
	exec           *Executor
	maxConcurrency int
}

// GraphOption configures a GraphExecutor.
type GraphOption func(*GraphExecutor)

// WithMaxConcurrency bounds how many frontier nodes run at once.
// Zero or negative means unbounded.
func WithMaxConcurrency(n int) GraphOption {
	return func(g *GraphExecutor) {
		g.maxConcurrency = n
	}
}

// NewGraphExecutor creates a graph driver sharing exec's per-step machinery
// (resolution, retry, scoring, state, metrics, notifications).
func NewGraphExecutor(exec *Executor, opts ...GraphOption) *GraphExecutor {
	g := &GraphExecutor{exec: exec}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute compiles ens and runs it to completion. It returns
// ErrExecutionDeadlock for cyclic dependencies and a *api.NodeExecutionError
// when a node fails; already-running siblings are allowed to finish but no
// new frontier is started.
func (g *GraphExecutor) Execute(ctx context.Context, ens *api.Ensemble, input any) (*api.ExecutionOutput, error) {
	if err := ens.Validate(); err != nil {
		return nil, err
	}
	nodes, order, err := compileGraph(ens)
	if err != nil {
		return nil, err
	}

	rc := newRunContext(ens, uuid.NewString(), input, g.exec.env)
	e := g.exec
	e.notify(func() { e.notifier.OnExecutionStarted(ctx, rc.run) })

	for {
		frontier := readyNodes(nodes, order)
		if len(frontier) == 0 {
			if failed := firstFailed(nodes, order); failed != nil {
				err := &api.NodeExecutionError{NodeID: failed.id, Err: failed.err}
				e.notify(func() { e.notifier.OnExecutionFailed(ctx, rc.run, err) })
				return nil, err
			}
			if allCompleted(nodes) {
				break
			}
			// Nodes remain, nothing runnable, nothing failed: the
			// dependencies form a cycle.
			e.notify(func() { e.notifier.OnExecutionFailed(ctx, rc.run, api.ErrExecutionDeadlock) })
			return nil, fmt.Errorf("%w (ensemble %q)", api.ErrExecutionDeadlock, ens.Name)
		}

		g.runFrontier(ctx, rc, nodes, frontier)

		if failed := firstFailed(nodes, order); failed != nil {
			if reason, ok := api.IsSuspendRequest(failed.err); ok {
				// Suspension is a linear-driver feature; in a graph there
				// is no single resume index, so surface it as a failure.
				g.exec.logger.Warn("suspend requested inside graph flow, treating as failure",
					slog.String("node", failed.id),
					slog.String("reason", reason),
				)
			}
			err := &api.NodeExecutionError{NodeID: failed.id, Err: failed.err}
			e.notify(func() { e.notifier.OnExecutionFailed(ctx, rc.run, err) })
			return nil, err
		}
	}

	// The flow's last element is the conventional final output.
	var lastOutput any
	if last := nodes[order[len(order)-1]]; last != nil {
		lastOutput = last.result
	}
	result := rc.finalize(lastOutput, NewEnsembleScorer(ens.Scoring))
	e.notify(func() { e.notifier.OnExecutionCompleted(ctx, rc.run, result) })
	return result, nil
}

// runFrontier executes one frontier batch concurrently, bounded by
// maxConcurrency, and settles every node before returning. A failing node
// does not interrupt its running siblings.
func (g *GraphExecutor) runFrontier(ctx context.Context, rc *runContext, nodes map[string]*graphNode, frontier []*graphNode) {
	var sem chan struct{}
	if g.maxConcurrency > 0 {
		sem = make(chan struct{}, g.maxConcurrency)
	}

	var wg sync.WaitGroup
	for _, n := range frontier {
		n.status = nodeRunning
		n.start = time.Now()
		wg.Add(1)
		go func(n *graphNode) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			g.runNode(ctx, rc, nodes, n)
		}(n)
	}
	wg.Wait()
}

func (g *GraphExecutor) runNode(ctx context.Context, rc *runContext, nodes map[string]*graphNode, n *graphNode) {
	e := g.exec
	e.notify(func() { e.notifier.OnStepStarted(ctx, rc.run, n.id, n.index) })

	input := g.resolveNodeInput(rc, nodes, n)
	out, err := e.executeStep(ctx, rc, n.step, n.id, input, nil)

	n.end = time.Now()
	e.notify(func() { e.notifier.OnStepCompleted(ctx, rc.run, n.id, n.index, err, n.end.Sub(n.start)) })

	if err != nil {
		n.status = nodeFailed
		n.err = err
		return
	}
	n.status = nodeCompleted
	n.result = out
	rc.recordOutput(n.id, out)
}

// resolveNodeInput applies the graph variant of the default chain: explicit
// interpolated mapping, else a sole dependency's output, else the run input.
func (g *GraphExecutor) resolveNodeInput(rc *runContext, nodes map[string]*graphNode, n *graphNode) any {
	if n.step.Input != nil {
		return expr.Interpolate(copyMap(n.step.Input), rc.exprEnv())
	}
	if len(n.deps) == 1 {
		if dep := nodes[n.deps[0]]; dep != nil && dep.status == nodeCompleted {
			return dep.result
		}
	}
	return rc.input
}

// compileGraph turns the flat flow into nodes with explicit edges. Unknown
// dependency references are programmer errors and fail compilation; cycles
// are left for the execution loop to surface as deadlocks.
func compileGraph(ens *api.Ensemble) (map[string]*graphNode, []string, error) {
	nodes := make(map[string]*graphNode, len(ens.Flow))
	order := make([]string, 0, len(ens.Flow))

	for i := range ens.Flow {
		step := &ens.Flow[i]
		id := step.EffectiveID(i)
		nodes[id] = &graphNode{
			id:    id,
			index: i,
			step:  step,
			deps:  step.DependsOn,
		}
		order = append(order, id)
	}

	for _, id := range order {
		for _, dep := range nodes[id].deps {
			if dep == id {
				return nil, nil, fmt.Errorf("ensemble %q: node %q depends on itself", ens.Name, id)
			}
			if _, ok := nodes[dep]; !ok {
				return nil, nil, fmt.Errorf("ensemble %q: node %q depends on unknown node %q", ens.Name, id, dep)
			}
		}
	}
	return nodes, order, nil
}

// readyNodes returns pending nodes whose dependencies have all completed,
// in flow order.
func readyNodes(nodes map[string]*graphNode, order []string) []*graphNode {
	var ready []*graphNode
	for _, id := range order {
		n := nodes[id]
		if n.status != nodePending {
			continue
		}
		ok := true
		for _, dep := range n.deps {
			if nodes[dep].status != nodeCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

func firstFailed(nodes map[string]*graphNode, order []string) *graphNode {
	for _, id := range order {
		if nodes[id].status == nodeFailed {
			return nodes[id]
		}
	}
	return nil
}

func allCompleted(nodes map[string]*graphNode) bool {
	for _, n := range nodes {
		if n.status != nodeCompleted {
			return false
		}
	}
	return true
}
