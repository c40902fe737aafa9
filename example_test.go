package ensemble_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/avorel/ensemble"
	"github.com/avorel/ensemble/pkg/api"
)

// Example_builder demonstrates defining and running a simple ensemble using
// the high-level Builder API and an explicit registry.
func Example_builder() {
	ctx := context.Background()

	reg := ensemble.NewRegistry()
	if err := reg.Register("greet", greet); err != nil {
		log.Fatal(err)
	}
	if err := reg.Register("shout", shout); err != nil {
		log.Fatal(err)
	}

	ens := ensemble.New("Greeting").
		Agent("greet").
		Agent("shout").
		Definition()

	runner := ensemble.NewRunner(reg)
	out, err := runner.Execute(ctx, ens, "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(out.Output)
	// Output: HELLO, GOPHER
}

// Example_scoring demonstrates a quality-gated step: the drafting agent is
// retried until its output clears the evaluator's threshold.
func Example_scoring() {
	ctx := context.Background()

	reg := ensemble.NewRegistry()
	if err := reg.Register("draft", greet); err != nil {
		log.Fatal(err)
	}
	err := reg.RegisterEvaluator("length", ensemble.EvaluatorFunc(
		func(ctx context.Context, result *api.AgentResult, attempt int, previousScore float64) (*api.Evaluation, error) {
			text, _ := result.Data.(string)
			score := float64(len(text)) / 20.0
			return &api.Evaluation{Score: score, Passed: score >= 0.5}, nil
		}))
	if err != nil {
		log.Fatal(err)
	}

	ens := ensemble.New("GatedGreeting").
		AgentWithScoring("draft", ensemble.ScoringConfig{
			Evaluator: "length",
			Threshold: 0.5,
		}).
		Definition()

	out, err := ensemble.NewRunner(reg).Execute(ctx, ens, "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(out.Output)
	// Output: hello, Gopher
}

var greet = ensemble.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
	name, ok := ac.Input.(string)
	if !ok {
		return nil, fmt.Errorf("greet: expected string input, got %T", ac.Input)
	}
	return &api.AgentResult{Data: "hello, " + name}, nil
})

var shout = ensemble.AgentFunc(func(ctx context.Context, ac *api.AgentContext) (*api.AgentResult, error) {
	msg, ok := ac.Input.(string)
	if !ok {
		return nil, fmt.Errorf("shout: expected string input, got %T", ac.Input)
	}
	return &api.AgentResult{Data: strings.ToUpper(msg)}, nil
})
