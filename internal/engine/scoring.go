package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/avorel/ensemble/pkg/api"
)

// Action is one attempt of a step's underlying work, invoked repeatedly by
// the scoring loop.
type Action func(ctx context.Context) (*api.AgentResult, error)

// ScoreOutcome is the terminal result of one quality-gated retry loop. The
// last attempt's result is always carried here, even on exhaustion.
type ScoreOutcome struct {
	Result     *api.AgentResult
	Evaluation *api.Evaluation
	Attempts   int
	Status     api.ScoreStatus
}

// ScoringExecutor runs actions under a quality gate: each attempt is scored
// by an evaluator, and the action is retried until the score passes the
// configured threshold or the retry limit is exhausted.
type ScoringExecutor struct {
	logger *slog.Logger
}

// NewScoringExecutor creates a ScoringExecutor logging to logger.
func NewScoringExecutor(logger *slog.Logger) *ScoringExecutor {
	return &ScoringExecutor{logger: logger}
}

// Execute runs the loop for one step. Every evaluated attempt is recorded
// into scoring. Action or evaluator errors propagate as ordinary failures;
// exhaustion returns the last attempt with ScoreMaxRetriesExceeded unless
// the config escalates via FailAbort, in which case err is also set and the
// caller fails the step.
func (se *ScoringExecutor) Execute(
	ctx context.Context,
	stepID string,
	action Action,
	evaluator api.Evaluator,
	cfg *api.ScoringConfig,
	scoring *api.ScoringState,
) (*ScoreOutcome, error) {
	threshold := cfg.MinScore()
	maxAttempts := cfg.RetryLimit + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var previousScore float64
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := action(ctx)
		if err != nil {
			return nil, err
		}

		eval, err := evaluator.Evaluate(ctx, result, attempt, previousScore)
		if err != nil {
			return nil, &api.AgentExecutionError{Agent: cfg.Evaluator, Err: err}
		}

		passed := eval.Passed || eval.Score >= threshold
		stalled := attempt > 1 && cfg.RequireImprovement &&
			eval.Score < previousScore+cfg.MinImprovement
		scoring.Record(api.ScoreRecord{
			StepID:    stepID,
			Score:     eval.Score,
			Passed:    passed,
			Feedback:  eval.Feedback,
			Breakdown: eval.Breakdown,
			Attempt:   attempt,
			Timestamp: time.Now(),
			Stalled:   stalled,
		})

		outcome := &ScoreOutcome{
			Result:     result,
			Evaluation: eval,
			Attempts:   attempt,
		}

		if passed {
			outcome.Status = api.ScorePassed
			return outcome, nil
		}

		if stalled {
			// Non-helpful retry: no better than the last one. It still
			// counted as an attempt; the record carries the flag for the
			// flow author.
			se.logger.Warn("scoring retry did not improve",
				slog.String("step", stepID),
				slog.Int("attempt", attempt),
				slog.Float64("score", eval.Score),
				slog.Float64("previous", previousScore),
			)
		}
		previousScore = eval.Score

		if attempt == maxAttempts {
			if cfg.OnFailure == api.FailAbort {
				outcome.Status = api.ScoreAborted
				return outcome, &api.AgentExecutionError{
					Agent: stepID,
					Err: &api.CodedError{
						ErrCode: "score_below_threshold",
						Err:     scoreExhaustedError{stepID: stepID, score: eval.Score, threshold: threshold},
					},
				}
			}
			// The last result is surfaced, never discarded.
			se.logger.Warn("scoring retries exhausted, keeping last attempt",
				slog.String("step", stepID),
				slog.Int("attempts", attempt),
				slog.Float64("score", eval.Score),
				slog.Float64("threshold", threshold),
			)
			outcome.Status = api.ScoreMaxRetriesExceeded
			return outcome, nil
		}
	}
	// Unreachable: the loop always returns on its final attempt.
	return nil, nil
}

type scoreExhaustedError struct {
	stepID    string
	score     float64
	threshold float64
}

func (e scoreExhaustedError) Error() string {
	return "score below threshold after exhausting retries"
}

// EnsembleScorer folds a run's score history into an ensemble-level score
// plus summary quality metrics.
type EnsembleScorer struct {
	cfg *api.EnsembleScoringConfig
}

// NewEnsembleScorer creates a scorer using cfg; nil cfg means default
// strategy (weighted average, uniform weights).
func NewEnsembleScorer(cfg *api.EnsembleScoringConfig) *EnsembleScorer {
	return &EnsembleScorer{cfg: cfg}
}

// Finalize computes FinalScore and Quality on scoring in place. A history
// with no records leaves both unset.
func (s *EnsembleScorer) Finalize(scoring *api.ScoringState) {
	if scoring == nil || len(scoring.History) == 0 {
		return
	}

	// Each step contributes its final (last-recorded) attempt.
	finals := make(map[string]api.ScoreRecord)
	attempts := make(map[string]int)
	order := make([]string, 0)
	for _, rec := range scoring.History {
		if _, seen := finals[rec.StepID]; !seen {
			order = append(order, rec.StepID)
		}
		finals[rec.StepID] = rec
		if rec.Attempt > attempts[rec.StepID] {
			attempts[rec.StepID] = rec.Attempt
		}
	}

	strategy := api.StrategyWeightedAverage
	var weights map[string]float64
	if s.cfg != nil {
		if s.cfg.Strategy != "" {
			strategy = s.cfg.Strategy
		}
		weights = s.cfg.Weights
	}

	var final float64
	switch strategy {
	case api.StrategyMinimum:
		final = math.Inf(1)
		for _, id := range order {
			if sc := finals[id].Score; sc < final {
				final = sc
			}
		}
	case api.StrategyGeometricMean:
		logSum := 0.0
		for _, id := range order {
			sc := finals[id].Score
			if sc <= 0 {
				logSum = math.Inf(-1)
				break
			}
			logSum += math.Log(sc)
		}
		if math.IsInf(logSum, -1) {
			final = 0
		} else {
			final = math.Exp(logSum / float64(len(order)))
		}
	default: // weighted average
		var sum, weightSum float64
		for _, id := range order {
			w := 1.0
			if weights != nil {
				if ww, ok := weights[id]; ok {
					w = ww
				}
			}
			sum += finals[id].Score * w
			weightSum += w
		}
		if weightSum > 0 {
			final = sum / weightSum
		}
	}

	passedSteps := 0
	totalAttempts := 0
	for _, id := range order {
		if finals[id].Passed {
			passedSteps++
		}
		totalAttempts += attempts[id]
	}

	scoring.FinalScore = &final
	scoring.Quality = &api.QualityMetrics{
		PassRate:     float64(passedSteps) / float64(len(order)),
		MeanAttempts: float64(totalAttempts) / float64(len(order)),
		StepsScored:  len(order),
	}
}
