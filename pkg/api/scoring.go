package api

import (
	"sync"
	"time"
)

// DefaultThreshold is the minimum passing score when a ScoringConfig does
// not set its own.
const DefaultThreshold = 0.7

// FailurePolicy controls what happens when the scoring loop exhausts its
// retries without passing.
type FailurePolicy string

const (
	// FailRetry (the default) surfaces the last attempt with a
	// max_retries_exceeded status and lets the run continue.
	FailRetry FailurePolicy = "retry"

	// FailContinue behaves like FailRetry; it exists so flows can state the
	// intent explicitly.
	FailContinue FailurePolicy = "continue"

	// FailAbort escalates exhaustion to a hard step failure.
	FailAbort FailurePolicy = "abort"
)

// ScoringConfig routes a step through the quality-gated retry loop.
type ScoringConfig struct {
	// Evaluator is the registry reference of the evaluator that scores each
	// attempt.
	Evaluator string

	// Threshold is the minimum passing score (DefaultThreshold when 0).
	Threshold float64

	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int

	// RequireImprovement treats a retry whose score does not exceed the
	// previous one by MinImprovement as non-helpful. It still counts as an
	// attempt.
	RequireImprovement bool
	MinImprovement     float64

	OnFailure FailurePolicy
}

// MinScore returns the effective passing threshold.
func (c *ScoringConfig) MinScore() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

// ScoreStatus is the terminal status of one scoring loop.
type ScoreStatus string

const (
	ScorePassed             ScoreStatus = "passed"
	ScoreMaxRetriesExceeded ScoreStatus = "max_retries_exceeded"
	ScoreAborted            ScoreStatus = "aborted"
)

// ScoreRecord is one evaluated attempt in the run's score history.
type ScoreRecord struct {
	StepID    string             `json:"step_id"`
	Score     float64            `json:"score"`
	Passed    bool               `json:"passed"`
	Feedback  string             `json:"feedback,omitempty"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Attempt   int                `json:"attempt"`
	Timestamp time.Time          `json:"timestamp"`

	// Stalled marks a retry that did not beat the previous attempt's score
	// by at least MinImprovement. Only set for configs with
	// RequireImprovement.
	Stalled bool `json:"stalled,omitempty"`
}

// ScoringState accumulates score history across a run. It is part of the
// suspend/resume snapshot. Recording is safe for concurrent use: parallel
// children, batched foreach instances and graph frontier nodes all record
// into the same state.
type ScoringState struct {
	mu sync.Mutex

	History     []ScoreRecord   `json:"history,omitempty"`
	RetryCounts map[string]int  `json:"retry_counts,omitempty"`
	FinalScore  *float64        `json:"final_score,omitempty"`
	Quality     *QualityMetrics `json:"quality,omitempty"`
}

// NewScoringState returns an empty ScoringState.
func NewScoringState() *ScoringState {
	return &ScoringState{RetryCounts: make(map[string]int)}
}

// Record appends an attempt to the history and bumps the step's retry count
// for attempts beyond the first.
func (s *ScoringState) Record(rec ScoreRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, rec)
	if rec.Attempt > 1 {
		if s.RetryCounts == nil {
			s.RetryCounts = make(map[string]int)
		}
		s.RetryCounts[rec.StepID]++
	}
}

// LastForStep returns the most recent record for the given step.
func (s *ScoringState) LastForStep(stepID string) (ScoreRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].StepID == stepID {
			return s.History[i], true
		}
	}
	return ScoreRecord{}, false
}

// Clone returns a deep copy detached from subsequent recording. The drivers
// hand clones to callers so that stragglers still recording (for example a
// losing WaitAny child) cannot mutate a result or snapshot already returned.
func (s *ScoringState) Clone() *ScoringState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ScoringState{
		History:     append([]ScoreRecord(nil), s.History...),
		RetryCounts: make(map[string]int, len(s.RetryCounts)),
	}
	for k, v := range s.RetryCounts {
		out.RetryCounts[k] = v
	}
	if s.FinalScore != nil {
		f := *s.FinalScore
		out.FinalScore = &f
	}
	if s.Quality != nil {
		q := *s.Quality
		out.Quality = &q
	}
	return out
}

// QualityMetrics summarizes a run's score history.
type QualityMetrics struct {
	PassRate     float64 `json:"pass_rate"`
	MeanAttempts float64 `json:"mean_attempts"`
	StepsScored  int     `json:"steps_scored"`
}

// ScoreStrategy selects how per-step scores fold into the ensemble score.
type ScoreStrategy string

const (
	// StrategyWeightedAverage averages each step's final score, weighted by
	// EnsembleScoringConfig.Weights (default weight 1).
	StrategyWeightedAverage ScoreStrategy = "weighted_average"

	// StrategyMinimum takes the lowest step score: the bottleneck view.
	StrategyMinimum ScoreStrategy = "minimum"

	// StrategyGeometricMean takes the geometric mean of step scores.
	StrategyGeometricMean ScoreStrategy = "geometric_mean"
)

// EnsembleScoringConfig controls ensemble-level score aggregation.
type EnsembleScoringConfig struct {
	Strategy ScoreStrategy
	Weights  map[string]float64
}
