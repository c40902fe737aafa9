package api

import "time"

// StepMetric records one step execution for the run's metrics block.
type StepMetric struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Success  bool          `json:"success"`
}

// Metrics aggregates per-step execution metrics for a run.
type Metrics struct {
	PerStep       []StepMetric  `json:"per_step,omitempty"`
	CacheHits     int           `json:"cache_hits"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AccessOp is the kind of a state access.
type AccessOp string

const (
	AccessRead  AccessOp = "read"
	AccessWrite AccessOp = "write"
)

// AccessLogEntry is one audited state access.
type AccessLogEntry struct {
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	Op        AccessOp  `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyAccess summarizes how one state key was used during a run.
type KeyAccess struct {
	Reads   int      `json:"reads"`
	Writes  int      `json:"writes"`
	Readers []string `json:"readers,omitempty"`
	Writers []string `json:"writers,omitempty"`
}

// StateReport is the access-pattern summary derived from the access log,
// used for workflow debugging.
type StateReport struct {
	// UnusedKeys lists state keys that were never read nor written.
	UnusedKeys []string `json:"unused_keys,omitempty"`

	// WriteOnlyKeys lists keys that were written but never read back.
	WriteOnlyKeys []string `json:"write_only_keys,omitempty"`

	Patterns map[string]KeyAccess `json:"patterns,omitempty"`
}

// ExecutionOutput is the result of a completed run.
type ExecutionOutput struct {
	// Output is the declared output mapping's result, or the last step's
	// recorded output when the ensemble declares no mapping.
	Output any `json:"output"`

	Metrics Metrics `json:"metrics"`

	// StateReport is present when the ensemble configured shared state.
	StateReport *StateReport `json:"state_report,omitempty"`

	// Scoring is present when any step (or the ensemble) configured scoring.
	Scoring *ScoringState `json:"scoring,omitempty"`
}

// SuspendedState is the resume snapshot taken when a run suspends. It is an
// in-memory structure that serializes to JSON; no on-disk format is
// mandated, and no crash-safety is guaranteed beyond what the chosen
// snapshot store provides.
type SuspendedState struct {
	RunID    string `json:"run_id"`
	Ensemble string `json:"ensemble"`
	Reason   string `json:"reason,omitempty"`

	// Input is the original run input.
	Input any `json:"input,omitempty"`

	// Outputs maps completed step IDs to their recorded outputs.
	Outputs map[string]any `json:"outputs,omitempty"`

	// State and AccessLog capture the state manager, when configured.
	State     map[string]any   `json:"state,omitempty"`
	AccessLog []AccessLogEntry `json:"access_log,omitempty"`

	Scoring *ScoringState `json:"scoring,omitempty"`
	Metrics Metrics       `json:"metrics"`

	// ResumeFromStep is the flow index execution continues from.
	ResumeFromStep int       `json:"resume_from_step"`
	SuspendedAt    time.Time `json:"suspended_at"`
}
