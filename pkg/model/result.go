package model

// ExitedReason describes why an executor ended an action early.
// The empty string means the action completed normally.
type ExitedReason string

const (
	ExitNone         ExitedReason = ""
	ExitInvalidHP    ExitedReason = "INVALID_HP"
	ExitUserCanceled ExitedReason = "USER_CANCELED"
)

// Result is the executor's response to a single Action. Exactly one of the
// kind-specific payloads is set, matching the kind of the action it answers.
type Result struct {
	ExitedReason ExitedReason        `json:"exited_reason,omitempty"`
	Train        *TrainMetrics       `json:"train,omitempty"`
	Validation   *ValidationMetrics  `json:"validation,omitempty"`
	Checkpoint   *CheckpointMetadata `json:"checkpoint,omitempty"`
}

// TrainMetrics is the payload of a completed training chunk.
// NumInputs is nil when the executor cannot count its inputs; once any
// chunk reports nil the run's total record count is permanently unknown.
type TrainMetrics struct {
	AvgMetrics   map[string]float64   `json:"avg_metrics"`
	BatchMetrics []map[string]float64 `json:"batch_metrics,omitempty"`
	NumInputs    *int64               `json:"num_inputs,omitempty"`
}

// ValidationMetrics is the payload of a completed validation pass.
type ValidationMetrics struct {
	Metrics map[string]float64 `json:"validation_metrics"`
}

// CheckpointMetadata describes where and how a checkpoint was stored.
type CheckpointMetadata struct {
	StorageID string           `json:"storage_id"`
	Resources map[string]int64 `json:"resources,omitempty"`
	Framework string           `json:"framework,omitempty"`
	Format    string           `json:"format,omitempty"`
}
