package model

import "fmt"

// ActionKind identifies the kind of work an executor should perform next.
type ActionKind string

const (
	// ActionTrain instructs the executor to run a chunk of training batches.
	ActionTrain ActionKind = "RUN_STEP"
	// ActionValidate instructs the executor to compute validation metrics.
	ActionValidate ActionKind = "COMPUTE_VALIDATION_METRICS"
	// ActionCheckpoint instructs the executor to checkpoint the model state.
	ActionCheckpoint ActionKind = "CHECKPOINT_MODEL"
)

// String returns the string representation of the action kind.
func (k ActionKind) String() string {
	return string(k)
}

// Action is a single unit of executable work emitted by the sequencer.
// Actions cross the leader/follower transport, so the shape is JSON-stable.
type Action struct {
	Kind                  ActionKind `json:"kind"`
	StepID                int        `json:"step_id"`
	NumBatches            int        `json:"num_batches"`
	TotalBatchesProcessed int        `json:"total_batches_processed"`
}

func (a Action) String() string {
	if a.Kind == ActionTrain {
		return fmt.Sprintf("<%s step=%d batches=%d prior=%d>", a.Kind, a.StepID, a.NumBatches, a.TotalBatchesProcessed)
	}
	return fmt.Sprintf("<%s step=%d prior=%d>", a.Kind, a.StepID, a.TotalBatchesProcessed)
}
