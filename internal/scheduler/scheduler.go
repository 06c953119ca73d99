package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/me/stepflow/pkg/model"
)

// Registrar is the external system that records metrics and checkpoints for
// a run and answers validation-history queries. A store-backed implementation
// lives in internal/registrar.
type Registrar interface {
	// ReportTrainingMetrics records the metrics of one completed training step.
	ReportTrainingMetrics(ctx context.Context, r model.TrainingReport) error

	// ReportValidationMetrics records the metrics of one validation pass.
	ReportValidationMetrics(ctx context.Context, r model.ValidationReport) error

	// ReportEarlyExit records that the run ended early and why.
	ReportEarlyExit(ctx context.Context, reason model.ExitedReason) error

	// ReportCheckpoint registers a stored checkpoint.
	ReportCheckpoint(ctx context.Context, r model.CheckpointReport) error

	// BestValidation returns the best known value of the named metric across
	// all recorded validations, or nil when none exist.
	BestValidation(ctx context.Context, metric string, smallerIsBetter bool) (*float64, error)

	// LastValidation returns the batch count of the most recent recorded
	// validation, or nil when none exist.
	LastValidation(ctx context.Context) (*int, error)
}

// Preemptor reports whether the run has been asked to stop. It is polled
// cooperatively at action boundaries, never mid-action.
type Preemptor interface {
	ShouldPreempt(chiefOnly bool) bool
}

// Gate is a trivially settable Preemptor. The run API flips it when an
// operator requests a stop; the sequencer observes it at the next boundary.
type Gate struct {
	flag atomic.Bool
}

// Preempt requests a cooperative stop.
func (g *Gate) Preempt() {
	g.flag.Store(true)
}

// ShouldPreempt implements Preemptor.
func (g *Gate) ShouldPreempt(chiefOnly bool) bool {
	return g.flag.Load()
}
