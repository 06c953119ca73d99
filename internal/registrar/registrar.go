// Package registrar implements the scheduler's metrics/checkpoint registrar
// on top of the store, scoped to a single run.
package registrar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/stepflow/internal/store"
	"github.com/me/stepflow/pkg/model"
)

// Local records reports through the store and answers history queries with
// SQL. It satisfies scheduler.Registrar.
type Local struct {
	ownerID string
	store   store.Store
	logger  *slog.Logger
}

// NewLocal creates a registrar for the given run.
func NewLocal(ownerID string, st store.Store, logger *slog.Logger) *Local {
	return &Local{
		ownerID: ownerID,
		store:   st,
		logger:  logger.With("component", "registrar", "owner_id", ownerID),
	}
}

// ReportTrainingMetrics persists one training step's metrics.
func (l *Local) ReportTrainingMetrics(ctx context.Context, r model.TrainingReport) error {
	r.OwnerID = l.ownerID
	l.logger.Debug("training metrics", "step_id", r.StepID, "latest_batch", r.LatestBatch)
	return l.store.RecordTraining(ctx, r)
}

// ReportValidationMetrics persists one validation pass's metrics.
func (l *Local) ReportValidationMetrics(ctx context.Context, r model.ValidationReport) error {
	r.OwnerID = l.ownerID
	l.logger.Debug("validation metrics", "latest_batch", r.LatestBatch)
	return l.store.RecordValidation(ctx, r)
}

// ReportEarlyExit records that the run ended early and why.
func (l *Local) ReportEarlyExit(ctx context.Context, reason model.ExitedReason) error {
	l.logger.Warn("early exit", "reason", reason)
	return l.store.RecordEvent(ctx, l.ownerID, "early_exit", string(reason))
}

// ReportCheckpoint registers a stored checkpoint.
func (l *Local) ReportCheckpoint(ctx context.Context, r model.CheckpointReport) error {
	r.OwnerID = l.ownerID
	if r.StorageID == "" {
		return fmt.Errorf("checkpoint report missing storage id")
	}
	l.logger.Info("checkpoint registered", "storage_id", r.StorageID, "latest_batch", r.LatestBatch)
	return l.store.RecordCheckpoint(ctx, r)
}

// BestValidation returns the best recorded value of the metric, or nil.
func (l *Local) BestValidation(ctx context.Context, metric string, smallerIsBetter bool) (*float64, error) {
	return l.store.BestValidation(ctx, l.ownerID, metric, smallerIsBetter)
}

// LastValidation returns the batch of the most recent recorded validation,
// or nil.
func (l *Local) LastValidation(ctx context.Context) (*int, error) {
	return l.store.LastValidation(ctx, l.ownerID)
}
