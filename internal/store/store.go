package store

import (
	"context"

	"github.com/me/stepflow/pkg/model"
)

// Store defines the persistence layer for run progress, reported metrics,
// and the checkpoint registry.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, ownerID string) (*model.Snapshot, error)

	// Metric reports
	RecordTraining(ctx context.Context, r model.TrainingReport) error
	RecordValidation(ctx context.Context, r model.ValidationReport) error
	RecordEvent(ctx context.Context, ownerID, kind, detail string) error

	// Checkpoint registry
	RecordCheckpoint(ctx context.Context, r model.CheckpointReport) error
	ListCheckpoints(ctx context.Context, ownerID string) ([]*model.CheckpointReport, error)

	// Validation history queries
	BestValidation(ctx context.Context, ownerID, metric string, smallerIsBetter bool) (*float64, error)
	LastValidation(ctx context.Context, ownerID string) (*int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
