package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/stepflow/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a Store. Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// WAL keeps concurrent progress reads cheap while the leader writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- Snapshots ---

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	s.logger.Debug("sql", "op", "upsert", "table", "snapshots", "owner_id", snap.OwnerID)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (owner_id, last_checkpoint_batch, latest_batch, total_records, step_id, last_validation_batch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			last_checkpoint_batch = excluded.last_checkpoint_batch,
			latest_batch          = excluded.latest_batch,
			total_records         = excluded.total_records,
			step_id               = excluded.step_id,
			last_validation_batch = excluded.last_validation_batch,
			updated_at            = excluded.updated_at`,
		snap.OwnerID, snap.LastCheckpointBatch, snap.LatestBatch,
		nullableInt64(snap.TotalRecords), snap.StepID, snap.LastValidationBatch, now())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, ownerID string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, last_checkpoint_batch, latest_batch, total_records, step_id, last_validation_batch
		FROM snapshots WHERE owner_id = ?`, ownerID)

	var snap model.Snapshot
	var totalRecords sql.NullInt64
	err := row.Scan(&snap.OwnerID, &snap.LastCheckpointBatch, &snap.LatestBatch,
		&totalRecords, &snap.StepID, &snap.LastValidationBatch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", ownerID, err)
	}
	if totalRecords.Valid {
		snap.TotalRecords = &totalRecords.Int64
	}
	return &snap, nil
}

// --- Metric reports ---

func (s *SQLiteStore) RecordTraining(ctx context.Context, r model.TrainingReport) error {
	avg, err := json.Marshal(orEmptyMap(r.AvgMetrics))
	if err != nil {
		return fmt.Errorf("marshal avg metrics: %w", err)
	}
	batches, err := json.Marshal(r.BatchMetrics)
	if err != nil {
		return fmt.Errorf("marshal batch metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO training_metrics (owner_id, step_id, latest_batch, total_records, avg_metrics, batch_metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, r.StepID, r.LatestBatch, nullableInt64(r.TotalRecords), string(avg), string(batches), now())
	if err != nil {
		return fmt.Errorf("record training step %d: %w", r.StepID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordValidation(ctx context.Context, r model.ValidationReport) error {
	metrics, err := json.Marshal(orEmptyMap(r.Metrics))
	if err != nil {
		return fmt.Errorf("marshal validation metrics: %w", err)
	}

	// Replace on conflict: the resume repair rule means the same batch can
	// legitimately be reported again after a crash.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validations (owner_id, latest_batch, total_records, metrics, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, latest_batch) DO UPDATE SET
			total_records = excluded.total_records,
			metrics       = excluded.metrics,
			created_at    = excluded.created_at`,
		r.OwnerID, r.LatestBatch, nullableInt64(r.TotalRecords), string(metrics), now())
	if err != nil {
		return fmt.Errorf("record validation at batch %d: %w", r.LatestBatch, err)
	}
	return nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ownerID, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (owner_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		ownerID, kind, detail, now())
	if err != nil {
		return fmt.Errorf("record event %s: %w", kind, err)
	}
	return nil
}

// --- Checkpoint registry ---

func (s *SQLiteStore) RecordCheckpoint(ctx context.Context, r model.CheckpointReport) error {
	resources, err := json.Marshal(orEmptyMap(r.Resources))
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (storage_id, owner_id, latest_batch, resources, framework, format, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.StorageID, r.OwnerID, r.LatestBatch, string(resources), r.Framework, r.Format, now())
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", r.StorageID, err)
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, ownerID string) ([]*model.CheckpointReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT storage_id, owner_id, latest_batch, resources, framework, format
		FROM checkpoints WHERE owner_id = ? ORDER BY latest_batch, created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*model.CheckpointReport
	for rows.Next() {
		var r model.CheckpointReport
		var resources string
		if err := rows.Scan(&r.StorageID, &r.OwnerID, &r.LatestBatch, &resources, &r.Framework, &r.Format); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(resources), &r.Resources); err != nil {
			return nil, fmt.Errorf("unmarshal resources: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Validation history queries ---

func (s *SQLiteStore) BestValidation(ctx context.Context, ownerID, metric string, smallerIsBetter bool) (*float64, error) {
	agg := "MAX"
	if smallerIsBetter {
		agg = "MIN"
	}
	// json_extract pulls the named metric out of the stored metrics blob.
	query := fmt.Sprintf(
		`SELECT %s(json_extract(metrics, ?)) FROM validations WHERE owner_id = ?`, agg)

	var best sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, "$."+metric, ownerID).Scan(&best); err != nil {
		return nil, fmt.Errorf("best validation: %w", err)
	}
	if !best.Valid {
		return nil, nil
	}
	return &best.Float64, nil
}

func (s *SQLiteStore) LastValidation(ctx context.Context, ownerID string) (*int, error) {
	var batch int
	err := s.db.QueryRowContext(ctx, `
		SELECT latest_batch FROM validations WHERE owner_id = ?
		ORDER BY latest_batch DESC LIMIT 1`, ownerID).Scan(&batch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last validation: %w", err)
	}
	return &batch, nil
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func orEmptyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
