package executor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/me/stepflow/pkg/model"
)

// Simulator is a deterministic stand-in for a real training backend. Loss
// decays with the number of batches processed, validation tracks it, and
// checkpoints get fresh storage IDs with plausible resource listings. It
// exists so the full scheduling path can run without any numeric framework
// attached.
type Simulator struct {
	recordsPerBatch int64
	logger          *slog.Logger
}

// NewSimulator creates a Simulator that reports recordsPerBatch input
// records per trained batch.
func NewSimulator(recordsPerBatch int, logger *slog.Logger) *Simulator {
	return &Simulator{
		recordsPerBatch: int64(recordsPerBatch),
		logger:          logger.With("component", "simulator"),
	}
}

// Perform implements Executor.
func (s *Simulator) Perform(ctx context.Context, action model.Action) (*model.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch action.Kind {
	case model.ActionTrain:
		done := action.TotalBatchesProcessed + action.NumBatches
		batchMetrics := make([]map[string]float64, 0, action.NumBatches)
		for b := action.TotalBatchesProcessed + 1; b <= done; b++ {
			batchMetrics = append(batchMetrics, map[string]float64{"loss": lossAt(b)})
		}
		n := s.recordsPerBatch * int64(action.NumBatches)
		return &model.Result{Train: &model.TrainMetrics{
			AvgMetrics:   map[string]float64{"loss": lossAt(done)},
			BatchMetrics: batchMetrics,
			NumInputs:    &n,
		}}, nil

	case model.ActionValidate:
		loss := lossAt(action.TotalBatchesProcessed)
		return &model.Result{Validation: &model.ValidationMetrics{
			Metrics: map[string]float64{
				"val_loss": loss,
				"val_acc":  1 - loss,
			},
		}}, nil

	default:
		id := "ckpt_" + uuid.New().String()[:8]
		s.logger.Debug("checkpoint stored", "storage_id", id, "batches", action.TotalBatchesProcessed)
		return &model.Result{Checkpoint: &model.CheckpointMetadata{
			StorageID: id,
			Resources: map[string]int64{
				"weights.bin":   int64(1 + action.TotalBatchesProcessed*4),
				"metadata.json": 256,
			},
			Framework: "simulator",
			Format:    "binary",
		}}, nil
	}
}

// lossAt is a smooth decaying curve over total batches, identical across
// processes so follower and leader simulations agree.
func lossAt(batches int) float64 {
	return 1.0 / (1.0 + float64(batches)/10.0)
}
