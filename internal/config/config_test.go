package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/stepflow/pkg/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
name: mnist-demo
owner_id: run-42
global_batch_size: 64
records_per_epoch: 50000
scheduling_unit: 50
perform_initial_validation: true
checkpoint_policy: all
min_validation_period:
  batches: 500
min_checkpoint_period:
  epochs: 1
searcher:
  metric: accuracy
  smaller_is_better: false
  unit: epochs
  ops: [2, 4]
`)

	exp, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exp.OwnerID != "run-42" || exp.GlobalBatchSize != 64 || exp.SchedulingUnit != 50 {
		t.Errorf("basics: %+v", exp)
	}
	if !exp.PerformInitialValidation || exp.CheckpointPolicy != model.CheckpointAll {
		t.Errorf("policies: %+v", exp)
	}
	if exp.MinValidationPeriod.Batches == nil || *exp.MinValidationPeriod.Batches != 500 {
		t.Errorf("min_validation_period: %s", exp.MinValidationPeriod)
	}
	if exp.MinCheckpointPeriod.Epochs == nil || *exp.MinCheckpointPeriod.Epochs != 1 {
		t.Errorf("min_checkpoint_period: %s", exp.MinCheckpointPeriod)
	}
	if exp.Searcher.Metric != "accuracy" || exp.Searcher.Unit != model.UnitEpochs {
		t.Errorf("searcher: %+v", exp.Searcher)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
global_batch_size: 32
searcher:
  ops: [100]
`)

	exp, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exp.OwnerID == "" {
		t.Error("owner_id should be generated")
	}
	if exp.SchedulingUnit != 100 {
		t.Errorf("scheduling_unit default = %d", exp.SchedulingUnit)
	}
	if exp.CheckpointPolicy != model.CheckpointBest {
		t.Errorf("checkpoint_policy default = %q", exp.CheckpointPolicy)
	}
	if exp.Searcher.Metric != "val_loss" || exp.Searcher.Unit != model.UnitBatches {
		t.Errorf("searcher defaults: %+v", exp.Searcher)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing batch size",
			"searcher:\n  ops: [10]\n",
			"global_batch_size",
		},
		{
			"no ops",
			"global_batch_size: 4\n",
			"searcher.ops",
		},
		{
			"non-increasing ops",
			"global_batch_size: 4\nsearcher:\n  ops: [10, 10]\n",
			"exceed the previous",
		},
		{
			"epochs without records_per_epoch",
			"global_batch_size: 4\nsearcher:\n  unit: epochs\n  ops: [2]\n",
			"records_per_epoch",
		},
		{
			"bad checkpoint policy",
			"global_batch_size: 4\ncheckpoint_policy: sometimes\nsearcher:\n  ops: [10]\n",
			"checkpoint_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
