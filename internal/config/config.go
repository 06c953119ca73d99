// Package config loads and validates experiment configurations.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/me/stepflow/pkg/model"
	"gopkg.in/yaml.v3"
)

// Searcher configures the operation feed and the metric that judges it.
type Searcher struct {
	Metric          string     `yaml:"metric"`
	SmallerIsBetter bool       `yaml:"smaller_is_better"`
	Unit            model.Unit `yaml:"unit"`
	// OpLengths are cumulative targets in Unit, one operation each.
	OpLengths []int `yaml:"ops"`
}

// Experiment is the full configuration of one training run.
type Experiment struct {
	Name    string `yaml:"name"`
	OwnerID string `yaml:"owner_id"`

	GlobalBatchSize int  `yaml:"global_batch_size"`
	RecordsPerEpoch *int `yaml:"records_per_epoch"`
	SchedulingUnit  int  `yaml:"scheduling_unit"`

	PerformInitialValidation bool                   `yaml:"perform_initial_validation"`
	CheckpointPolicy         model.CheckpointPolicy `yaml:"checkpoint_policy"`
	MinValidationPeriod      model.Length           `yaml:"min_validation_period"`
	MinCheckpointPeriod      model.Length           `yaml:"min_checkpoint_period"`

	Searcher Searcher `yaml:"searcher"`
}

// Default returns an experiment with sensible defaults applied.
func Default() Experiment {
	return Experiment{
		SchedulingUnit:   100,
		CheckpointPolicy: model.CheckpointBest,
		Searcher: Searcher{
			Metric:          "val_loss",
			SmallerIsBetter: true,
			Unit:            model.UnitBatches,
		},
	}
}

// Load reads an experiment config from a yaml file, applies defaults for
// absent fields, and validates it.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	exp := Default()
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	exp.applyDefaults()

	if err := exp.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &exp, nil
}

func (e *Experiment) applyDefaults() {
	if e.OwnerID == "" {
		e.OwnerID = "run_" + uuid.New().String()[:8]
	}
	if e.SchedulingUnit == 0 {
		e.SchedulingUnit = 100
	}
	if e.CheckpointPolicy == "" {
		e.CheckpointPolicy = model.CheckpointBest
	}
	if e.Searcher.Unit == "" {
		e.Searcher.Unit = model.UnitBatches
	}
}

// Validate checks the configuration for errors that would otherwise only
// surface mid-run.
func (e *Experiment) Validate() error {
	if e.GlobalBatchSize <= 0 {
		return fmt.Errorf("global_batch_size must be positive, got %d", e.GlobalBatchSize)
	}
	if e.SchedulingUnit < 1 {
		return fmt.Errorf("scheduling_unit must be positive, got %d", e.SchedulingUnit)
	}
	if !e.CheckpointPolicy.Valid() {
		return fmt.Errorf("unknown checkpoint_policy %q", e.CheckpointPolicy)
	}
	if e.Searcher.Metric == "" {
		return fmt.Errorf("searcher.metric must be set")
	}
	switch e.Searcher.Unit {
	case model.UnitBatches, model.UnitRecords, model.UnitEpochs:
	default:
		return fmt.Errorf("unknown searcher.unit %q", e.Searcher.Unit)
	}
	if e.Searcher.Unit == model.UnitEpochs && e.RecordsPerEpoch == nil {
		return fmt.Errorf("records_per_epoch is required for epoch-based searchers")
	}
	if len(e.Searcher.OpLengths) == 0 {
		return fmt.Errorf("searcher.ops must list at least one operation length")
	}
	prev := 0
	for i, l := range e.Searcher.OpLengths {
		if l <= prev {
			return fmt.Errorf("searcher.ops[%d] = %d must exceed the previous target %d", i, l, prev)
		}
		prev = l
	}
	return nil
}
