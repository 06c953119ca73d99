package model

// TrainingReport carries the metrics of one completed training step to the
// registrar.
type TrainingReport struct {
	OwnerID      string               `json:"owner_id"`
	StepID       int                  `json:"step_id"`
	LatestBatch  int                  `json:"latest_batch"`
	TotalRecords *int64               `json:"total_records"`
	AvgMetrics   map[string]float64   `json:"avg_metrics"`
	BatchMetrics []map[string]float64 `json:"batch_metrics,omitempty"`
}

// ValidationReport carries the metrics of one completed validation pass.
type ValidationReport struct {
	OwnerID      string             `json:"owner_id"`
	LatestBatch  int                `json:"latest_batch"`
	TotalRecords *int64             `json:"total_records"`
	Metrics      map[string]float64 `json:"metrics"`
}

// CheckpointReport registers a stored checkpoint with the registrar.
type CheckpointReport struct {
	OwnerID     string           `json:"owner_id"`
	StorageID   string           `json:"storage_id"`
	Resources   map[string]int64 `json:"resources,omitempty"`
	Framework   string           `json:"framework,omitempty"`
	Format      string           `json:"format,omitempty"`
	LatestBatch int              `json:"latest_batch"`
}
