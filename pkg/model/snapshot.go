package model

// Snapshot is the persisted progress state of a training run. It is written
// by the leader only and restored on resume; the restore rules live with
// the scheduler, not here.
type Snapshot struct {
	OwnerID             string `json:"owner_id"`
	LastCheckpointBatch int    `json:"last_checkpoint_batch"`
	LatestBatch         int    `json:"latest_batch"`
	TotalRecords        *int64 `json:"total_records"`
	StepID              int    `json:"step_id"`
	LastValidationBatch int    `json:"last_validation_batch"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	if s.TotalRecords != nil {
		v := *s.TotalRecords
		out.TotalRecords = &v
	}
	return &out
}
