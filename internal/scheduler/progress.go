package scheduler

import "github.com/me/stepflow/pkg/model"

// Progress holds the persisted counters describing how much work a run has
// done. It is owned by the sequencer and mutated only on the leader.
type Progress struct {
	OwnerID             string
	LastCheckpointBatch int
	LatestBatch         int
	TotalRecords        *int64
	StepID              int
	LastValidationBatch int
}

// NewProgress returns fresh progress for a run that has done no work yet.
func NewProgress(ownerID string) *Progress {
	zero := int64(0)
	return &Progress{OwnerID: ownerID, TotalRecords: &zero}
}

// Restore adopts a persisted snapshot. A snapshot belonging to a different
// owner is discarded entirely: it came from a prior run instance and its
// counters do not apply here.
//
// lastValFromPrevRun is the batch count of the last validation the registrar
// knows about from a previous execution. Validation is reported before the
// checkpoint that would persist it, so a crash between the two loses the
// validation from the snapshot even though the registrar already has it. If
// the restored LatestBatch matches, the validation counter is repaired so
// the run does not validate the same batch twice.
func (p *Progress) Restore(snap *model.Snapshot, lastValFromPrevRun *int) {
	if snap == nil || snap.OwnerID != p.OwnerID {
		return
	}

	p.LastCheckpointBatch = snap.LastCheckpointBatch
	p.LatestBatch = snap.LatestBatch
	p.StepID = snap.StepID
	p.LastValidationBatch = snap.LastValidationBatch
	p.TotalRecords = nil
	if snap.TotalRecords != nil {
		v := *snap.TotalRecords
		p.TotalRecords = &v
	}

	if lastValFromPrevRun != nil && p.LatestBatch == *lastValFromPrevRun {
		p.LastValidationBatch = p.LatestBatch
	}
}

// Snapshot exports the progress as a persistable snapshot.
func (p *Progress) Snapshot() *model.Snapshot {
	snap := &model.Snapshot{
		OwnerID:             p.OwnerID,
		LastCheckpointBatch: p.LastCheckpointBatch,
		LatestBatch:         p.LatestBatch,
		StepID:              p.StepID,
		LastValidationBatch: p.LastValidationBatch,
	}
	if p.TotalRecords != nil {
		v := *p.TotalRecords
		snap.TotalRecords = &v
	}
	return snap
}

// CheckpointIsCurrent reports whether a checkpoint exists for the latest batch.
func (p *Progress) CheckpointIsCurrent() bool {
	return p.LastCheckpointBatch == p.LatestBatch
}

// ValidationIsCurrent reports whether the latest batch has been validated.
func (p *Progress) ValidationIsCurrent() bool {
	return p.LastValidationBatch == p.LatestBatch
}
