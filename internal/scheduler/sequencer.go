package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/me/stepflow/pkg/model"
)

// periodNever is the cadence period used when a policy is absent or
// non-positive: far enough out that it is never due, small enough that the
// due arithmetic cannot overflow.
const periodNever = int64(math.MaxInt32)

// errAbort is the structured stop signal threaded through the step
// functions. It unwinds only as far as the run loop, which attempts one
// final checkpoint before terminating the action sequence.
var errAbort = errors.New("scheduler: abort requested")

// Envelope pairs an emitted action with its one-shot response slot. The
// executor fulfils it exactly once; a second Respond is a fatal protocol
// violation.
type Envelope struct {
	Action model.Action
	resp   chan *model.Result
}

func newEnvelope(a model.Action) *Envelope {
	return &Envelope{Action: a, resp: make(chan *model.Result, 1)}
}

// Respond supplies the result for the envelope's action.
func (e *Envelope) Respond(r *model.Result) {
	select {
	case e.resp <- r:
	default:
		panic("scheduler: action answered twice")
	}
}

// Config holds the policies the sequencer reconciles.
type Config struct {
	OwnerID                  string
	GlobalBatchSize          int
	RecordsPerEpoch          *int
	SchedulingUnit           int
	PerformInitialValidation bool
	CheckpointPolicy         model.CheckpointPolicy
	MinValidationPeriod      model.Length
	MinCheckpointPeriod      model.Length
	SearcherMetric           string
	SmallerIsBetter          bool
}

// Sequencer reconciles the operation feed, the validation cadence, and the
// checkpoint cadence into one linear sequence of actions. It runs on the
// leader only; all state is single-writer and requires no locking.
type Sequencer struct {
	cfg      Config
	conv     Converter
	progress *Progress
	ops      OpSource
	reg      Registrar
	preempt  Preemptor
	logger   *slog.Logger

	valFromPrevRun *int
	minValBatches  int64
	minCkptBatches int64

	out     chan *Envelope
	running bool
	err     error
}

// New builds a Sequencer with fresh progress. It converts both cadence
// policies up front so configuration errors surface immediately, and asks
// the registrar for the last validation of any previous execution (used by
// the resume repair rule and the initial-validation decision).
func New(ctx context.Context, cfg Config, ops OpSource, reg Registrar, preempt Preemptor, logger *slog.Logger) (*Sequencer, error) {
	if cfg.SchedulingUnit < 1 {
		return nil, fmt.Errorf("scheduling unit must be positive, got %d", cfg.SchedulingUnit)
	}
	if cfg.SearcherMetric == "" {
		return nil, fmt.Errorf("searcher metric must be set")
	}
	if !cfg.CheckpointPolicy.Valid() {
		return nil, fmt.Errorf("unknown checkpoint policy %q", cfg.CheckpointPolicy)
	}

	s := &Sequencer{
		cfg:      cfg,
		conv:     Converter{GlobalBatchSize: cfg.GlobalBatchSize, RecordsPerEpoch: cfg.RecordsPerEpoch},
		progress: NewProgress(cfg.OwnerID),
		ops:      ops,
		reg:      reg,
		preempt:  preempt,
		logger:   logger.With("component", "sequencer", "owner_id", cfg.OwnerID),
	}

	var err error
	if s.minValBatches, err = s.period(cfg.MinValidationPeriod); err != nil {
		return nil, fmt.Errorf("min validation period: %w", err)
	}
	if s.minCkptBatches, err = s.period(cfg.MinCheckpointPeriod); err != nil {
		return nil, fmt.Errorf("min checkpoint period: %w", err)
	}

	if s.valFromPrevRun, err = reg.LastValidation(ctx); err != nil {
		return nil, fmt.Errorf("query last validation: %w", err)
	}

	return s, nil
}

func (s *Sequencer) period(l model.Length) (int64, error) {
	if l.IsZero() {
		return periodNever, nil
	}
	n, err := s.conv.Batches(l)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return periodNever, nil
	}
	return int64(n), nil
}

// RestoreState adopts a persisted snapshot, applying the owner check and the
// lost-validation repair rule. Call before Run.
func (s *Sequencer) RestoreState(snap *model.Snapshot) {
	s.progress.Restore(snap, s.valFromPrevRun)
}

// State exports the current progress as a persistable snapshot. Safe to call
// from the executor while an action is in flight: the sequencer is suspended
// until the action's result arrives, so progress is stable.
func (s *Sequencer) State() *model.Snapshot {
	return s.progress.Snapshot()
}

// Run starts the sequencer and returns its action stream. Each received
// envelope must be answered with Respond before the next action appears;
// there is never more than one action in flight. The channel closes when
// the run finishes or aborts; check Err afterwards.
func (s *Sequencer) Run(ctx context.Context) <-chan *Envelope {
	if s.running {
		panic("scheduler: Run called twice")
	}
	s.running = true
	s.out = make(chan *Envelope)
	go func() {
		defer close(s.out)
		s.err = s.run(ctx)
	}()
	return s.out
}

// Err reports how the run ended. Valid only after the Run channel closes.
func (s *Sequencer) Err() error {
	return s.err
}

func (s *Sequencer) run(ctx context.Context) error {
	s.logger.Info("run started",
		"latest_batch", s.progress.LatestBatch,
		"min_validation_batches", s.minValBatches,
		"min_checkpoint_batches", s.minCkptBatches,
		"scheduling_unit", s.cfg.SchedulingUnit)

	if s.cfg.PerformInitialValidation && s.valFromPrevRun == nil && s.progress.LatestBatch == 0 {
		if err := s.validate(ctx, nil); err != nil {
			return s.finish(ctx, err)
		}
	}

	for {
		op, ok := s.ops.Next()
		if !ok {
			break
		}
		target, err := s.conv.Batches(model.LengthOf(op.Unit, op.Length))
		if err != nil {
			return fmt.Errorf("operation length: %w", err)
		}
		op.target = target
		s.logger.Debug("operation started", "unit", op.Unit, "length", op.Length, "target_batches", target)

		for s.batchesUntilOpComplete(op) > 0 {
			// Tie-break note: mid-operation the order is validate then
			// checkpoint, but at operation completion it is checkpoint
			// then validate. Distributed snapshot restarts depend on the
			// latter; do not unify the two.
			if s.batchesUntilValidation() < 1 {
				if err := s.validate(ctx, op); err != nil {
					return s.finish(ctx, err)
				}
			}
			if s.batchesUntilCheckpoint() < 1 {
				if err := s.checkpoint(ctx, false); err != nil {
					return s.finish(ctx, err)
				}
			}
			n := max(min(
				s.batchesUntilCheckpoint(),
				s.batchesUntilValidation(),
				s.batchesUntilOpComplete(op),
				int64(s.cfg.SchedulingUnit),
			), 1)
			if err := s.train(ctx, int(n), op); err != nil {
				return s.finish(ctx, err)
			}
		}

		if !s.progress.CheckpointIsCurrent() {
			if err := s.checkpoint(ctx, false); err != nil {
				return s.finish(ctx, err)
			}
		}
		if !s.progress.ValidationIsCurrent() {
			if err := s.validate(ctx, op); err != nil {
				return s.finish(ctx, err)
			}
		}
		if !op.Completed() {
			panic("scheduler: operation loop exited without completing the op")
		}
	}

	s.logger.Info("run finished", "latest_batch", s.progress.LatestBatch, "step_id", s.progress.StepID)
	return nil
}

// finish handles the end of a run that stopped early. A structured abort
// gets one best-effort final checkpoint; anything else propagates as-is.
func (s *Sequencer) finish(ctx context.Context, err error) error {
	if !errors.Is(err, errAbort) {
		return err
	}
	s.logger.Info("stopping early", "latest_batch", s.progress.LatestBatch)
	if !s.progress.CheckpointIsCurrent() {
		if cerr := s.checkpoint(ctx, true); cerr != nil && !errors.Is(cerr, errAbort) {
			return cerr
		}
	}
	return nil
}

// issue emits one action and suspends until its result arrives.
func (s *Sequencer) issue(ctx context.Context, a model.Action) (*model.Result, error) {
	env := newEnvelope(a)
	select {
	case s.out <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-env.resp:
		if res == nil {
			return nil, fmt.Errorf("nil result for %s", a)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sequencer) train(ctx context.Context, numBatches int, op *Op) error {
	res, err := s.issue(ctx, model.Action{
		Kind:                  model.ActionTrain,
		StepID:                s.progress.StepID + 1,
		NumBatches:            numBatches,
		TotalBatchesProcessed: s.progress.LatestBatch,
	})
	if err != nil {
		return err
	}

	if res.ExitedReason == model.ExitInvalidHP {
		// The work is discarded: no counters move, no metrics exist.
		if err := s.reg.ReportEarlyExit(ctx, model.ExitInvalidHP); err != nil {
			return fmt.Errorf("report early exit: %w", err)
		}
		return errAbort
	}

	tm := res.Train
	if tm == nil {
		tm = &model.TrainMetrics{}
	}

	s.progress.LatestBatch += numBatches
	if tm.NumInputs == nil || s.progress.TotalRecords == nil {
		s.progress.TotalRecords = nil
	} else {
		*s.progress.TotalRecords += *tm.NumInputs
	}
	s.progress.StepID++

	if err := s.reg.ReportTrainingMetrics(ctx, model.TrainingReport{
		OwnerID:      s.progress.OwnerID,
		StepID:       s.progress.StepID,
		LatestBatch:  s.progress.LatestBatch,
		TotalRecords: s.progress.TotalRecords,
		AvgMetrics:   tm.AvgMetrics,
		BatchMetrics: tm.BatchMetrics,
	}); err != nil {
		return fmt.Errorf("report training metrics: %w", err)
	}

	// Progress back to the op is stated in the op's own unit.
	switch op.Unit {
	case model.UnitBatches:
		op.reportProgress(float64(s.progress.LatestBatch))
	case model.UnitRecords:
		op.reportProgress(float64(s.cfg.GlobalBatchSize) * float64(s.progress.LatestBatch))
	case model.UnitEpochs:
		op.reportProgress(float64(s.progress.LatestBatch) / float64(op.target))
	default:
		return fmt.Errorf("unrecognized operation unit %q", op.Unit)
	}

	if res.ExitedReason == model.ExitUserCanceled {
		// Metrics were preserved above; stop now.
		return errAbort
	}
	return s.checkPreemption()
}

func (s *Sequencer) validate(ctx context.Context, op *Op) error {
	res, err := s.issue(ctx, model.Action{
		Kind:                  model.ActionValidate,
		StepID:                s.progress.StepID,
		TotalBatchesProcessed: s.progress.LatestBatch,
	})
	if err != nil {
		return err
	}

	if res.ExitedReason == model.ExitInvalidHP {
		if err := s.reg.ReportEarlyExit(ctx, model.ExitInvalidHP); err != nil {
			return fmt.Errorf("report early exit: %w", err)
		}
		return errAbort
	}

	if res.Validation == nil {
		return fmt.Errorf("validation result carries no metrics")
	}
	metric, ok := res.Validation.Metrics[s.cfg.SearcherMetric]
	if !ok {
		return fmt.Errorf("validation metrics missing searcher metric %q", s.cfg.SearcherMetric)
	}

	// Complete the op before anything that could be lost to a crash: the
	// registrar learns of this validation next, and a restart would then
	// refuse to repeat it, leaving the op without its metric.
	if op != nil && s.batchesUntilOpComplete(op) < 1 {
		op.Complete(metric)
		s.logger.Info("operation complete", "metric", s.cfg.SearcherMetric, "value", metric)
	}

	var bestBefore *float64
	if s.cfg.CheckpointPolicy == model.CheckpointBest && !s.progress.CheckpointIsCurrent() {
		// Judged against the best known value excluding this validation,
		// so the query must precede the report below.
		if bestBefore, err = s.reg.BestValidation(ctx, s.cfg.SearcherMetric, s.cfg.SmallerIsBetter); err != nil {
			return fmt.Errorf("query best validation: %w", err)
		}
	}

	s.progress.LastValidationBatch = s.progress.LatestBatch
	if err := s.reg.ReportValidationMetrics(ctx, model.ValidationReport{
		OwnerID:      s.progress.OwnerID,
		LatestBatch:  s.progress.LatestBatch,
		TotalRecords: s.progress.TotalRecords,
		Metrics:      res.Validation.Metrics,
	}); err != nil {
		return fmt.Errorf("report validation metrics: %w", err)
	}

	if res.ExitedReason == model.ExitUserCanceled {
		return errAbort
	}

	if !s.progress.CheckpointIsCurrent() {
		switch s.cfg.CheckpointPolicy {
		case model.CheckpointAll:
			if err := s.checkpoint(ctx, false); err != nil {
				return err
			}
		case model.CheckpointBest:
			if s.isBestValidation(metric, bestBefore) {
				if err := s.checkpoint(ctx, false); err != nil {
					return err
				}
			}
		}
	}

	return s.checkPreemption()
}

func (s *Sequencer) checkpoint(ctx context.Context, alreadyExiting bool) error {
	// Advance the checkpoint boundary before the action goes out, so a
	// state snapshot captured while the checkpoint is in flight already
	// reflects the checkpoint that is about to exist.
	s.progress.LastCheckpointBatch = s.progress.LatestBatch

	res, err := s.issue(ctx, model.Action{
		Kind:                  model.ActionCheckpoint,
		StepID:                s.progress.StepID,
		TotalBatchesProcessed: s.progress.LatestBatch,
	})
	if err != nil {
		return err
	}

	md := res.Checkpoint
	if md == nil {
		return fmt.Errorf("checkpoint result carries no metadata")
	}
	if err := s.reg.ReportCheckpoint(ctx, model.CheckpointReport{
		OwnerID:     s.progress.OwnerID,
		StorageID:   md.StorageID,
		Resources:   md.Resources,
		Framework:   md.Framework,
		Format:      md.Format,
		LatestBatch: s.progress.LatestBatch,
	}); err != nil {
		return fmt.Errorf("report checkpoint: %w", err)
	}

	if alreadyExiting {
		// The final abort-path checkpoint must not itself re-trigger the
		// abort machinery.
		return nil
	}

	if res.ExitedReason == model.ExitInvalidHP {
		if err := s.reg.ReportEarlyExit(ctx, model.ExitInvalidHP); err != nil {
			return fmt.Errorf("report early exit: %w", err)
		}
	}
	if res.ExitedReason != model.ExitNone {
		return errAbort
	}
	return s.checkPreemption()
}

func (s *Sequencer) checkPreemption() error {
	if s.preempt != nil && s.preempt.ShouldPreempt(true) {
		s.logger.Info("preemption requested")
		return errAbort
	}
	return nil
}

func (s *Sequencer) isBestValidation(now float64, before *float64) bool {
	if before == nil {
		return true
	}
	if s.cfg.SmallerIsBetter {
		return now < *before
	}
	return now > *before
}

func (s *Sequencer) batchesUntilValidation() int64 {
	return int64(s.progress.LastValidationBatch) + s.minValBatches - int64(s.progress.LatestBatch)
}

func (s *Sequencer) batchesUntilCheckpoint() int64 {
	return int64(s.progress.LastCheckpointBatch) + s.minCkptBatches - int64(s.progress.LatestBatch)
}

func (s *Sequencer) batchesUntilOpComplete(op *Op) int64 {
	return int64(op.target) - int64(s.progress.LatestBatch)
}
