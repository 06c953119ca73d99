package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/me/stepflow/internal/config"
	"github.com/me/stepflow/internal/dist"
	"github.com/me/stepflow/internal/executor"
	"github.com/me/stepflow/internal/registrar"
	"github.com/me/stepflow/internal/scheduler"
	"github.com/me/stepflow/internal/server"
	"github.com/me/stepflow/internal/store"
	"github.com/me/stepflow/pkg/model"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var dbPath string
	var addr string
	var procs int

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Drive a training run to completion",
		Long: `Loads an experiment config, restores any persisted progress for its
owner ID, and drives the run with the simulated executor until every
operation is complete. Interrupting the run (Ctrl-C) requests preemption;
the run stops at the next step boundary after one final checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(args[0], dbPath, addr, procs)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default ~/.stepflow/stepflow.db)")
	cmd.Flags().StringVar(&addr, "addr", "", "Serve the monitoring API on this address for the duration of the run")
	cmd.Flags().IntVar(&procs, "procs", 1, "Number of simulated training processes")

	return cmd
}

// resolveDBPath expands an empty path to the default database location,
// creating the parent directory if needed.
func resolveDBPath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".stepflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "stepflow.db"), nil
}

func runExperiment(configPath, dbPath, addr string, procs int) error {
	if procs < 1 {
		return fmt.Errorf("procs must be at least 1, got %d", procs)
	}

	exp, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dbPath, err = resolveDBPath(dbPath)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)

	reg := registrar.NewLocal(exp.OwnerID, st, logger)
	gate := &scheduler.Gate{}

	// The first interrupt requests preemption so the run stops cleanly at
	// the next step boundary with a final checkpoint. A second interrupt
	// cancels the context and aborts outright.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("interrupt received, requesting preemption")
		gate.Preempt()
		<-sigCh
		logger.Warn("second interrupt, aborting")
		cancel()
	}()

	if addr != "" {
		srv := server.New(st, logger)
		srv.RegisterRun(exp.OwnerID, gate)
		go func() {
			logger.Info("monitoring api listening", "addr", addr)
			if err := http.ListenAndServe(addr, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitoring api failed", "error", err)
			}
		}()
	}

	snap, err := st.GetSnapshot(ctx, exp.OwnerID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	lastVal, err := st.LastValidation(ctx, exp.OwnerID)
	if err != nil {
		return fmt.Errorf("query last validation: %w", err)
	}

	ops, err := pendingOps(exp, snap, lastVal)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		logger.Info("run already complete", "owner_id", exp.OwnerID, "latest_batch", snap.LatestBatch)
		return nil
	}

	seq, err := scheduler.New(ctx, scheduler.Config{
		OwnerID:                  exp.OwnerID,
		GlobalBatchSize:          exp.GlobalBatchSize,
		RecordsPerEpoch:          exp.RecordsPerEpoch,
		SchedulingUnit:           exp.SchedulingUnit,
		PerformInitialValidation: exp.PerformInitialValidation,
		CheckpointPolicy:         exp.CheckpointPolicy,
		MinValidationPeriod:      exp.MinValidationPeriod,
		MinCheckpointPeriod:      exp.MinCheckpointPeriod,
		SearcherMetric:           exp.Searcher.Metric,
		SmallerIsBetter:          exp.Searcher.SmallerIsBetter,
	}, scheduler.SliceOps(ops...), reg, gate, logger)
	if err != nil {
		return fmt.Errorf("build sequencer: %w", err)
	}

	if snap != nil {
		seq.RestoreState(snap)
		logger.Info("resuming run", "owner_id", exp.OwnerID, "latest_batch", seq.State().LatestBatch)
	} else {
		logger.Info("starting run", "owner_id", exp.OwnerID, "name", exp.Name)
	}

	transports := dist.LocalGroup(procs)

	// The leader persists a snapshot while each checkpoint action is in
	// flight. The sequencer is suspended until the action is answered, so
	// State() observes exactly the state the checkpoint captures.
	sim := executor.NewSimulator(exp.GlobalBatchSize, logger)
	leadExec := executor.Func(func(ctx context.Context, a model.Action) (*model.Result, error) {
		res, err := sim.Perform(ctx, a)
		if err != nil {
			return nil, err
		}
		if a.Kind == model.ActionCheckpoint {
			if err := st.SaveSnapshot(ctx, seq.State()); err != nil {
				return nil, fmt.Errorf("persist snapshot: %w", err)
			}
		}
		return res, nil
	})

	var wg sync.WaitGroup
	for rank := 1; rank < procs; rank++ {
		rank := rank
		f := dist.New(rank, transports[rank], executor.NewSimulator(exp.GlobalBatchSize, logger), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Follow(ctx); err != nil {
				logger.Error("follower failed", "rank", rank, "error", err)
			}
		}()
	}

	runErr := dist.New(0, transports[0], leadExec, logger).Lead(ctx, seq)
	wg.Wait()

	// Checkpoint-time snapshots predate the validation that follows the
	// final checkpoint. Persist once more so the stored state reflects it.
	final := seq.State()
	if err := st.SaveSnapshot(context.Background(), final); err != nil {
		logger.Error("persist final snapshot", "error", err)
	}
	logger.Info("run finished",
		"owner_id", exp.OwnerID,
		"batches", humanize.Comma(int64(final.LatestBatch)),
		"steps", final.StepID,
	)
	if final.TotalRecords != nil {
		logger.Info("records processed", "total", humanize.Comma(*final.TotalRecords))
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", exp.OwnerID, runErr)
	}
	return nil
}

// pendingOps builds the operation feed, dropping operations a previous
// execution already finished. An op counts as finished once its target is
// reached and the validation that completes it has been recorded; an op
// interrupted between its last training step and that validation is fed
// again so the run can finish it.
//
// The snapshot alone cannot decide "validated": a crash between reporting a
// validation and persisting the snapshot leaves LastValidationBatch stale,
// and the sequencer repairs it from the recorded validation on restore. The
// same recorded validation (lastVal) must count here, or a repaired op would
// be fed again with nothing left to complete it.
func pendingOps(exp *config.Experiment, snap *model.Snapshot, lastVal *int) ([]*scheduler.Op, error) {
	conv := scheduler.Converter{GlobalBatchSize: exp.GlobalBatchSize, RecordsPerEpoch: exp.RecordsPerEpoch}

	validated := false
	if snap != nil {
		validated = snap.LastValidationBatch >= snap.LatestBatch ||
			(lastVal != nil && *lastVal == snap.LatestBatch)
	}

	ops := make([]*scheduler.Op, 0, len(exp.Searcher.OpLengths))
	for i, length := range exp.Searcher.OpLengths {
		opNum := i + 1
		if snap != nil {
			target, err := conv.Batches(model.LengthOf(exp.Searcher.Unit, length))
			if err != nil {
				return nil, fmt.Errorf("searcher.ops[%d]: %w", i, err)
			}
			if target < snap.LatestBatch || (target == snap.LatestBatch && validated) {
				continue
			}
		}
		ops = append(ops, &scheduler.Op{
			Unit:   exp.Searcher.Unit,
			Length: length,
			OnComplete: func(metric float64) {
				logger.Info("operation complete", "op", opNum, "metric", metric)
			},
			OnProgress: func(p float64) {
				logger.Debug("operation progress", "op", opNum, "progress", p)
			},
		})
	}
	return ops, nil
}
