package dist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/me/stepflow/internal/executor"
	"github.com/me/stepflow/internal/scheduler"
	"github.com/me/stepflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingExec wraps an Executor and records every action it performs.
type recordingExec struct {
	inner executor.Executor

	mu      sync.Mutex
	actions []model.Action
}

func (r *recordingExec) Perform(ctx context.Context, a model.Action) (*model.Result, error) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	return r.inner.Perform(ctx, a)
}

func (r *recordingExec) observed() []model.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Action(nil), r.actions...)
}

type nilRegistrar struct{}

func (nilRegistrar) ReportTrainingMetrics(context.Context, model.TrainingReport) error { return nil }

func (nilRegistrar) ReportValidationMetrics(context.Context, model.ValidationReport) error {
	return nil
}

func (nilRegistrar) ReportEarlyExit(context.Context, model.ExitedReason) error { return nil }

func (nilRegistrar) ReportCheckpoint(context.Context, model.CheckpointReport) error { return nil }

func (nilRegistrar) BestValidation(context.Context, string, bool) (*float64, error) { return nil, nil }

func (nilRegistrar) LastValidation(context.Context) (*int, error) { return nil, nil }

func TestFanout_ThreeProcessLockstep(t *testing.T) {
	ctx := context.Background()
	group := LocalGroup(3)

	cfg := scheduler.Config{
		OwnerID:             "run-dist",
		GlobalBatchSize:     4,
		SchedulingUnit:      4,
		CheckpointPolicy:    model.CheckpointNone,
		MinValidationPeriod: model.Length{},
		SearcherMetric:      "val_loss",
		SmallerIsBetter:     true,
	}
	op := &scheduler.Op{Unit: model.UnitBatches, Length: 12}
	seq, err := scheduler.New(ctx, cfg, scheduler.SliceOps(op), nilRegistrar{}, nil, testLogger())
	if err != nil {
		t.Fatalf("New sequencer: %v", err)
	}

	execs := make([]*recordingExec, 3)
	for i := range execs {
		execs[i] = &recordingExec{inner: executor.NewSimulator(4, testLogger())}
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for rank := 1; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = New(rank, group[rank], execs[rank], testLogger()).Follow(ctx)
		}(rank)
	}

	errs[0] = New(0, group[0], execs[0], testLogger()).Lead(ctx, seq)
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	leaderSeq := execs[0].observed()
	if len(leaderSeq) == 0 {
		t.Fatal("leader executed no actions")
	}
	for rank := 1; rank < 3; rank++ {
		if !reflect.DeepEqual(execs[rank].observed(), leaderSeq) {
			t.Errorf("rank %d observed %v, leader %v", rank, execs[rank].observed(), leaderSeq)
		}
	}
	if !op.Completed() {
		t.Error("op should be completed by the leader")
	}
}

func TestFanout_SingleProcessGroup(t *testing.T) {
	ctx := context.Background()
	group := LocalGroup(1)

	cfg := scheduler.Config{
		OwnerID:          "run-solo",
		GlobalBatchSize:  2,
		SchedulingUnit:   10,
		CheckpointPolicy: model.CheckpointNone,
		SearcherMetric:   "val_loss",
		SmallerIsBetter:  true,
	}
	op := &scheduler.Op{Unit: model.UnitBatches, Length: 10}
	seq, err := scheduler.New(ctx, cfg, scheduler.SliceOps(op), nilRegistrar{}, nil, testLogger())
	if err != nil {
		t.Fatalf("New sequencer: %v", err)
	}

	exec := &recordingExec{inner: executor.NewSimulator(2, testLogger())}
	if err := New(0, group[0], exec, testLogger()).Lead(ctx, seq); err != nil {
		t.Fatalf("Lead: %v", err)
	}

	want := []model.ActionKind{model.ActionTrain, model.ActionCheckpoint, model.ActionValidate}
	got := exec.observed()
	if len(got) != len(want) {
		t.Fatalf("actions = %v", got)
	}
	for i, a := range got {
		if a.Kind != want[i] {
			t.Errorf("action %d = %s, want %s", i, a.Kind, want[i])
		}
	}
}

func TestFanout_LeadErrorReleasesFollowers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group := LocalGroup(2)

	cfg := scheduler.Config{
		OwnerID:          "run-fail",
		GlobalBatchSize:  2,
		SchedulingUnit:   10,
		CheckpointPolicy: model.CheckpointNone,
		SearcherMetric:   "val_loss",
		SmallerIsBetter:  true,
	}
	op := &scheduler.Op{Unit: model.UnitBatches, Length: 10}
	seq, err := scheduler.New(ctx, cfg, scheduler.SliceOps(op), nilRegistrar{}, nil, testLogger())
	if err != nil {
		t.Fatalf("New sequencer: %v", err)
	}

	failExec := executor.Func(func(context.Context, model.Action) (*model.Result, error) {
		return nil, errors.New("device lost")
	})

	followErr := make(chan error, 1)
	go func() {
		followErr <- New(1, group[1], executor.NewSimulator(2, testLogger()), testLogger()).Follow(ctx)
	}()

	if err := New(0, group[0], failExec, testLogger()).Lead(ctx, seq); err == nil {
		t.Fatal("Lead should surface the executor error")
	}

	// The follower must still get the sentinel and terminate.
	select {
	case err := <-followErr:
		if err != nil {
			t.Fatalf("Follow: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower never terminated after leader failure")
	}
}

func TestLocalGroup_SentinelIsLast(t *testing.T) {
	group := LocalGroup(2)
	leader, follower := group[0], group[1]

	go func() {
		leader.Broadcast(&model.Action{Kind: model.ActionTrain, NumBatches: 1})
		leader.Gather()
		leader.Broadcast(nil)
	}()

	first, err := follower.Broadcast(nil)
	if err != nil || first == nil || first.Kind != model.ActionTrain {
		t.Fatalf("first broadcast = %v, %v", first, err)
	}
	if err := follower.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
	sentinel, err := follower.Broadcast(nil)
	if err != nil || sentinel != nil {
		t.Fatalf("sentinel = %v, %v; want nil action", sentinel, err)
	}
}

func TestLocalGroup_FollowerCannotBroadcast(t *testing.T) {
	group := LocalGroup(2)
	if _, err := group[1].Broadcast(&model.Action{}); err == nil {
		t.Error("follower broadcast of a value should fail")
	}
}
