package executor

import (
	"context"

	"github.com/me/stepflow/pkg/model"
)

// Executor is a pluggable backend that performs scheduler actions: run a
// training chunk, compute validation metrics, or store a checkpoint. The
// sequencer never calls it directly; the fan-out does, one action at a time.
type Executor interface {
	Perform(ctx context.Context, action model.Action) (*model.Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, action model.Action) (*model.Result, error)

// Perform implements Executor.
func (f Func) Perform(ctx context.Context, action model.Action) (*model.Result, error) {
	return f(ctx, action)
}
