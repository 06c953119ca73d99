package scheduler

import "github.com/me/stepflow/pkg/model"

// Op is one externally issued unit of optimization work: train until the
// target length is reached, then complete with exactly one metric value.
type Op struct {
	Unit   model.Unit
	Length int

	// OnComplete receives the searcher metric when the op finishes.
	OnComplete func(metric float64)
	// OnProgress receives progress in the op's own unit after every
	// training step (fractional for epochs).
	OnProgress func(progress float64)

	// target is the op length in batches, fixed when the sequencer begins
	// the op.
	target    int
	completed bool
}

// Complete marks the op finished with its final metric. Completing an op
// twice is a sequencer logic bug.
func (o *Op) Complete(metric float64) {
	if o.completed {
		panic("scheduler: operation completed twice")
	}
	o.completed = true
	if o.OnComplete != nil {
		o.OnComplete(metric)
	}
}

// Completed reports whether Complete has been called.
func (o *Op) Completed() bool {
	return o.completed
}

func (o *Op) reportProgress(p float64) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// OpSource feeds operations to the sequencer, one at a time, in order.
type OpSource interface {
	// Next returns the next operation, or ok=false when the feed is
	// exhausted.
	Next() (op *Op, ok bool)
}

type sliceSource struct {
	ops []*Op
	i   int
}

// SliceOps returns an OpSource over a fixed list of operations.
func SliceOps(ops ...*Op) OpSource {
	return &sliceSource{ops: ops}
}

func (s *sliceSource) Next() (*Op, bool) {
	if s.i >= len(s.ops) {
		return nil, false
	}
	op := s.ops[s.i]
	s.i++
	return op, true
}
