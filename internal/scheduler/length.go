package scheduler

import (
	"fmt"

	"github.com/me/stepflow/pkg/model"
)

// Converter turns policy-specified lengths into batch counts, given the
// fixed shape of the job. A Converter is cheap and copyable.
type Converter struct {
	GlobalBatchSize int
	RecordsPerEpoch *int
}

// Batches converts l into a whole number of batches. Exactly one field of l
// must be set. Record and epoch lengths floor-divide by the global batch
// size but never map below one batch, so every non-degenerate length yields
// at least one training action. Errors are configuration errors and are not
// retryable.
func (c Converter) Batches(l model.Length) (int, error) {
	set := 0
	for _, p := range []*int{l.Batches, l.Records, l.Epochs} {
		if p != nil {
			set++
		}
	}
	if set != 1 {
		return 0, fmt.Errorf("invalid length: %s", l)
	}

	switch {
	case l.Batches != nil:
		return *l.Batches, nil

	case l.Records != nil:
		if c.GlobalBatchSize <= 0 {
			return 0, fmt.Errorf("global batch size must be positive, got %d", c.GlobalBatchSize)
		}
		return max(*l.Records/c.GlobalBatchSize, 1), nil

	default:
		if c.RecordsPerEpoch == nil {
			return 0, fmt.Errorf("records per epoch must be set to use epoch lengths")
		}
		if c.GlobalBatchSize <= 0 {
			return 0, fmt.Errorf("global batch size must be positive, got %d", c.GlobalBatchSize)
		}
		return max((*l.Epochs)*(*c.RecordsPerEpoch)/c.GlobalBatchSize, 1), nil
	}
}
