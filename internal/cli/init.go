package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const exampleConfig = `# stepflow experiment configuration.
name: example-run

# Identity of the run. Progress is keyed by this; leave it unset to
# generate a fresh one (and lose resumability across invocations).
owner_id: example

global_batch_size: 32
# records_per_epoch is required when the searcher unit is epochs.
# records_per_epoch: 50000

# Largest number of batches issued in a single training step.
scheduling_unit: 100

perform_initial_validation: false

# best, all, or none.
checkpoint_policy: best

# Each period names exactly one of batches, records, or epochs.
min_validation_period:
  batches: 200
min_checkpoint_period:
  batches: 500

searcher:
  metric: val_loss
  smaller_is_better: true
  unit: batches
  # Cumulative operation targets, strictly increasing.
  ops: [500, 1000, 2000]
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example experiment config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "stepflow.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := os.WriteFile(path, []byte(exampleConfig), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}
