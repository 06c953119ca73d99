package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/me/stepflow/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var dbPath string
	var metric string
	var smallerIsBetter bool

	cmd := &cobra.Command{
		Use:   "status <owner-id>",
		Short: "Show persisted progress and checkpoints for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(args[0], dbPath, metric, smallerIsBetter)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default ~/.stepflow/stepflow.db)")
	cmd.Flags().StringVar(&metric, "metric", "val_loss", "Validation metric to summarize")
	cmd.Flags().BoolVar(&smallerIsBetter, "smaller-is-better", true, "Whether lower metric values are better")

	return cmd
}

func showStatus(ownerID, dbPath, metric string, smallerIsBetter bool) error {
	dbPath, err := resolveDBPath(dbPath)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	snap, err := st.GetSnapshot(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("no persisted progress for run %s", ownerID)
	}

	fmt.Printf("Run:                 %s\n", snap.OwnerID)
	fmt.Printf("Batches:             %s\n", humanize.Comma(int64(snap.LatestBatch)))
	fmt.Printf("Steps:               %d\n", snap.StepID)
	if snap.TotalRecords != nil {
		fmt.Printf("Records:             %s\n", humanize.Comma(*snap.TotalRecords))
	} else {
		fmt.Printf("Records:             unknown\n")
	}
	fmt.Printf("Last checkpoint at:  batch %d\n", snap.LastCheckpointBatch)
	fmt.Printf("Last validation at:  batch %d\n", snap.LastValidationBatch)

	if best, err := st.BestValidation(ctx, ownerID, metric, smallerIsBetter); err == nil && best != nil {
		fmt.Printf("Best %s:  %g\n", metric, *best)
	}

	ckpts, err := st.ListCheckpoints(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ckpts) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STORAGE ID\tBATCH\tSIZE")
	for _, c := range ckpts {
		var size int64
		for _, n := range c.Resources {
			size += n
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", c.StorageID, c.LatestBatch, humanize.Bytes(uint64(size)))
	}
	return w.Flush()
}
