package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/txn-pipeline/internal/quality"
	"github.com/sells-group/txn-pipeline/internal/store"
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Show data quality metrics",
	Long:  "Prints the latest batch's quality metrics, one batch's with --batch, or the across-batches view with --aggregate.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		batchID, _ := cmd.Flags().GetString("batch")
		aggregate, _ := cmd.Flags().GetBool("aggregate")
		if batchID != "" && aggregate {
			return eris.New("--batch and --aggregate are mutually exclusive")
		}

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			ledger := quality.NewLedger(st)

			switch {
			case aggregate:
				agg, err := ledger.Aggregate(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd, agg)
			case batchID != "":
				m, err := ledger.Get(ctx, batchID)
				if err != nil {
					return err
				}
				return printResult(cmd, m)
			default:
				m, err := ledger.Latest(ctx)
				if err != nil {
					return err
				}
				if m == nil {
					fmt.Fprintln(os.Stderr, "No quality metrics recorded yet.")
					return nil
				}
				return printResult(cmd, m)
			}
		})
	},
}

func init() {
	qualityCmd.Flags().String("batch", "", "show metrics for one batch")
	qualityCmd.Flags().Bool("aggregate", false, "show the across-batches view")
	rootCmd.AddCommand(qualityCmd)
}
