package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/export"
	"github.com/sells-group/txn-pipeline/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export derived datasets",
}

var exportFeaturesCmd = &cobra.Command{
	Use:   "features",
	Short: "Write feature records as CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		batchID, _ := cmd.Flags().GetString("batch")
		customerID, _ := cmd.Flags().GetString("customer")
		outPath, _ := cmd.Flags().GetString("file")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return eris.Wrapf(err, "create %s", outPath)
				}
				defer f.Close() //nolint:errcheck
				w = f
			}

			n, err := export.Features(ctx, st, store.FeatureFilter{BatchID: batchID, CustomerID: customerID}, w)
			if err != nil {
				return err
			}
			zap.L().Info("features exported", zap.Int("rows", n), zap.String("file", outPath))
			return nil
		})
	},
}

func init() {
	exportFeaturesCmd.Flags().String("batch", "", "only features of this batch")
	exportFeaturesCmd.Flags().String("customer", "", "only features of this customer")
	exportFeaturesCmd.Flags().String("file", "", "write to this path instead of stdout")

	exportCmd.AddCommand(exportFeaturesCmd)
	rootCmd.AddCommand(exportCmd)
}
