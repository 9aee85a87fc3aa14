package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/txn-pipeline/internal/model"
	"github.com/sells-group/txn-pipeline/internal/monitoring"
	"github.com/sells-group/txn-pipeline/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect batch history",
	Long:  "Commands for listing and viewing batches, their phases and rejected rows.",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			batches, err := st.ListBatches(ctx, store.BatchFilter{
				Status: model.BatchStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return eris.Wrap(err, "batches list")
			}

			if len(batches) == 0 {
				fmt.Fprintln(os.Stderr, "No batches found.")
				return nil
			}

			if format, _ := cmd.Flags().GetString("output"); format == "table" {
				formatBatchList(cmd.OutOrStdout(), batches)
				return nil
			}
			return printResult(cmd, batches)
		})
	},
}

// -- batches show --

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch with its phases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			batch, err := st.GetBatch(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "batches show")
			}
			phases, err := st.ListPhases(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "batches show phases")
			}
			return printResult(cmd, batchDetail{Batch: *batch, Phases: phases})
		})
	},
}

// -- batches rejections --

var batchesRejectionsCmd = &cobra.Command{
	Use:   "rejections <batch-id>",
	Short: "List the rows a batch dropped and why",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			rejections, err := st.ListRejections(ctx, args[0], limit)
			if err != nil {
				return eris.Wrap(err, "batches rejections")
			}
			if rejections == nil {
				rejections = []model.Rejection{}
			}
			return printResult(cmd, rejections)
		})
	},
}

// -- batches stats --

var batchesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show batch outcomes over a time window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			collector := monitoring.NewCollector(st, cfg.Monitoring.QualityThreshold)
			snap, err := collector.Collect(ctx, int(since.Hours()))
			if err != nil {
				return eris.Wrap(err, "batches stats")
			}

			if format, _ := cmd.Flags().GetString("output"); format == "table" {
				formatBatchStats(cmd.OutOrStdout(), snap)
				return nil
			}
			return printResult(cmd, snap)
		})
	},
}

func init() {
	batchesListCmd.Flags().String("status", "", "filter by batch status (received, ingesting, complete, failed, ...)")
	batchesListCmd.Flags().Int("limit", 50, "max number of batches to display")

	batchesRejectionsCmd.Flags().Int("limit", 100, "max number of rejections to display")

	batchesStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesRejectionsCmd)
	batchesCmd.AddCommand(batchesStatsCmd)
	rootCmd.AddCommand(batchesCmd)
}

type batchDetail struct {
	model.Batch `yaml:",inline"`
	Phases      []model.BatchPhase `json:"phases" yaml:"phases"`
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, batches []model.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tROWS\tCLEANED\tQUALITY\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t-------\t-------\t-------\t--------")

	for _, b := range batches {
		dur := b.UpdatedAt.Sub(b.CreatedAt).Round(time.Millisecond).String()

		rows, cleaned, quality := "-", "-", "-"
		if b.Result != nil {
			rows = fmt.Sprint(b.Result.RecordsProcessed)
			cleaned = fmt.Sprint(b.Result.RecordsCleaned)
			quality = fmt.Sprintf("%.2f%%", b.Result.DataQualityPercentage)
		}

		source := b.Source
		if len(source) > 30 {
			source = "..." + source[len(source)-27:]
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID,
			source,
			b.Status,
			rows,
			cleaned,
			quality,
			b.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatBatchStats writes window stats to w.
func formatBatchStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total batches:\t%d\n", s.BatchesTotal)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.BatchesComplete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.BatchesFailed)
	_, _ = fmt.Fprintf(w, "In flight:\t%d\n", s.BatchesInFlight)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailRate*100)
	if s.BatchesComplete > 0 {
		_, _ = fmt.Fprintf(w, "Avg quality:\t%.2f%%\n", s.AverageQuality)
		_, _ = fmt.Fprintf(w, "Below %.0f%%:\t%d\n", s.QualityThreshold, s.LowQualityBatches)
	}
	_ = w.Flush()
}
