package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/txn-pipeline/internal/store"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Query the analytics read models",
}

func summaryQuery(use, short string, withLimit bool, query func(ctx context.Context, st store.Store, limit int) (any, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit := 0
			if withLimit {
				limit, _ = cmd.Flags().GetInt("limit")
			}
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				v, err := query(ctx, st, limit)
				if err != nil {
					return err
				}
				return printResult(cmd, v)
			})
		},
	}
	if withLimit {
		c.Flags().Int("limit", 10, "max number of rows")
	}
	return c
}

func init() {
	summaryCmd.AddCommand(
		summaryQuery("kpis", "Headline revenue, order and customer totals", false,
			func(ctx context.Context, st store.Store, _ int) (any, error) { return st.KPIs(ctx) }),
		summaryQuery("dataset", "Raw and clean row counts, date range and distinct values", false,
			func(ctx context.Context, st store.Store, _ int) (any, error) { return st.DatasetStats(ctx) }),
		summaryQuery("daily", "Daily sales summaries, newest first", true,
			func(ctx context.Context, st store.Store, limit int) (any, error) { return st.DailySummaries(ctx, limit) }),
		summaryQuery("revenue", "Daily revenue time series", false,
			func(ctx context.Context, st store.Store, _ int) (any, error) { return st.DailyRevenueSeries(ctx) }),
		summaryQuery("customers", "Customer summaries by revenue", true,
			func(ctx context.Context, st store.Store, limit int) (any, error) { return st.CustomerSummaries(ctx, limit) }),
		summaryQuery("top-customers", "Top customers by revenue", true,
			func(ctx context.Context, st store.Store, limit int) (any, error) { return st.TopCustomers(ctx, limit) }),
		summaryQuery("features", "Feature table statistics", false,
			func(ctx context.Context, st store.Store, _ int) (any, error) { return st.FeatureStats(ctx) }),
	)
	rootCmd.AddCommand(summaryCmd)
}
