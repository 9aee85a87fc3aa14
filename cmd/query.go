package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/txn-pipeline/internal/store"
)

// withStore opens the configured store for a read command and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()

	if err := cfg.Validate("query"); err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	return fn(ctx, st)
}
