package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/orchestrator"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.orch.Sync(context.Background())
		if errors.Is(err, orchestrator.ErrSyncInProgress) {
			fmt.Println("sync already running")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("synced %d, transient failures %d, permanent failures %d, deferred %d\n",
			res.Synced, res.TransientFailures, res.PermanentFailures, res.Skipped)
		for _, id := range res.Finalized {
			fmt.Printf("finalized work order %d, local artifacts removed\n", id)
		}
		if res.PermanentFailures > 0 {
			fmt.Printf("%d action(s) failed permanently, run 'fieldsync pending --failed'\n",
				res.PermanentFailures)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
