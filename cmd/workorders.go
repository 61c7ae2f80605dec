package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/cache"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/store"
)

var (
	listStatus string
	listSearch string
)

// staleAfter is when the listing warns that the snapshot may be out of
// date. The data still renders: offline users always see something.
const staleAfter = 30 * time.Minute

var workordersCmd = &cobra.Command{
	Use:     "workorders",
	Aliases: []string{"wo"},
	Short:   "List cached work orders with local status overlays applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.cache.Read(a.cfg.Scope)
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Println("no cached work orders yet, run 'fieldsync sync'")
			return nil
		}

		merged, err := a.overlay.Merge(snap.Entities)
		if err != nil {
			return err
		}
		filtered := cache.Filter(merged, models.Status(listStatus), listSearch)

		if !snap.Fresh(staleAfter) {
			fmt.Printf("(snapshot from %s, may be stale)\n",
				snap.CapturedAt.Local().Format("2006-01-02 15:04"))
		}
		if snap.Source == store.SourceBackup {
			fmt.Printf("(recovered from %s tier)\n", snap.Source)
		}

		for _, wo := range filtered {
			fmt.Printf("%-6d %-12s %-30s %s\n", wo.ID, wo.Status, wo.Title, wo.Client)
		}
		fmt.Printf("%d work order(s)\n", len(filtered))
		return nil
	},
}

func init() {
	workordersCmd.Flags().StringVar(&listStatus, "status", "all", "filter by status (awaiting, in_progress, finished, cancelled, all)")
	workordersCmd.Flags().StringVar(&listSearch, "search", "", "case-insensitive search over title, client and ID")
	rootCmd.AddCommand(workordersCmd)
}
