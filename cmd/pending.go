package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/queue"
)

var (
	pendingEntity int64
	pendingFailed bool
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued offline actions awaiting sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		actions, err := a.queue.ListPending(queue.ListOpts{
			EntityID:      pendingEntity,
			IncludeFailed: pendingFailed,
		})
		if err != nil {
			return err
		}

		if len(actions) == 0 {
			fmt.Println("nothing pending")
			return nil
		}
		for _, act := range actions {
			state := "pending"
			if act.PermanentlyFailed {
				state = fmt.Sprintf("FAILED (%s)", act.LastError)
			} else if act.Attempts > 0 {
				state = fmt.Sprintf("retrying (%d attempts)", act.Attempts)
			}
			fmt.Printf("%-22s wo=%-6d %-20s %s\n",
				act.Kind, act.EntityID, act.CreatedAt.Local().Format("2006-01-02 15:04:05"), state)
		}
		return nil
	},
}

func init() {
	pendingCmd.Flags().Int64Var(&pendingEntity, "entity", 0, "filter by work-order ID")
	pendingCmd.Flags().BoolVar(&pendingFailed, "failed", false, "include permanently failed actions")
	rootCmd.AddCommand(pendingCmd)
}
