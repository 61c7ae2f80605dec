package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/models"
)

var commentItem int64

var commentCmd = &cobra.Command{
	Use:   "comment <work-order-id> <text>",
	Short: "Record a checklist comment (works offline)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad work-order id %q", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		payload, err := json.Marshal(models.CommentPayload{
			ChecklistItemID: commentItem,
			Comment:         args[1],
		})
		if err != nil {
			return err
		}
		if _, err := a.queue.Enqueue(&models.OfflineAction{
			Kind:     models.KindChecklistComment,
			EntityID: entityID,
			ActorID:  a.cfg.ActorID,
			Payload:  payload,
		}); err != nil {
			return err
		}
		fmt.Println("comment queued for sync")
		return nil
	},
}

func init() {
	commentCmd.Flags().Int64Var(&commentItem, "item", 0, "checklist item ID")
	rootCmd.AddCommand(commentCmd)
}
