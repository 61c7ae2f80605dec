package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [work-order-id] [new-status]",
	Short: "Show sync state, or record a work-order status change",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 2 {
			return setStatus(a, args[0], args[1])
		}

		pending, err := a.queue.CountPending()
		if err != nil {
			return err
		}
		fmt.Printf("pending actions: %d\n", pending)

		snap, err := a.cache.Read(a.cfg.Scope)
		if err == nil && snap != nil {
			fmt.Printf("cached work orders: %d (captured %s)\n",
				len(snap.Entities), snap.CapturedAt.Local().Format(time.RFC822))
		} else {
			fmt.Println("cached work orders: none")
		}
		return nil
	},
}

// setStatus records the mutation locally: overlay for immediate reads,
// queued action for the eventual upload.
func setStatus(a *app, idArg, statusArg string) error {
	entityID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("bad work-order id %q", idArg)
	}
	status := models.Status(statusArg)
	if !status.Valid() {
		return fmt.Errorf("unknown status %q (awaiting, in_progress, finished, cancelled)", statusArg)
	}

	payload, err := json.Marshal(models.StatusPayload{Status: status})
	if err != nil {
		return err
	}
	if _, err := a.queue.Enqueue(&models.OfflineAction{
		Kind:     models.KindStatusChange,
		EntityID: entityID,
		ActorID:  a.cfg.ActorID,
		Payload:  payload,
	}); err != nil {
		return err
	}
	if err := a.overlay.Set(entityID, status); err != nil {
		return err
	}

	fmt.Printf("work order %d -> %s (queued for sync)\n", entityID, status)
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
