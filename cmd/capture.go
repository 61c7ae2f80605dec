package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/models"
)

var captureCmd = &cobra.Command{
	Use:   "capture <work-order-id> <slot> <image-file>",
	Short: "Attach a photo to a work-order slot (works offline)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad work-order id %q", args[0])
		}
		slot := models.Slot(args[1])
		if !slot.Valid() {
			return fmt.Errorf("unknown slot %q (initial, final, collection)", args[1])
		}

		raw, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if a.photos.HasSlotPhoto(ctx, entityID, slot) && slot != models.SlotCollection {
			fmt.Printf("slot %s already has a photo for work order %d\n", slot, entityID)
			return nil
		}

		ref, err := a.photos.Capture(ctx, entityID, slot, raw, "")
		if err != nil {
			return err
		}
		fmt.Printf("captured %s photo for work order %d (%d bytes stored, queued for sync)\n",
			slot, entityID, ref.ByteSize)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
}
