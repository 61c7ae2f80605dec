package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/config"
	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/models"
)

var (
	initServerURL string
	initActorID   string
	initScope     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the device database and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Initialize(baseDir)
		if err != nil {
			return err
		}
		defer database.Close()

		deviceID, err := config.EnsureDeviceID(baseDir)
		if err != nil {
			return fmt.Errorf("ensure device id: %w", err)
		}

		err = config.Update(baseDir, func(cfg *models.Config) error {
			if initServerURL != "" {
				cfg.ServerURL = initServerURL
			}
			if initActorID != "" {
				cfg.ActorID = initActorID
			}
			if initScope != "" {
				cfg.Scope = initScope
			}
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("initialized device %s\n", deviceID)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initServerURL, "server", "", "backend base URL")
	initCmd.Flags().StringVar(&initActorID, "actor", "", "technician identifier")
	initCmd.Flags().StringVar(&initScope, "scope", "", "work-order scope to sync")
	rootCmd.AddCommand(initCmd)
}
