package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldworks/fieldsync/internal/config"
	"github.com/fieldworks/fieldsync/internal/events"
	"github.com/fieldworks/fieldsync/internal/orchestrator"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := orchestrator.NewRunner(a.orch, a.watcher())
		runner.Interval = config.SyncInterval(a.cfg)

		ch, cancel := a.bus.Subscribe()
		defer cancel()
		go func() {
			for ev := range ch {
				switch ev.Kind {
				case events.ActionPermanentlyFailed:
					slog.Warn("action failed permanently",
						"entity", ev.EntityID, "action", ev.ActionID, "err", ev.Error)
				case events.EntityFinalized:
					slog.Info("work order finalized", "entity", ev.EntityID)
				case events.SyncCycleFinished:
					slog.Info("sync cycle finished", "synced", ev.Synced, "failed", ev.Failed)
				}
			}
		}()

		fmt.Println("fieldsync daemon running, ctrl-c to stop")
		runner.Run(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
