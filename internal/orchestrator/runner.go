package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldworks/fieldsync/internal/connectivity"
)

const (
	defaultInitialDelay = 5 * time.Second
	defaultInterval     = 5 * time.Minute
)

// Runner drives the orchestrator from its triggers: a cold sync shortly
// after start, connectivity transitions to online, and a periodic tick.
// Manual refreshes call Orchestrator.Sync directly.
type Runner struct {
	orch    *Orchestrator
	watcher *connectivity.Watcher

	// InitialDelay is the cold-sync delay after Run starts.
	InitialDelay time.Duration

	// Interval is the periodic drain interval.
	Interval time.Duration
}

// NewRunner creates a runner. watcher may be nil to disable the
// connectivity trigger.
func NewRunner(orch *Orchestrator, watcher *connectivity.Watcher) *Runner {
	return &Runner{
		orch:         orch,
		watcher:      watcher,
		InitialDelay: defaultInitialDelay,
		Interval:     defaultInterval,
	}
}

// Run blocks until ctx is done, firing syncs on each trigger. Triggers
// that land while a drain is running no-op.
func (r *Runner) Run(ctx context.Context) {
	if r.watcher != nil {
		r.watcher.Subscribe(func(online bool) {
			if online {
				go r.sync(ctx, "connectivity")
			}
		})
		go r.watcher.Run(ctx)
	}

	initial := time.NewTimer(r.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			r.sync(ctx, "initial")
		case <-ticker.C:
			r.sync(ctx, "interval")
		}
	}
}

func (r *Runner) sync(ctx context.Context, trigger string) {
	res, err := r.orch.Sync(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	if err != nil {
		slog.Warn("sync cycle failed", "trigger", trigger, "err", err)
		return
	}
	slog.Debug("sync cycle finished", "trigger", trigger,
		"synced", res.Synced, "transient", res.TransientFailures,
		"permanent", res.PermanentFailures, "skipped", res.Skipped)
}
