// Package orchestrator drains the offline action queue against the remote
// gateway, updates the entity cache and status overlay, and garbage-collects
// finished work orders. One drain runs at a time; callers read the cache and
// overlay directly and never wait on a cycle.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks/fieldsync/internal/blob"
	"github.com/fieldworks/fieldsync/internal/cache"
	"github.com/fieldworks/fieldsync/internal/events"
	"github.com/fieldworks/fieldsync/internal/gateway"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/overlay"
	"github.com/fieldworks/fieldsync/internal/queue"
)

// ErrSyncInProgress is returned when a drain is already running.
// Concurrent triggers no-op: interleaved drains on the same entity could
// apply a status change out of order.
var ErrSyncInProgress = errors.New("sync already in progress")

// Gateway is the remote surface the orchestrator drains against.
type Gateway interface {
	FetchWorkOrders(ctx context.Context, scope string) ([]models.WorkOrder, error)
	UploadAction(ctx context.Context, a models.OfflineAction) error
	UpdateStatus(ctx context.Context, entityID int64, status models.Status) error
	WorkOrder(ctx context.Context, entityID int64) (*models.WorkOrder, error)
}

const (
	defaultWorkers       = 4
	defaultActionTimeout = 10 * time.Second
)

// Orchestrator runs reconciliation cycles.
type Orchestrator struct {
	queue   *queue.Queue
	overlay *overlay.Overlay
	cache   *cache.Cache
	blobs   *blob.Store
	gw      Gateway
	bus     *events.Bus

	// Scope selects which work-order collection to refresh after a drain.
	Scope string

	// Workers bounds cross-entity parallelism. Actions for the same
	// entity are always sequential.
	Workers int

	// ActionTimeout bounds each remote call. An action that times out is
	// skipped, not failed, and retried next cycle.
	ActionTimeout time.Duration

	running atomic.Bool
}

// New wires an orchestrator. bus may be nil when nobody listens.
func New(q *queue.Queue, ov *overlay.Overlay, c *cache.Cache, blobs *blob.Store, gw Gateway, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		queue:         q,
		overlay:       ov,
		cache:         c,
		blobs:         blobs,
		gw:            gw,
		bus:           bus,
		Workers:       defaultWorkers,
		ActionTimeout: defaultActionTimeout,
	}
}

// Result summarises one reconciliation cycle.
type Result struct {
	Synced            int
	TransientFailures int
	PermanentFailures int
	Skipped           int
	Finalized         []int64
	Cancelled         bool
}

// entityResult is the per-entity tally a worker produces.
type entityResult struct {
	synced    int
	transient int
	permanent int
	skipped   int
	cancelled bool
}

// Sync runs one reconciliation cycle. A second concurrent call returns
// ErrSyncInProgress without draining.
func (o *Orchestrator) Sync(ctx context.Context) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	pending, err := o.queue.ListPending(queue.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	// Group by entity, preserving creation order within each group. A
	// status change must not be uploaded before the photo action it
	// semantically depends on.
	groups := make(map[int64][]models.OfflineAction)
	var order []int64
	for _, a := range pending {
		if _, ok := groups[a.EntityID]; !ok {
			order = append(order, a.EntityID)
		}
		groups[a.EntityID] = append(groups[a.EntityID], a)
	}

	result := &Result{}
	if len(order) > 0 {
		o.drain(ctx, order, groups, result)
	}
	result.Cancelled = result.Cancelled || ctx.Err() != nil

	// Refresh the cache from the server. A fetch failure keeps the stale
	// snapshot; the device always shows something.
	if !result.Cancelled && o.Scope != "" {
		if entities, ferr := o.gw.FetchWorkOrders(ctx, o.Scope); ferr != nil {
			slog.Debug("post-drain fetch failed", "scope", o.Scope, "err", ferr)
		} else if werr := o.cache.Write(o.Scope, entities); werr != nil {
			slog.Warn("cache refresh failed", "scope", o.Scope, "err", werr)
		}
	}

	if !result.Cancelled {
		o.collectFinished(ctx, order, result)
	}

	o.publish(events.Event{
		Kind:   events.SyncCycleFinished,
		Synced: result.Synced,
		Failed: result.PermanentFailures,
	})
	return result, nil
}

// drain uploads all groups through a bounded worker pool. Distinct
// entities proceed concurrently; one entity's actions stay sequential.
func (o *Orchestrator) drain(ctx context.Context, order []int64, groups map[int64][]models.OfflineAction, result *Result) {
	workers := o.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(order) {
		workers = len(order)
	}

	jobs := make(chan int64)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entityID := range jobs {
				er := o.drainEntity(ctx, groups[entityID])
				mu.Lock()
				result.Synced += er.synced
				result.TransientFailures += er.transient
				result.PermanentFailures += er.permanent
				result.Skipped += er.skipped
				result.Cancelled = result.Cancelled || er.cancelled
				mu.Unlock()
			}
		}()
	}

	for _, id := range order {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
}

// drainEntity replays one entity's actions in creation order. Any failure
// stops the remainder of the group for this cycle so ordering holds.
func (o *Orchestrator) drainEntity(ctx context.Context, actions []models.OfflineAction) entityResult {
	var er entityResult
	for _, a := range actions {
		if ctx.Err() != nil {
			er.cancelled = true
			return er
		}

		err := o.uploadOne(ctx, a)
		switch {
		case err == nil:
			if merr := o.queue.MarkSynced(a.ID); merr != nil {
				slog.Warn("mark synced failed", "action", a.ID, "err", merr)
			}
			if a.Kind == models.KindStatusChange {
				if cerr := o.overlay.Clear(a.EntityID); cerr != nil {
					slog.Warn("overlay clear failed", "entity", a.EntityID, "err", cerr)
				}
			}
			er.synced++
			o.publish(events.Event{
				Kind:     events.ActionSynced,
				EntityID: a.EntityID,
				ActionID: a.ID,
			})

		case ctx.Err() != nil:
			// Cycle cancelled mid-upload; the action stays unsynced and
			// retries next cycle.
			er.cancelled = true
			return er

		case errors.Is(err, context.DeadlineExceeded):
			// Individual timeout: skip, don't fail. Deferred to next cycle.
			slog.Debug("action timed out, deferring", "action", a.ID)
			er.skipped++
			return er

		case gateway.IsRejected(err):
			if merr := o.queue.MarkPermanentlyFailed(a.ID, err); merr != nil {
				slog.Warn("mark permanently failed", "action", a.ID, "err", merr)
			}
			er.permanent++
			o.publish(events.Event{
				Kind:     events.ActionPermanentlyFailed,
				EntityID: a.EntityID,
				ActionID: a.ID,
				Error:    err.Error(),
			})
			return er

		default:
			if merr := o.queue.MarkFailed(a.ID, err); merr != nil {
				slog.Warn("mark failed", "action", a.ID, "err", merr)
			}
			// The failure counts once: permanent if this attempt crossed
			// the retry ceiling, transient otherwise.
			if updated, gerr := o.queue.Get(a.ID); gerr == nil && updated != nil && updated.PermanentlyFailed {
				er.permanent++
				o.publish(events.Event{
					Kind:     events.ActionPermanentlyFailed,
					EntityID: a.EntityID,
					ActionID: a.ID,
					Error:    err.Error(),
				})
			} else {
				er.transient++
			}
			return er
		}
	}
	return er
}

// uploadOne sends a single action with the per-call timeout.
func (o *Orchestrator) uploadOne(ctx context.Context, a models.OfflineAction) error {
	timeout := o.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.Kind == models.KindStatusChange {
		var p models.StatusPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: status payload: %v", gateway.ErrRejected, err)
		}
		return o.gw.UpdateStatus(actx, a.EntityID, p.Status)
	}
	return o.gw.UploadAction(actx, a)
}

// collectFinished deletes transient on-device artifacts for entities whose
// actions all synced and that the server now reports finished. Explicit,
// entity-scoped garbage collection bounds device storage growth.
func (o *Orchestrator) collectFinished(ctx context.Context, entities []int64, result *Result) {
	for _, entityID := range entities {
		done, err := o.queue.AllSynced(entityID)
		if err != nil || !done {
			continue
		}

		wo, err := o.gw.WorkOrder(ctx, entityID)
		if err != nil || wo == nil || wo.Status != models.StatusFinished {
			continue
		}

		synced, err := o.queue.DeleteSynced(entityID)
		if err != nil {
			slog.Warn("gc delete synced failed", "entity", entityID, "err", err)
			continue
		}
		for _, a := range synced {
			for _, blobID := range blobIDs(a) {
				if derr := o.blobs.Delete(blobID); derr != nil {
					slog.Warn("gc blob delete failed", "blob", blobID, "err", derr)
				}
			}
		}
		if cerr := o.overlay.Clear(entityID); cerr != nil {
			slog.Warn("gc overlay clear failed", "entity", entityID, "err", cerr)
		}

		result.Finalized = append(result.Finalized, entityID)
		o.publish(events.Event{
			Kind:     events.EntityFinalized,
			EntityID: entityID,
		})
	}
}

// blobIDs extracts blob references from a synced action's payload.
func blobIDs(a models.OfflineAction) []string {
	switch a.Kind {
	case models.KindPhotoInitial, models.KindPhotoFinal:
		var p models.PhotoPayload
		if json.Unmarshal(a.Payload, &p) == nil && p.BlobID != "" {
			return []string{p.BlobID}
		}
	case models.KindDataRecord:
		var p models.DataRecordPayload
		if json.Unmarshal(a.Payload, &p) == nil {
			return p.BlobIDs
		}
	}
	return nil
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
