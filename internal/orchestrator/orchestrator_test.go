package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldworks/fieldsync/internal/blob"
	"github.com/fieldworks/fieldsync/internal/cache"
	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/events"
	"github.com/fieldworks/fieldsync/internal/gateway"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/overlay"
	"github.com/fieldworks/fieldsync/internal/queue"
	"github.com/fieldworks/fieldsync/internal/store"
)

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu          sync.Mutex
	uploads     []string // action IDs in arrival order
	statusCalls []int64

	uploadErr   map[string]error // keyed by action ID
	statusErr   error
	uploadDelay time.Duration

	fetchOrders []models.WorkOrder
	fetchErr    error
	orders      map[int64]models.WorkOrder
}

func (f *fakeGateway) UploadAction(ctx context.Context, a models.OfflineAction) error {
	if f.uploadDelay > 0 {
		select {
		case <-time.After(f.uploadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.uploadErr[a.ID]; ok {
		return err
	}
	f.uploads = append(f.uploads, a.ID)
	return nil
}

func (f *fakeGateway) UpdateStatus(ctx context.Context, entityID int64, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statusCalls = append(f.statusCalls, entityID)
	return nil
}

func (f *fakeGateway) FetchWorkOrders(ctx context.Context, scope string) ([]models.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchOrders, nil
}

func (f *fakeGateway) WorkOrder(ctx context.Context, entityID int64) (*models.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wo, ok := f.orders[entityID]; ok {
		return &wo, nil
	}
	return nil, nil
}

func (f *fakeGateway) uploadedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.uploads...)
}

type fixture struct {
	orch    *Orchestrator
	queue   *queue.Queue
	overlay *overlay.Overlay
	cache   *cache.Cache
	blobs   *blob.Store
	gw      *fakeGateway
	bus     *events.Bus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		queue:   queue.New(database),
		overlay: overlay.New(database),
		blobs:   blob.New(database),
		gw:      &fakeGateway{orders: make(map[int64]models.WorkOrder)},
		bus:     events.NewBus(),
	}
	tiered := store.NewTiered(store.NewSQLite(database), store.NewFile(t.TempDir()))
	f.cache = cache.New(tiered)
	f.orch = New(f.queue, f.overlay, f.cache, f.blobs, f.gw, f.bus)
	f.orch.Scope = "tech-1"
	return f
}

// enqueue adds a comment action with a distinct creation time so ordering
// is deterministic.
func (f *fixture) enqueue(t *testing.T, entityID int64, offset time.Duration) string {
	t.Helper()
	payload, _ := json.Marshal(models.CommentPayload{Comment: "note"})
	id, err := f.queue.Enqueue(&models.OfflineAction{
		Kind:      models.KindChecklistComment,
		EntityID:  entityID,
		ActorID:   "tech-1",
		Payload:   payload,
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Add(offset),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func (f *fixture) enqueueStatus(t *testing.T, entityID int64, status models.Status, offset time.Duration) string {
	t.Helper()
	payload, _ := json.Marshal(models.StatusPayload{Status: status})
	id, err := f.queue.Enqueue(&models.OfflineAction{
		Kind:      models.KindStatusChange,
		EntityID:  entityID,
		ActorID:   "tech-1",
		Payload:   payload,
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Add(offset),
	})
	if err != nil {
		t.Fatalf("enqueue status: %v", err)
	}
	if err := f.overlay.Set(entityID, status); err != nil {
		t.Fatalf("set overlay: %v", err)
	}
	return id
}

func TestSyncDrainsQueueAndRefreshesCache(t *testing.T) {
	f := setup(t)
	f.enqueue(t, 42, 0)
	f.enqueueStatus(t, 42, models.StatusInProgress, time.Second)
	f.gw.fetchOrders = []models.WorkOrder{{ID: 42, Title: "Boiler inspection", Status: models.StatusAwaiting}}

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 2 || res.TransientFailures != 0 || res.PermanentFailures != 0 {
		t.Errorf("result: %+v", res)
	}

	pending, _ := f.queue.ListPending(queue.ListOpts{})
	if len(pending) != 0 {
		t.Errorf("still pending: %+v", pending)
	}

	// Confirmed status change removes the local override entirely
	if st, _ := f.overlay.Get(42); st != nil {
		t.Errorf("overlay survives synced status change: %v", *st)
	}

	if got := f.gw.statusCalls; len(got) != 1 || got[0] != 42 {
		t.Errorf("status calls: %v", got)
	}

	snap, _ := f.cache.Read("tech-1")
	if snap == nil || len(snap.Entities) != 1 || snap.Entities[0].ID != 42 {
		t.Errorf("cache after sync: %+v", snap)
	}
}

func TestSyncSingleFlight(t *testing.T) {
	f := setup(t)
	f.enqueue(t, 42, 0)
	f.gw.uploadDelay = 200 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.orch.Sync(context.Background())
	}()

	// Let the first cycle claim the flag
	time.Sleep(50 * time.Millisecond)
	_, err := f.orch.Sync(context.Background())
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("got %v, want ErrSyncInProgress", err)
	}
	wg.Wait()

	// The flag is released after the cycle
	if _, err := f.orch.Sync(context.Background()); err != nil {
		t.Errorf("sync after release: %v", err)
	}
}

func TestPerEntityOrdering(t *testing.T) {
	f := setup(t)
	var want []string
	for i := 0; i < 6; i++ {
		want = append(want, f.enqueue(t, 42, time.Duration(i)*time.Second))
	}

	if _, err := f.orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := f.gw.uploadedIDs()
	if len(got) != len(want) {
		t.Fatalf("uploads: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("upload order diverges at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestConcurrentEntityDrain(t *testing.T) {
	f := setup(t)

	// Enough entities to keep all workers busy writing bookkeeping rows
	// at the same time.
	const entities = 8
	const perEntity = 3
	for e := int64(1); e <= entities; e++ {
		for i := 0; i < perEntity; i++ {
			f.enqueue(t, e, time.Duration(e)*time.Minute+time.Duration(i)*time.Second)
		}
	}

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != entities*perEntity {
		t.Errorf("synced %d of %d", res.Synced, entities*perEntity)
	}
	if res.TransientFailures != 0 || res.PermanentFailures != 0 || res.Skipped != 0 {
		t.Errorf("failures under concurrency: %+v", res)
	}

	pending, _ := f.queue.ListPending(queue.ListOpts{})
	if len(pending) != 0 {
		t.Errorf("%d actions left pending after concurrent drain", len(pending))
	}
	if len(f.gw.uploadedIDs()) != entities*perEntity {
		t.Errorf("uploads: %d", len(f.gw.uploadedIDs()))
	}
}

func TestTransientFailureStopsEntityGroup(t *testing.T) {
	f := setup(t)
	first := f.enqueue(t, 42, 0)
	second := f.enqueue(t, 42, time.Second)
	third := f.enqueue(t, 42, 2*time.Second)
	f.gw.uploadErr = map[string]error{second: fmt.Errorf("HTTP 503: unavailable")}

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 1 || res.TransientFailures != 1 {
		t.Errorf("result: %+v", res)
	}

	a1, _ := f.queue.Get(first)
	if a1 == nil || !a1.Synced {
		t.Error("first action not synced")
	}
	a2, _ := f.queue.Get(second)
	if a2 == nil || a2.Synced || a2.Attempts != 1 || a2.PermanentlyFailed {
		t.Errorf("second action: %+v", a2)
	}
	// Later actions in the group must not run after a failure
	a3, _ := f.queue.Get(third)
	if a3 == nil || a3.Synced || a3.Attempts != 0 {
		t.Errorf("third action touched: %+v", a3)
	}
}

func TestPermanentRejection(t *testing.T) {
	f := setup(t)
	id := f.enqueue(t, 42, 0)
	f.gw.uploadErr = map[string]error{
		id: fmt.Errorf("%w: duplicate photo", gateway.ErrRejected),
	}

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.PermanentFailures != 1 {
		t.Errorf("result: %+v", res)
	}

	a, _ := f.queue.Get(id)
	if a == nil || !a.PermanentlyFailed {
		t.Errorf("action not permanently failed: %+v", a)
	}

	// Excluded from the retry set, visible when asked for
	pending, _ := f.queue.ListPending(queue.ListOpts{})
	if len(pending) != 0 {
		t.Errorf("failed action still pending: %+v", pending)
	}
	all, _ := f.queue.ListPending(queue.ListOpts{IncludeFailed: true})
	if len(all) != 1 {
		t.Errorf("failed action invisible: %+v", all)
	}

	var sawFailure bool
	for ev := range ch {
		if ev.Kind == events.ActionPermanentlyFailed && ev.ActionID == id {
			sawFailure = true
		}
		if ev.Kind == events.SyncCycleFinished {
			break
		}
	}
	if !sawFailure {
		t.Error("no permanent-failure event published")
	}
}

func TestRetryCeilingFlagsPermanent(t *testing.T) {
	f := setup(t)
	f.queue.MaxAttempts = 2
	id := f.enqueue(t, 42, 0)
	f.gw.uploadErr = map[string]error{id: fmt.Errorf("HTTP 500: flaky")}

	if res, _ := f.orch.Sync(context.Background()); res.PermanentFailures != 0 {
		t.Errorf("first cycle: %+v", res)
	}
	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.PermanentFailures != 1 {
		t.Errorf("ceiling not enforced: %+v", res)
	}
	if res.TransientFailures != 0 {
		t.Errorf("ceiling crossing counted twice: %+v", res)
	}

	a, _ := f.queue.Get(id)
	if a == nil || a.Attempts != 2 || !a.PermanentlyFailed {
		t.Errorf("action after ceiling: %+v", a)
	}
}

func TestActionTimeoutSkips(t *testing.T) {
	f := setup(t)
	id := f.enqueue(t, 42, 0)
	f.gw.uploadDelay = 300 * time.Millisecond
	f.orch.ActionTimeout = 50 * time.Millisecond

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != 1 || res.TransientFailures != 0 {
		t.Errorf("result: %+v", res)
	}

	// A timeout defers; it is not a failure and burns no attempt
	a, _ := f.queue.Get(id)
	if a == nil || a.Synced || a.Attempts != 0 {
		t.Errorf("action after timeout: %+v", a)
	}
}

func TestOfflineThenReconnect(t *testing.T) {
	f := setup(t)
	id := f.enqueue(t, 42, 0)
	f.gw.uploadErr = map[string]error{id: fmt.Errorf("http request: connection refused")}

	if res, _ := f.orch.Sync(context.Background()); res.Synced != 0 {
		t.Errorf("offline cycle synced something: %+v", res)
	}

	// Connectivity returns; the same action drains
	f.gw.mu.Lock()
	f.gw.uploadErr = nil
	f.gw.mu.Unlock()

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync after reconnect: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("reconnect cycle: %+v", res)
	}
	a, _ := f.queue.Get(id)
	if a == nil || !a.Synced {
		t.Errorf("action after reconnect: %+v", a)
	}
}

func TestCollectFinishedEntity(t *testing.T) {
	f := setup(t)

	ref, err := f.blobs.Put([]byte("photo bytes of a finished job"), "image/jpeg")
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	payload, _ := json.Marshal(models.PhotoPayload{
		BlobID: ref.ID, Slot: models.SlotFinal, MimeType: ref.MimeType, ByteSize: ref.ByteSize,
	})
	if _, err := f.queue.Enqueue(&models.OfflineAction{
		Kind: models.KindPhotoFinal, EntityID: 42, ActorID: "tech-1", Payload: payload,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.enqueueStatus(t, 42, models.StatusFinished, time.Second)
	f.gw.orders[42] = models.WorkOrder{ID: 42, Status: models.StatusFinished}

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Finalized) != 1 || res.Finalized[0] != 42 {
		t.Fatalf("finalized: %v", res.Finalized)
	}

	// Synced actions, the photo blob and the overlay are all gone
	all, _ := f.queue.ListPending(queue.ListOpts{IncludeFailed: true})
	if len(all) != 0 {
		t.Errorf("actions survive gc: %+v", all)
	}
	if _, _, err := f.blobs.Get(ref.ID); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("blob survives gc: %v", err)
	}
	if st, _ := f.overlay.Get(42); st != nil {
		t.Errorf("overlay survives gc: %v", *st)
	}

	var sawFinalized bool
	for ev := range ch {
		if ev.Kind == events.EntityFinalized && ev.EntityID == 42 {
			sawFinalized = true
		}
		if ev.Kind == events.SyncCycleFinished {
			break
		}
	}
	if !sawFinalized {
		t.Error("no finalized event published")
	}
}

func TestCollectSkipsUnfinishedEntity(t *testing.T) {
	f := setup(t)
	id := f.enqueue(t, 42, 0)
	f.gw.orders[42] = models.WorkOrder{ID: 42, Status: models.StatusInProgress}

	res, err := f.orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Finalized) != 0 {
		t.Errorf("unfinished entity finalized: %v", res.Finalized)
	}

	// Synced action history stays until the server reports finished
	a, _ := f.queue.Get(id)
	if a == nil || !a.Synced {
		t.Errorf("action after sync: %+v", a)
	}
}

func TestFetchFailureKeepsStaleCache(t *testing.T) {
	f := setup(t)
	if err := f.cache.Write("tech-1", []models.WorkOrder{{ID: 7, Title: "Old but present"}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	f.gw.fetchErr = fmt.Errorf("HTTP 502: bad gateway")

	if _, err := f.orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	snap, _ := f.cache.Read("tech-1")
	if snap == nil || len(snap.Entities) != 1 || snap.Entities[0].ID != 7 {
		t.Errorf("stale snapshot lost: %+v", snap)
	}
}

func TestSyncCancelledContext(t *testing.T) {
	f := setup(t)
	f.enqueue(t, 42, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Cancelled {
		t.Error("cancelled cycle not flagged")
	}
	if len(f.gw.uploadedIDs()) != 0 {
		t.Error("uploads ran under a cancelled context")
	}
}
