// Package e2e exercises the full engine stack against a fake backend:
// real database, real blob files, real HTTP client, scripted server.
package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fieldworks/fieldsync/internal/blob"
	"github.com/fieldworks/fieldsync/internal/cache"
	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/events"
	"github.com/fieldworks/fieldsync/internal/gateway"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/orchestrator"
	"github.com/fieldworks/fieldsync/internal/overlay"
	"github.com/fieldworks/fieldsync/internal/photo"
	"github.com/fieldworks/fieldsync/internal/queue"
	"github.com/fieldworks/fieldsync/internal/store"
)

// ReceivedAction is an upload the fake server accepted.
type ReceivedAction struct {
	ID       string            `json:"id"`
	Kind     models.ActionKind `json:"kind"`
	EntityID int64             `json:"entity_id"`
	ActorID  string            `json:"actor_id"`
	DeviceID string            `json:"device_id"`
	Payload  json.RawMessage   `json:"payload"`
}

// FakeServer is a scripted field-service backend.
type FakeServer struct {
	mu         sync.Mutex
	reachable  bool
	workorders map[int64]models.WorkOrder
	actions    []ReceivedAction
	rejectIDs  map[string]bool

	srv *httptest.Server
}

// NewFakeServer starts a reachable backend with no work orders.
func NewFakeServer() *FakeServer {
	f := &FakeServer{
		reachable:  true,
		workorders: make(map[int64]models.WorkOrder),
		rejectIDs:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", f.guard(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("GET /v1/workorders", f.guard(f.handleList))
	mux.HandleFunc("GET /v1/workorders/{id}", f.guard(f.handleGet))
	mux.HandleFunc("PUT /v1/workorders/{id}/status", f.guard(f.handleStatus))
	mux.HandleFunc("GET /v1/workorders/{id}/photos/{slot}", f.guard(f.handlePhotoCheck))
	mux.HandleFunc("POST /v1/actions", f.guard(f.handleUpload))

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *FakeServer) Close()      { f.srv.Close() }
func (f *FakeServer) URL() string { return f.srv.URL }

// SetReachable flips simulated connectivity; unreachable means every
// request answers 503.
func (f *FakeServer) SetReachable(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = up
}

// Seed installs a work order server-side.
func (f *FakeServer) Seed(wo models.WorkOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workorders[wo.ID] = wo
}

// RejectAction makes the server permanently reject one action ID.
func (f *FakeServer) RejectAction(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectIDs[id] = true
}

// Actions returns everything uploaded so far, in arrival order.
func (f *FakeServer) Actions() []ReceivedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReceivedAction{}, f.actions...)
}

func (f *FakeServer) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		up := f.reachable
		f.mu.Unlock()
		if !up {
			http.Error(w, `{"code":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

func (f *FakeServer) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.WorkOrder, 0, len(f.workorders))
	for _, wo := range f.workorders {
		out = append(out, wo)
	}
	json.NewEncoder(w).Encode(out)
}

func (f *FakeServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	defer f.mu.Unlock()
	wo, ok := f.workorders[id]
	if !ok {
		http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(wo)
}

func (f *FakeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		http.Error(w, `{"code":"bad_status"}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	wo, ok := f.workorders[id]
	if !ok {
		http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
		return
	}
	wo.Status = body.Status
	f.workorders[id] = wo
	w.WriteHeader(http.StatusOK)
}

func (f *FakeServer) handlePhotoCheck(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	slot := models.Slot(r.PathValue("slot"))
	want := models.KindForSlot(slot)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.EntityID == id && a.Kind == want {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, `{"code":"not_found"}`, http.StatusNotFound)
}

func (f *FakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	var a ReceivedAction
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, `{"code":"bad_body"}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectIDs[a.ID] {
		http.Error(w, `{"code":"rejected","message":"scripted rejection"}`, http.StatusUnprocessableEntity)
		return
	}
	// Upsert by ID so replays stay harmless
	for _, got := range f.actions {
		if got.ID == a.ID {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	f.actions = append(f.actions, a)
	w.WriteHeader(http.StatusCreated)
}

// Harness is a full on-device engine wired to a fake backend.
type Harness struct {
	t   *testing.T
	dir string

	Server  *FakeServer
	DB      *db.DB
	Queue   *queue.Queue
	Overlay *overlay.Overlay
	Cache   *cache.Cache
	Blobs   *blob.Store
	Photos  *photo.Pipeline
	Bus     *events.Bus
	Orch    *orchestrator.Orchestrator
}

// NewHarness boots a fresh device directory against a new fake server.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{t: t, dir: t.TempDir(), Server: NewFakeServer()}
	t.Cleanup(h.Server.Close)

	database, err := db.Initialize(h.dir)
	if err != nil {
		t.Fatalf("initialize db: %v", err)
	}
	h.wire(database)
	t.Cleanup(func() { h.DB.Close() })
	return h
}

// Restart simulates an app kill: close the database and rebuild every
// component over the same device directory.
func (h *Harness) Restart() {
	h.t.Helper()
	if err := h.DB.Close(); err != nil {
		h.t.Fatalf("close db: %v", err)
	}
	database, err := db.Open(h.dir)
	if err != nil {
		h.t.Fatalf("reopen db: %v", err)
	}
	h.wire(database)
}

func (h *Harness) wire(database *db.DB) {
	h.DB = database
	h.Queue = queue.New(database)
	h.Overlay = overlay.New(database)
	h.Blobs = blob.New(database)
	h.Bus = events.NewBus()

	tiered := store.NewTiered(
		store.NewSQLite(database),
		store.NewFile(filepath.Join(database.DataDir(), "snapshots-backup")),
	)
	h.Cache = cache.New(tiered)

	gw := gateway.New(h.Server.URL(), "e2e-key", "device-e2e")
	h.Photos = photo.New(h.Blobs, h.Queue, gw, "tech-1")
	h.Orch = orchestrator.New(h.Queue, h.Overlay, h.Cache, h.Blobs, gw, h.Bus)
	h.Orch.Scope = "tech-1"
	h.Orch.ActionTimeout = 5 * time.Second
}

// ChangeStatus records a status change the way the app does: overlay
// first, then the queued action.
func (h *Harness) ChangeStatus(entityID int64, status models.Status) string {
	h.t.Helper()
	if err := h.Overlay.Set(entityID, status); err != nil {
		h.t.Fatalf("set overlay: %v", err)
	}
	payload, err := json.Marshal(models.StatusPayload{Status: status})
	if err != nil {
		h.t.Fatalf("marshal status: %v", err)
	}
	id, err := h.Queue.Enqueue(&models.OfflineAction{
		Kind:     models.KindStatusChange,
		EntityID: entityID,
		ActorID:  "tech-1",
		Payload:  payload,
	})
	if err != nil {
		h.t.Fatalf("enqueue status: %v", err)
	}
	return id
}

// photoFixture returns bytes that survive the capture path; compression
// falls back to storing them verbatim.
func photoFixture(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return append([]byte(fmt.Sprintf("photo-fixture-%d:", n)), data...)
}
