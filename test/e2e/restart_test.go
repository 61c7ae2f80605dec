package e2e

import (
	"bytes"
	"context"
	"testing"

	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/queue"
)

func TestQueueSurvivesRestart(t *testing.T) {
	h := NewHarness(t)
	h.Server.Seed(models.WorkOrder{ID: 42, Title: "Valve replacement", Status: models.StatusAwaiting})
	h.Server.SetReachable(false)

	raw := photoFixture(8192)
	ref, err := h.Photos.Capture(context.Background(), 42, models.SlotInitial, raw, "")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	h.ChangeStatus(42, models.StatusInProgress)

	// App killed before anything synced
	h.Restart()

	pending, err := h.Queue.ListPending(queue.ListOpts{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending after restart: %d, want 2", len(pending))
	}
	data, _, err := h.Blobs.Get(ref.ID)
	if err != nil {
		t.Fatalf("blob after restart: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Error("blob bytes changed across restart")
	}
	if st, _ := h.Overlay.Get(42); st == nil || *st != models.StatusInProgress {
		t.Errorf("overlay after restart: %v", st)
	}

	// Connectivity returns after the restart; everything drains
	h.Server.SetReachable(true)
	res, err := h.Orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 2 {
		t.Errorf("result: %+v", res)
	}
	if got := h.Server.Actions(); len(got) != 1 {
		t.Errorf("uploads after restart: %+v", got)
	}
	if st, _ := h.Overlay.Get(42); st != nil {
		t.Errorf("overlay after drain: %v", *st)
	}
}

func TestRestartDoesNotDuplicateActions(t *testing.T) {
	h := NewHarness(t)
	h.Server.Seed(models.WorkOrder{ID: 42, Status: models.StatusAwaiting})

	id := h.ChangeStatus(42, models.StatusInProgress)
	if _, err := h.Orch.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	h.Restart()

	// The synced action is still recorded and is not retried
	a, err := h.Queue.Get(id)
	if err != nil || a == nil || !a.Synced {
		t.Fatalf("synced action after restart: %+v (%v)", a, err)
	}
	res, err := h.Orch.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Synced != 0 {
		t.Errorf("restart replayed a synced action: %+v", res)
	}
}
