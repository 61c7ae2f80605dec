// Package photo captures, compresses and persists work-order photos, and
// answers the "does this slot already have a photo" question the capture
// workflow keys off.
package photo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fieldworks/fieldsync/internal/blob"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/queue"
)

// SlotChecker is the server-side photo existence check, satisfied by the
// remote gateway.
type SlotChecker interface {
	HasSlotPhoto(ctx context.Context, entityID int64, slot models.Slot) (bool, error)
}

// Pipeline wires the blob store and action queue behind photo capture.
type Pipeline struct {
	blobs   *blob.Store
	queue   *queue.Queue
	remote  SlotChecker
	actorID string
}

// New creates a pipeline. remote may be nil when no gateway is configured;
// slot existence then falls back to local-only.
func New(blobs *blob.Store, q *queue.Queue, remote SlotChecker, actorID string) *Pipeline {
	return &Pipeline{blobs: blobs, queue: q, remote: remote, actorID: actorID}
}

// Capture compresses raw bytes per the slot policy, persists the blob and
// enqueues the matching offline action. Compression failures fall back to
// storing the original bytes: a bad encoder must never lose a capture.
func (p *Pipeline) Capture(ctx context.Context, entityID int64, slot models.Slot, raw []byte, mime string) (models.BlobRef, error) {
	var ref models.BlobRef
	if entityID <= 0 {
		return ref, fmt.Errorf("%w: entity_id must be positive", queue.ErrValidation)
	}
	if !slot.Valid() {
		return ref, fmt.Errorf("%w: unknown slot %q", queue.ErrValidation, slot)
	}
	if len(raw) == 0 {
		return ref, fmt.Errorf("%w: empty photo", queue.ErrValidation)
	}

	data, outMime, err := Compress(raw, slot)
	if err != nil {
		slog.Warn("photo compression failed, storing original",
			"entity", entityID, "slot", slot, "err", err)
		data, outMime = raw, mime
	}

	ref, err = p.blobs.Put(data, outMime)
	if err != nil {
		return ref, fmt.Errorf("store photo: %w", err)
	}

	kind := models.KindForSlot(slot)
	var payload []byte
	if kind == models.KindDataRecord {
		payload, err = json.Marshal(models.DataRecordPayload{BlobIDs: []string{ref.ID}})
	} else {
		payload, err = json.Marshal(models.PhotoPayload{
			BlobID:   ref.ID,
			Slot:     slot,
			MimeType: ref.MimeType,
			ByteSize: ref.ByteSize,
		})
	}
	if err != nil {
		return ref, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = p.queue.Enqueue(&models.OfflineAction{
		Kind:     kind,
		EntityID: entityID,
		ActorID:  p.actorID,
		Payload:  payload,
	})
	if err != nil {
		return ref, fmt.Errorf("enqueue photo action: %w", err)
	}
	return ref, nil
}

// HasSlotPhoto reports whether the slot already holds an authoritative
// photo: a confirmed server-side record OR an unsynced local action. A
// failing server check defaults to false so a transient read error never
// blocks the technician from proceeding.
func (p *Pipeline) HasSlotPhoto(ctx context.Context, entityID int64, slot models.Slot) bool {
	var onServer bool
	if p.remote != nil {
		ok, err := p.remote.HasSlotPhoto(ctx, entityID, slot)
		if err != nil {
			slog.Debug("server slot check failed", "entity", entityID, "slot", slot, "err", err)
		} else {
			onServer = ok
		}
	}

	local, err := p.hasLocalSlotPhoto(entityID, slot)
	if err != nil {
		slog.Debug("local slot check failed", "entity", entityID, "slot", slot, "err", err)
		local = false
	}

	return onServer || local
}

// hasLocalSlotPhoto reports an unsynced capture for the slot. Collection
// photos ride data_record actions alongside fields-only records, so those
// payloads are inspected for attached blobs instead of matching on kind.
func (p *Pipeline) hasLocalSlotPhoto(entityID int64, slot models.Slot) (bool, error) {
	kind := models.KindForSlot(slot)
	if kind != models.KindDataRecord {
		return p.queue.ExistsForSlot(entityID, kind)
	}

	pending, err := p.queue.ListPending(queue.ListOpts{EntityID: entityID})
	if err != nil {
		return false, err
	}
	for _, a := range pending {
		if a.Kind != models.KindDataRecord {
			continue
		}
		var rec models.DataRecordPayload
		if json.Unmarshal(a.Payload, &rec) == nil && len(rec.BlobIDs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
