package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the work-order lifecycle status
type Status string

const (
	StatusAwaiting   Status = "awaiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"

	// StatusAll is a filter sentinel, never stored on a work order.
	StatusAll Status = "all"
)

// Valid reports whether s is a storable work-order status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaiting, StatusInProgress, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// ActionKind tags the variant of a queued offline mutation
type ActionKind string

const (
	KindPhotoInitial     ActionKind = "photo_initial"
	KindPhotoFinal       ActionKind = "photo_final"
	KindChecklistComment ActionKind = "checklist_comment"
	KindAuditFinal       ActionKind = "audit_final"
	KindDataRecord       ActionKind = "data_record"
	KindStatusChange     ActionKind = "status_change"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case KindPhotoInitial, KindPhotoFinal, KindChecklistComment,
		KindAuditFinal, KindDataRecord, KindStatusChange:
		return true
	}
	return false
}

// Slot names a photo requirement on a work order.
// A (work order, slot) pair holds at most one authoritative photo.
type Slot string

const (
	SlotInitial    Slot = "initial"
	SlotFinal      Slot = "final"
	SlotCollection Slot = "collection"
)

// Valid reports whether sl is a known photo slot.
func (sl Slot) Valid() bool {
	switch sl {
	case SlotInitial, SlotFinal, SlotCollection:
		return true
	}
	return false
}

// KindForSlot maps a photo slot to the action kind that records its capture.
// Collection photos ride the data_record kind.
func KindForSlot(sl Slot) ActionKind {
	switch sl {
	case SlotInitial:
		return KindPhotoInitial
	case SlotFinal:
		return KindPhotoFinal
	default:
		return KindDataRecord
	}
}

// WorkOrder represents a scheduled field-service job
type WorkOrder struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Client      string    `json:"client"`
	Address     string    `json:"address,omitempty"`
	Status      Status    `json:"status"`
	Technician  string    `json:"technician,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OfflineAction is a queued mutation awaiting upload.
// Immutable once created except for the sync bookkeeping fields.
type OfflineAction struct {
	ID                string          `json:"id"`
	Kind              ActionKind      `json:"kind"`
	EntityID          int64           `json:"entity_id"`
	ActorID           string          `json:"actor_id"`
	Payload           json.RawMessage `json:"payload"`
	CreatedAt         time.Time       `json:"created_at"`
	Synced            bool            `json:"synced"`
	SyncedAt          *time.Time      `json:"synced_at,omitempty"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	PermanentlyFailed bool            `json:"permanently_failed"`
}

// ActionID builds the deterministic dedup key for an action.
// Re-queuing the same logical mutation yields the same ID, so the
// durable queue can reject the duplicate instead of storing it twice.
func ActionID(kind ActionKind, entityID int64, actorID string, at time.Time) string {
	return fmt.Sprintf("%s-%d-%s-%d", kind, entityID, actorID, at.UTC().UnixNano())
}

// PhotoPayload is the payload for photo_initial and photo_final actions.
type PhotoPayload struct {
	BlobID   string `json:"blob_id"`
	Slot     Slot   `json:"slot"`
	MimeType string `json:"mime_type"`
	ByteSize int64  `json:"byte_size"`
}

// CommentPayload is the payload for checklist_comment actions.
type CommentPayload struct {
	ChecklistItemID int64  `json:"checklist_item_id"`
	Comment         string `json:"comment"`
}

// AuditPayload is the payload for audit_final actions.
type AuditPayload struct {
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// DataRecordPayload is the payload for data_record actions.
// BlobIDs carries any collection photos attached to the record.
type DataRecordPayload struct {
	Fields  map[string]string `json:"fields,omitempty"`
	BlobIDs []string          `json:"blob_ids,omitempty"`
}

// StatusPayload is the payload for status_change actions.
type StatusPayload struct {
	Status Status `json:"status"`
}

// BlobRef is an opaque handle to a stored binary asset.
type BlobRef struct {
	ID          string    `json:"id"`
	PrimaryPath string    `json:"primary_path"`
	BackupPath  string    `json:"backup_path,omitempty"`
	ByteSize    int64     `json:"byte_size"`
	MimeType    string    `json:"mime_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config holds the per-device configuration persisted under .fieldsync/.
type Config struct {
	DeviceID     string `json:"device_id,omitempty"`
	ActorID      string `json:"actor_id,omitempty"`
	ServerURL    string `json:"server_url,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Scope        string `json:"scope,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}
