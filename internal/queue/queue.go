// Package queue is the durable log of pending offline mutations.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/models"
)

// ErrValidation is returned when an action is malformed. Validation
// failures are rejected at enqueue and never retried.
var ErrValidation = errors.New("invalid action")

// DefaultMaxAttempts is the retry ceiling before an action is flagged
// permanently failed.
const DefaultMaxAttempts = 5

// Queue stores offline actions in the device database.
type Queue struct {
	db *db.DB

	// MaxAttempts is the retry ceiling; zero means DefaultMaxAttempts.
	MaxAttempts int
}

// New creates a queue over the given database.
func New(database *db.DB) *Queue {
	return &Queue{db: database, MaxAttempts: DefaultMaxAttempts}
}

func (q *Queue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Enqueue validates and appends an action, returning its ID. The write is
// local-only and never blocks on the network. Re-enqueuing an action with
// the same ID is a no-op returning the existing ID.
func (q *Queue) Enqueue(a *models.OfflineAction) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.ID == "" {
		a.ID = models.ActionID(a.Kind, a.EntityID, a.ActorID, a.CreatedAt)
	}

	err := q.db.WithWriteLock(func() error {
		_, err := q.db.Conn().Exec(
			`INSERT OR IGNORE INTO offline_actions
				(id, kind, entity_id, actor_id, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, string(a.Kind), a.EntityID, a.ActorID,
			string(a.Payload), db.FormatTime(a.CreatedAt),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue action: %w", err)
	}
	return a.ID, nil
}

// validate checks the action shape and that the payload matches the
// kind's schema.
func validate(a *models.OfflineAction) error {
	if a == nil {
		return fmt.Errorf("%w: nil action", ErrValidation)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, a.Kind)
	}
	if a.EntityID <= 0 {
		return fmt.Errorf("%w: entity_id must be positive", ErrValidation)
	}
	if strings.TrimSpace(a.ActorID) == "" {
		return fmt.Errorf("%w: empty actor_id", ErrValidation)
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}

	switch a.Kind {
	case models.KindPhotoInitial, models.KindPhotoFinal:
		var p models.PhotoPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: photo payload: %v", ErrValidation, err)
		}
		if p.BlobID == "" {
			return fmt.Errorf("%w: photo payload missing blob_id", ErrValidation)
		}
		if !p.Slot.Valid() {
			return fmt.Errorf("%w: photo payload slot %q", ErrValidation, p.Slot)
		}
	case models.KindChecklistComment:
		var p models.CommentPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: comment payload: %v", ErrValidation, err)
		}
		if strings.TrimSpace(p.Comment) == "" {
			return fmt.Errorf("%w: empty comment", ErrValidation)
		}
	case models.KindAuditFinal:
		var p models.AuditPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: audit payload: %v", ErrValidation, err)
		}
		if p.Result == "" {
			return fmt.Errorf("%w: audit payload missing result", ErrValidation)
		}
	case models.KindDataRecord:
		var p models.DataRecordPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: data record payload: %v", ErrValidation, err)
		}
		if len(p.Fields) == 0 && len(p.BlobIDs) == 0 {
			return fmt.Errorf("%w: empty data record", ErrValidation)
		}
	case models.KindStatusChange:
		var p models.StatusPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: status payload: %v", ErrValidation, err)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrValidation, p.Status)
		}
	}
	return nil
}

// ListOpts narrows a ListPending query.
type ListOpts struct {
	// EntityID filters to one work order when non-zero.
	EntityID int64
	// IncludeFailed also returns permanently-failed actions, which are
	// excluded from the automatic-retry subset by default.
	IncludeFailed bool
}

// ListPending returns unsynced actions in creation order, oldest first.
func (q *Queue) ListPending(opts ListOpts) ([]models.OfflineAction, error) {
	query := `SELECT id, kind, entity_id, actor_id, payload, created_at,
			synced, synced_at, attempts, COALESCE(last_error,''), permanently_failed
		FROM offline_actions WHERE synced = 0`
	var args []any
	if !opts.IncludeFailed {
		query += ` AND permanently_failed = 0`
	}
	if opts.EntityID != 0 {
		query += ` AND entity_id = ?`
		args = append(args, opts.EntityID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var actions []models.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Get returns one action by ID, or nil if absent.
func (q *Queue) Get(id string) (*models.OfflineAction, error) {
	rows, err := q.db.Conn().Query(
		`SELECT id, kind, entity_id, actor_id, payload, created_at,
			synced, synced_at, attempts, COALESCE(last_error,''), permanently_failed
		 FROM offline_actions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	a, err := scanAction(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAction(rows *sql.Rows) (models.OfflineAction, error) {
	var a models.OfflineAction
	var payload, createdAt string
	var syncedAt sql.NullString
	var synced, failed int

	err := rows.Scan(&a.ID, &a.Kind, &a.EntityID, &a.ActorID, &payload,
		&createdAt, &synced, &syncedAt, &a.Attempts, &a.LastError, &failed)
	if err != nil {
		return a, fmt.Errorf("scan action: %w", err)
	}

	a.Payload = json.RawMessage(payload)
	a.Synced = synced != 0
	a.PermanentlyFailed = failed != 0
	if a.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return a, fmt.Errorf("action %s created_at: %w", a.ID, err)
	}
	if syncedAt.Valid {
		t, err := db.ParseTime(syncedAt.String)
		if err != nil {
			return a, fmt.Errorf("action %s synced_at: %w", a.ID, err)
		}
		a.SyncedAt = &t
	}
	return a, nil
}

// MarkSynced flags an action as confirmed by the server. Idempotent.
func (q *Queue) MarkSynced(id string) error {
	return q.db.WithWriteLock(func() error {
		_, err := q.db.Conn().Exec(
			`UPDATE offline_actions SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0`,
			db.FormatTime(time.Now()), id,
		)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed attempt. Once attempts reach the ceiling the
// action is flagged permanently failed and leaves the automatic-retry set;
// it is retained for inspection, never silently dropped.
func (q *Queue) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithWriteLock(func() error {
		_, err := q.db.Conn().Exec(
			`UPDATE offline_actions
			 SET attempts = attempts + 1,
			     last_error = ?,
			     permanently_failed = CASE WHEN attempts + 1 >= ? THEN 1 ELSE permanently_failed END
			 WHERE id = ? AND synced = 0`,
			msg, q.maxAttempts(), id,
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// MarkPermanentlyFailed takes an action out of the retry set immediately,
// used for server-side rejections that will never succeed.
func (q *Queue) MarkPermanentlyFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithWriteLock(func() error {
		_, err := q.db.Conn().Exec(
			`UPDATE offline_actions
			 SET attempts = attempts + 1, last_error = ?, permanently_failed = 1
			 WHERE id = ? AND synced = 0`,
			msg, id,
		)
		if err != nil {
			return fmt.Errorf("mark permanently failed: %w", err)
		}
		return nil
	})
}

// ExistsForSlot reports whether an unsynced action of the given kind exists
// for the entity. Used by the photo pipeline's slot-existence check.
func (q *Queue) ExistsForSlot(entityID int64, kind models.ActionKind) (bool, error) {
	var count int
	err := q.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM offline_actions
		 WHERE entity_id = ? AND kind = ? AND synced = 0 AND permanently_failed = 0`,
		entityID, string(kind),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("exists for slot: %w", err)
	}
	return count > 0, nil
}

// CountPending returns the number of actions in the automatic-retry set.
// The UI derives its "pending sync" indicator from this.
func (q *Queue) CountPending() (int64, error) {
	var count int64
	err := q.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM offline_actions WHERE synced = 0 AND permanently_failed = 0`,
	).Scan(&count)
	return count, err
}

// DeleteSynced garbage-collects confirmed actions for one entity and
// returns them so the caller can release referenced assets.
func (q *Queue) DeleteSynced(entityID int64) ([]models.OfflineAction, error) {
	rows, err := q.db.Conn().Query(
		`SELECT id, kind, entity_id, actor_id, payload, created_at,
			synced, synced_at, attempts, COALESCE(last_error,''), permanently_failed
		 FROM offline_actions WHERE entity_id = ? AND synced = 1`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list synced: %w", err)
	}
	var synced []models.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		synced = append(synced, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(synced) == 0 {
		return nil, nil
	}

	err = q.db.WithWriteLock(func() error {
		_, err := q.db.Conn().Exec(
			`DELETE FROM offline_actions WHERE entity_id = ? AND synced = 1`, entityID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete synced: %w", err)
	}
	return synced, nil
}

// AllSynced reports whether the entity has no pending (retryable) actions.
func (q *Queue) AllSynced(entityID int64) (bool, error) {
	var count int
	err := q.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM offline_actions
		 WHERE entity_id = ? AND synced = 0 AND permanently_failed = 0`,
		entityID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
