// Package overlay holds the local, unconfirmed status override for a work
// order. An overlay shadows server truth until the matching status_change
// action is confirmed, then it is deleted so reads fall back to the server.
package overlay

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/models"
)

// Overlay stores per-entity status overrides. At most one row per entity;
// last write wins, because a technician works one status transition at a time.
type Overlay struct {
	db *db.DB
}

// New creates an overlay store over the given database.
func New(database *db.DB) *Overlay {
	return &Overlay{db: database}
}

// Set creates or replaces the overlay row for an entity.
func (o *Overlay) Set(entityID int64, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return o.db.WithWriteLock(func() error {
		_, err := o.db.Conn().Exec(
			`INSERT OR REPLACE INTO status_overlays (entity_id, status, updated_at, synced)
			 VALUES (?, ?, ?, 0)`,
			entityID, string(status), db.FormatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("set overlay: %w", err)
		}
		return nil
	})
}

// Get returns the overlay status for an entity, or nil if none exists.
func (o *Overlay) Get(entityID int64) (*models.Status, error) {
	var s string
	err := o.db.Conn().QueryRow(
		`SELECT status FROM status_overlays WHERE entity_id = ?`, entityID,
	).Scan(&s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get overlay: %w", err)
	}
	status := models.Status(s)
	return &status, nil
}

// Clear deletes the overlay row. Called after the corresponding
// status_change action is confirmed synced. Idempotent.
func (o *Overlay) Clear(entityID int64) error {
	return o.db.WithWriteLock(func() error {
		_, err := o.db.Conn().Exec(
			`DELETE FROM status_overlays WHERE entity_id = ?`, entityID)
		if err != nil {
			return fmt.Errorf("clear overlay: %w", err)
		}
		return nil
	})
}

// Merge substitutes overlay statuses into a work-order list. Lists rendered
// while offline reflect the technician's own unconfirmed progress this way.
// The input slice is not modified.
func (o *Overlay) Merge(entities []models.WorkOrder) ([]models.WorkOrder, error) {
	if len(entities) == 0 {
		return entities, nil
	}

	rows, err := o.db.Conn().Query(`SELECT entity_id, status FROM status_overlays`)
	if err != nil {
		return nil, fmt.Errorf("merge overlays: %w", err)
	}
	defer rows.Close()

	overrides := make(map[int64]models.Status)
	for rows.Next() {
		var id int64
		var s string
		if err := rows.Scan(&id, &s); err != nil {
			return nil, fmt.Errorf("scan overlay: %w", err)
		}
		overrides[id] = models.Status(s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merged := make([]models.WorkOrder, len(entities))
	copy(merged, entities)
	for i := range merged {
		if s, ok := overrides[merged[i].ID]; ok {
			merged[i].Status = s
		}
	}
	return merged, nil
}
