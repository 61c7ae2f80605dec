// Package cache is the durable, filterable snapshot store for work-order
// lists. It has no expiry-driven eviction: the device must always be able
// to show something while offline, so freshness is a derived flag the
// caller consumes, not a TTL the store enforces.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/internal/store"
)

// Snapshot is one cached work-order list for a scope.
type Snapshot struct {
	Entities   []models.WorkOrder `json:"entities"`
	CapturedAt time.Time          `json:"captured_at"`

	// Source is the tier that satisfied the read; not serialized.
	Source store.Source `json:"-"`
}

// Fresh reports whether the snapshot was captured within maxAge.
func (s *Snapshot) Fresh(maxAge time.Duration) bool {
	return time.Since(s.CapturedAt) < maxAge
}

// Cache persists snapshots per scope through a two-tier store.
type Cache struct {
	store *store.Tiered
}

// New creates a cache over the given tiered store.
func New(tiered *store.Tiered) *Cache {
	return &Cache{store: tiered}
}

func scopeKey(scope string) string {
	return "workorders:" + scope
}

// Write serializes the entity list and stores it in the primary tier with
// a best-effort mirror to the backup tier. Last write wins per scope.
func (c *Cache) Write(scope string, entities []models.WorkOrder) error {
	snap := Snapshot{
		Entities:   entities,
		CapturedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.store.Write(scopeKey(scope), data)
}

// Read returns the snapshot for a scope, preferring the primary tier and
// repairing it from the backup on a miss or corruption. A double miss
// returns (nil, nil): "no cache yet" is a normal state, not an error.
func (c *Cache) Read(scope string) (*Snapshot, error) {
	validate := func(data []byte) error {
		var probe Snapshot
		return json.Unmarshal(data, &probe)
	}

	data, source, err := c.store.Read(scopeKey(scope), validate)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil
	}
	snap.Source = source
	return &snap, nil
}

// Invalidate writes an empty snapshot to both tiers. A write rather than a
// delete keeps the tier contract uniform before a forced refetch.
func (c *Cache) Invalidate(scope string) error {
	return c.Write(scope, nil)
}
