// Package events carries the structured notifications the engine emits for
// the UI layer. The engine renders nothing itself.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	// ActionSynced: one offline action was confirmed by the server.
	ActionSynced Kind = "action_synced"

	// ActionPermanentlyFailed: an action exhausted its retries or was
	// rejected outright and needs user attention.
	ActionPermanentlyFailed Kind = "action_permanently_failed"

	// EntityFinalized: a work order finished server-side and its
	// on-device artifacts were garbage-collected.
	EntityFinalized Kind = "entity_finalized"

	// SyncCycleFinished: aggregate result of one drain.
	SyncCycleFinished Kind = "sync_cycle_finished"
)

// Event is a single notification.
type Event struct {
	Kind     Kind      `json:"kind"`
	EntityID int64     `json:"entity_id,omitempty"`
	ActionID string    `json:"action_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Synced   int       `json:"synced,omitempty"`
	Failed   int       `json:"failed,omitempty"`
	Time     time.Time `json:"time"`
}

// Bus is an in-process publish/subscribe fan-out. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling a drain.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func. The channel is
// buffered; slow consumers drop events.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans an event out to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("event dropped, subscriber behind", "kind", ev.Kind)
		}
	}
}
