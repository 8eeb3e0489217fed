package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and degraded dev mode.
// The Postgres store in internal/store is canonical.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Event
	bus    *Bus
}

// NewMemoryStore creates an empty store. bus may be nil.
func NewMemoryStore(bus *Bus) *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]*Event), bus: bus}
}

func (ms *MemoryStore) Append(_ context.Context, userID, eventType, appSource string, data, metadata map[string]interface{}) (*Event, error) {
	if err := Validate(userID, eventType, appSource, data); err != nil {
		return nil, err
	}
	ev := &Event{
		EventID:   uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		AppSource: appSource,
		EventData: data,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	ms.mu.Lock()
	ms.byUser[userID] = append(ms.byUser[userID], ev)
	ms.mu.Unlock()

	if ms.bus != nil {
		ms.bus.Publish(ev)
	}
	return ev, nil
}

// AppendPrepared persists an event whose id and timestamp were already
// stamped by the caller (the ledger's atomic commits).
func (ms *MemoryStore) AppendPrepared(_ context.Context, ev *Event) error {
	if err := Validate(ev.UserID, ev.EventType, ev.AppSource, ev.EventData); err != nil {
		return err
	}
	ms.mu.Lock()
	ms.byUser[ev.UserID] = append(ms.byUser[ev.UserID], ev)
	ms.mu.Unlock()

	if ms.bus != nil {
		ms.bus.Publish(ev)
	}
	return nil
}

func (ms *MemoryStore) Query(_ context.Context, q Query) ([]*Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	all := ms.byUser[q.UserID]
	out := make([]*Event, 0, q.Limit)
	// Stored in commit order; walk backwards for reverse-chronological.
	for i := len(all) - 1; i >= 0; i-- {
		ev := all[i]
		if q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && ev.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Count reports the number of stored events for a user (test helper).
func (ms *MemoryStore) Count(userID string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.byUser[userID])
}
