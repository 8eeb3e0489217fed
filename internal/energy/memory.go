package energy

import (
	"context"
	"sync"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// MemoryStore is an in-process Store for tests and degraded dev mode. It
// reuses an events.MemoryStore so the atomic commit contract (transaction
// and event visible together) holds under its mutex.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[string]*core.User
	energy       map[string]*core.UserEnergy
	transactions map[string][]*core.EnergyTransaction
	eventSink    *events.MemoryStore
}

// NewMemoryStore creates an empty store writing events into sink.
func NewMemoryStore(sink *events.MemoryStore) *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*core.User),
		energy:       make(map[string]*core.UserEnergy),
		transactions: make(map[string][]*core.EnergyTransaction),
		eventSink:    sink,
	}
}

// PutUser seeds a user record (test helper, also used by register).
func (ms *MemoryStore) PutUser(u *core.User) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.users[u.ID] = u
}

func (ms *MemoryStore) GetUser(_ context.Context, userID string) (*core.User, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if u, ok := ms.users[userID]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemoryStore) GetEnergy(_ context.Context, userID string) (*core.UserEnergy, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ue, ok := ms.energy[userID]; ok {
		copied := *ue
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemoryStore) CreateEnergy(_ context.Context, ue *core.UserEnergy) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.energy[ue.UserID]; exists {
		return ErrVersionConflict
	}
	copied := *ue
	ms.energy[ue.UserID] = &copied
	return nil
}

func (ms *MemoryStore) CommitEnergy(ctx context.Context, ue *core.UserEnergy, tx *core.EnergyTransaction, ev *events.Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	current, ok := ms.energy[ue.UserID]
	if !ok || current.Version != ue.Version {
		return ErrVersionConflict
	}
	committed := *ue
	committed.Version = ue.Version + 1
	ms.energy[ue.UserID] = &committed

	if ev != nil && ms.eventSink != nil {
		// Persist verbatim: ids and timestamps were stamped by the ledger.
		if err := ms.eventSink.AppendPrepared(ctx, ev); err != nil {
			// Roll the row back; a failed commit leaves neither side.
			ms.energy[ue.UserID] = current
			return err
		}
	}
	if tx != nil {
		ms.transactions[tx.UserID] = append(ms.transactions[tx.UserID], tx)
	}
	return nil
}

func (ms *MemoryStore) SetPlan(_ context.Context, userID string, plan core.Plan) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if u, ok := ms.users[userID]; ok {
		u.Plan = plan
	}
	return nil
}

// Transactions lists the recorded ledger rows for a user (test helper).
func (ms *MemoryStore) Transactions(userID string) []*core.EnergyTransaction {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*core.EnergyTransaction, len(ms.transactions[userID]))
	copy(out, ms.transactions[userID])
	return out
}
