package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Block is a short-lived denial record for one (scope, identifier-hash)
// pair. Raw identifiers are never stored.
type Block struct {
	Scope          string    `json:"scope"`
	IdentifierHash string    `json:"identifier_hash"`
	BlockedUntil   time.Time `json:"blocked_until"`
	Attempts       int       `json:"attempts"`
}

// Active reports whether the block still applies.
func (b *Block) Active(now time.Time) bool {
	return b != nil && now.Before(b.BlockedUntil)
}

// BlockStore persists block records. The limiter owns these rows.
type BlockStore interface {
	GetBlock(ctx context.Context, scope, identifierHash string) (*Block, error) // nil, nil when absent
	UpsertBlock(ctx context.Context, b *Block) error
	DeleteBlock(ctx context.Context, scope, identifierHash string) error
	// ReapExpired removes blocks with blocked_until < now. Idempotent.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryBlockStore is the in-process BlockStore for tests and degraded mode.
type MemoryBlockStore struct {
	mu     sync.RWMutex
	blocks map[string]*Block
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[string]*Block)}
}

func blockKey(scope, hash string) string { return scope + ":" + hash }

func (ms *MemoryBlockStore) GetBlock(_ context.Context, scope, hash string) (*Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if b, ok := ms.blocks[blockKey(scope, hash)]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (ms *MemoryBlockStore) UpsertBlock(_ context.Context, b *Block) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *b
	ms.blocks[blockKey(b.Scope, b.IdentifierHash)] = &copied
	return nil
}

func (ms *MemoryBlockStore) DeleteBlock(_ context.Context, scope, hash string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.blocks, blockKey(scope, hash))
	return nil
}

func (ms *MemoryBlockStore) ReapExpired(_ context.Context, now time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	reaped := 0
	for k, b := range ms.blocks {
		if now.After(b.BlockedUntil) {
			delete(ms.blocks, k)
			reaped++
		}
	}
	return reaped, nil
}
