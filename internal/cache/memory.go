package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const keyMutexShards = 64

// MemoryCache is the in-process fallback: an LRU with per-entry TTL and a
// sharded mutex pool serializing scripted operations per routing key.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	keyLocks [keyMutexShards]sync.Mutex

	stop chan struct{}
	once sync.Once
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemoryCache creates a fallback cache bounded to maxEntries (0 means a
// 10k default) with a background janitor reaping expired entries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	mc := &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go mc.janitor()
	return mc
}

func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	val, ok := mc.getLocked(key, time.Now())
	return val, ok, nil
}

func (mc *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.setLocked(key, value, ttl, time.Now())
	return nil
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, k := range keys {
		mc.deleteLocked(k)
	}
	return nil
}

func (mc *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for k := range mc.entries {
		if strings.HasPrefix(k, prefix) {
			mc.deleteLocked(k)
		}
	}
	return nil
}

// Eval serializes the script against the shard owning keys[0]. Every key a
// script touches must hash to the same routing key for this to be atomic,
// which holds for the rate-limit scripts (all keys derive from one
// (scope, identifier-hash) pair).
func (mc *MemoryCache) Eval(_ context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	if script.Local == nil {
		return nil, ErrScriptUnsupported
	}
	var routing string
	if len(keys) > 0 {
		routing = keys[0]
	}
	lock := &mc.keyLocks[shardOf(routing)]
	lock.Lock()
	defer lock.Unlock()
	return script.Local(time.Now(), (*memTx)(mc), keys, args)
}

func (mc *MemoryCache) Close() error {
	mc.once.Do(func() { close(mc.stop) })
	return nil
}

// memTx exposes the locked keyspace to Script.Local. It grabs the global
// entry mutex per call; the shard mutex already provides the atomicity.
type memTx MemoryCache

func (tx *memTx) Get(key string) ([]byte, bool) {
	mc := (*MemoryCache)(tx)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.getLocked(key, time.Now())
}

func (tx *memTx) Set(key string, value []byte, ttl time.Duration) {
	mc := (*MemoryCache)(tx)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.setLocked(key, value, ttl, time.Now())
}

func (tx *memTx) Delete(key string) {
	mc := (*MemoryCache)(tx)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.deleteLocked(key)
}

// --- internals (callers hold mc.mu) ---

func (mc *MemoryCache) getLocked(key string, now time.Time) ([]byte, bool) {
	el, ok := mc.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memEntry)
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		mc.deleteLocked(key)
		return nil, false
	}
	mc.order.MoveToFront(el)
	return entry.value, true
}

func (mc *MemoryCache) setLocked(key string, value []byte, ttl time.Duration, now time.Time) {
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	if el, ok := mc.entries[key]; ok {
		entry := el.Value.(*memEntry)
		entry.value = value
		entry.expiresAt = expires
		mc.order.MoveToFront(el)
		return
	}
	el := mc.order.PushFront(&memEntry{key: key, value: value, expiresAt: expires})
	mc.entries[key] = el
	for len(mc.entries) > mc.maxEntries {
		oldest := mc.order.Back()
		if oldest == nil {
			break
		}
		mc.deleteLocked(oldest.Value.(*memEntry).key)
	}
}

func (mc *MemoryCache) deleteLocked(key string) {
	if el, ok := mc.entries[key]; ok {
		mc.order.Remove(el)
		delete(mc.entries, key)
	}
}

func (mc *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			now := time.Now()
			mc.mu.Lock()
			for k, el := range mc.entries {
				entry := el.Value.(*memEntry)
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					mc.deleteLocked(k)
				}
			}
			mc.mu.Unlock()
		}
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % keyMutexShards
}
