// Package cache is the hub's cache adapter: a thin interface over Redis with
// an in-process LRU fallback, plus an atomic scripted-operation primitive
// used by the rate limiter.
//
// In fallback mode scripted atomicity is per-process only; the hub must not
// promise cross-instance rate-limit correctness while degraded.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrScriptUnsupported is returned when a script lacks the body the backend
// needs (no Lua for Redis, no Local for memory).
var ErrScriptUnsupported = errors.New("cache: script not supported by this backend")

// Cache is the minimal surface the rest of the hub depends on. Callers never
// derive keys from untrusted identifiers without hashing them first.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key under the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Eval runs an atomic read-modify-write. On Redis the Lua body executes
	// server-side; the memory fallback runs Script.Local under a per-key
	// mutex keyed by keys[0].
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
	Close() error
}

// Script pairs a server-evaluated Lua body with its in-process equivalent.
// Both receive the same keys and args and must produce the same result.
type Script struct {
	Name string
	Lua  string
	// Local executes with exclusive access to the entries named by keys.
	// All keys of one script must share the routing key keys[0].
	Local func(now time.Time, tx LocalTx, keys []string, args []interface{}) (interface{}, error)
}

// LocalTx is the keyspace view handed to Script.Local while the key mutex
// is held.
type LocalTx interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// GetOrLoad reads through the cache: on miss the loader runs and its result
// is stored under ttl. Loader errors are never cached.
func GetOrLoad(ctx context.Context, c Cache, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok, err := c.Get(ctx, key); err == nil && ok {
		return val, nil
	}
	val, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	// Best effort; a failed Set must not fail the read.
	_ = c.Set(ctx, key, val, ttl)
	return val, nil
}
