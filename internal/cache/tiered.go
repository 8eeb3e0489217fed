package cache

import (
	"context"
	"log/slog"
	"time"
)

// InvalidateChannel carries cross-instance invalidation messages. Payload is
// the key prefix to drop locally.
const InvalidateChannel = "luna:cache:invalidate"

// Tiered layers a local MemoryCache in front of Redis. Reads hit local
// first; writes go to both; deletes fan out to every instance via pub/sub.
// When Redis is nil the hub runs in degraded single-instance mode.
type Tiered struct {
	local  *MemoryCache
	remote *RedisCache
	unsub  func()
}

// NewTiered wires the two layers. remote may be nil (degraded mode).
func NewTiered(ctx context.Context, local *MemoryCache, remote *RedisCache) *Tiered {
	t := &Tiered{local: local, remote: remote}
	if remote != nil {
		unsub, err := remote.Subscribe(ctx, InvalidateChannel, func(payload []byte) {
			// Remote mutation: drop our local copy.
			_ = local.DeletePrefix(context.Background(), string(payload))
		})
		if err != nil {
			slog.Warn("cache invalidation subscribe failed, local copies may go stale", "err", err)
		} else {
			t.unsub = unsub
		}
	}
	return t
}

// Degraded reports whether the distributed layer is absent.
func (t *Tiered) Degraded() bool { return t.remote == nil }

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return val, true, nil
	}
	if t.remote == nil {
		return nil, false, nil
	}
	val, ok, err := t.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// Re-warm the local layer with a short TTL; the remote entry owns the
	// authoritative expiry.
	_ = t.local.Set(ctx, key, val, time.Minute)
	return val, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.local.Set(ctx, key, value, ttl)
	if t.remote == nil {
		return nil
	}
	return t.remote.Set(ctx, key, value, ttl)
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	_ = t.local.Delete(ctx, keys...)
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Delete(ctx, keys...); err != nil {
		return err
	}
	for _, k := range keys {
		_ = t.remote.Publish(ctx, InvalidateChannel, []byte(k))
	}
	return nil
}

func (t *Tiered) DeletePrefix(ctx context.Context, prefix string) error {
	_ = t.local.DeletePrefix(ctx, prefix)
	if t.remote == nil {
		return nil
	}
	if err := t.remote.DeletePrefix(ctx, prefix); err != nil {
		return err
	}
	return t.remote.Publish(ctx, InvalidateChannel, []byte(prefix))
}

// Eval prefers the distributed backend; scripted state lives in exactly one
// layer so the strategies stay consistent.
func (t *Tiered) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	if t.remote != nil {
		return t.remote.Eval(ctx, script, keys, args...)
	}
	return t.local.Eval(ctx, script, keys, args...)
}

func (t *Tiered) Close() error {
	if t.unsub != nil {
		t.unsub()
	}
	_ = t.local.Close()
	if t.remote != nil {
		return t.remote.Close()
	}
	return nil
}
