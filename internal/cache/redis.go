package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache over go-redis v9. Scripted operations run
// server-side as Lua, which is what gives the rate limiter cross-instance
// atomicity.
type RedisCache struct {
	rdb *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// NewRedisCache connects and pings; the caller decides whether a failure
// means falling back to the in-memory cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisCache{rdb: rdb, scripts: make(map[string]*redis.Script)}, nil
}

func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := rc.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rc.rdb.Set(ctx, key, value, ttl).Err()
}

func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return rc.rdb.Del(ctx, keys...).Err()
}

// DeletePrefix walks the keyspace with SCAN to avoid blocking Redis the way
// KEYS would.
func (rc *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := rc.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := rc.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rc.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

// Eval runs the script's Lua body server-side. Compiled scripts are cached
// so repeat calls use EVALSHA.
func (rc *RedisCache) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	if script.Lua == "" {
		return nil, ErrScriptUnsupported
	}
	rc.mu.Lock()
	compiled, ok := rc.scripts[script.Name]
	if !ok {
		compiled = redis.NewScript(script.Lua)
		rc.scripts[script.Name] = compiled
	}
	rc.mu.Unlock()
	return compiled.Run(ctx, rc.rdb, keys, args...).Result()
}

func (rc *RedisCache) Close() error {
	return rc.rdb.Close()
}

// Publish sends a message on a pub/sub channel (cross-instance invalidation).
func (rc *RedisCache) Publish(ctx context.Context, channel string, message []byte) error {
	return rc.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for a pub/sub channel and returns an
// unsubscribe function.
func (rc *RedisCache) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := rc.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return func() { sub.Close() }, nil
}
