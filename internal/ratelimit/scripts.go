package ratelimit

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/luna-platform/hub/internal/cache"
)

// The three strategies are single server-evaluated scripts so the
// check-and-update is atomic per (scope, identifier-hash). The Local bodies
// are the per-process equivalents run under the fallback cache's key mutex;
// each must mirror its Lua result shape: {allowed(0|1), observed}.

// fixedWindowScript increments the bucket for the current window index.
// KEYS[1] = counter key (window index baked in). ARGV: windowSeconds.
var fixedWindowScript = &cache.Script{
	Name: "rl_fixed_window",
	Lua: `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return {count, 0}
`,
	Local: func(now time.Time, tx cache.LocalTx, keys []string, args []interface{}) (interface{}, error) {
		windowSec, _ := strconv.Atoi(toString(args[0]))
		count := 1
		if raw, ok := tx.Get(keys[0]); ok {
			prev, _ := strconv.Atoi(string(raw))
			count = prev + 1
		}
		tx.Set(keys[0], []byte(strconv.Itoa(count)), time.Duration(windowSec)*time.Second)
		return []interface{}{int64(count), int64(0)}, nil
	},
}

// slidingWindowScript keeps a sorted set of request timestamps.
// KEYS[1] = zset key. ARGV: cutoffMs, limit, nowMs, nonce, windowSeconds.
var slidingWindowScript = &cache.Script{
	Name: "rl_sliding_window",
	Lua: `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  redis.call('EXPIRE', KEYS[1], ARGV[5])
  return {1, count + 1}
end
return {0, count}
`,
	Local: func(now time.Time, tx cache.LocalTx, keys []string, args []interface{}) (interface{}, error) {
		cutoff, _ := strconv.ParseInt(toString(args[0]), 10, 64)
		limit, _ := strconv.Atoi(toString(args[1]))
		nowMs, _ := strconv.ParseInt(toString(args[2]), 10, 64)
		windowSec, _ := strconv.Atoi(toString(args[4]))

		var stamps []int64
		if raw, ok := tx.Get(keys[0]); ok {
			_ = json.Unmarshal(raw, &stamps)
		}
		kept := stamps[:0]
		for _, s := range stamps {
			if s > cutoff {
				kept = append(kept, s)
			}
		}
		if len(kept) < limit {
			kept = append(kept, nowMs)
			raw, _ := json.Marshal(kept)
			tx.Set(keys[0], raw, time.Duration(windowSec)*time.Second)
			return []interface{}{int64(1), int64(len(kept))}, nil
		}
		raw, _ := json.Marshal(kept)
		tx.Set(keys[0], raw, time.Duration(windowSec)*time.Second)
		return []interface{}{int64(0), int64(len(kept))}, nil
	},
}

// tokenBucketScript refills floor(elapsed * limit / window) tokens capped at
// burst, then spends one when available.
// KEYS[1] = hash key. ARGV: nowSec, limit, windowSeconds, burst, ttlSeconds.
var tokenBucketScript = &cache.Script{
	Name: "rl_token_bucket",
	Lua: `
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last'))
if tokens == nil then
  tokens = burst
  last = now
end
local refill = math.floor((now - last) * limit / window)
if refill > 0 then
  tokens = math.min(burst, tokens + refill)
  last = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', last)
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {allowed, tokens}
`,
	Local: func(now time.Time, tx cache.LocalTx, keys []string, args []interface{}) (interface{}, error) {
		nowSec, _ := strconv.ParseInt(toString(args[0]), 10, 64)
		limit, _ := strconv.ParseInt(toString(args[1]), 10, 64)
		window, _ := strconv.ParseInt(toString(args[2]), 10, 64)
		burst, _ := strconv.ParseInt(toString(args[3]), 10, 64)
		ttlSec, _ := strconv.Atoi(toString(args[4]))

		type bucket struct {
			Tokens int64 `json:"tokens"`
			Last   int64 `json:"last"`
		}
		b := bucket{Tokens: burst, Last: nowSec}
		if raw, ok := tx.Get(keys[0]); ok {
			_ = json.Unmarshal(raw, &b)
		}
		if refill := (nowSec - b.Last) * limit / window; refill > 0 {
			b.Tokens += refill
			if b.Tokens > burst {
				b.Tokens = burst
			}
			b.Last = nowSec
		}
		allowed := int64(0)
		if b.Tokens >= 1 {
			b.Tokens--
			allowed = 1
		}
		raw, _ := json.Marshal(b)
		tx.Set(keys[0], raw, time.Duration(ttlSec)*time.Second)
		return []interface{}{allowed, b.Tokens}, nil
	},
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// pair unpacks the two-element reply every strategy script returns.
func pair(v interface{}) (first, second int64) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, 0
	}
	return asInt64(arr[0]), asInt64(arr[1])
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
