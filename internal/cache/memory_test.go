package cache

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k1", []byte("v1"), 0))
	val, ok, err := mc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	require.NoError(t, mc.Delete(ctx, "k1"))
	_, ok, err = mc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "ephemeral", []byte("x"), 20*time.Millisecond))
	_, ok, _ := mc.Get(ctx, "ephemeral")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok, _ = mc.Get(ctx, "ephemeral")
	assert.False(t, ok, "expired entry must not be returned")
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	mc := NewMemoryCache(2)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "a", []byte("1"), 0)
	mc.Set(ctx, "b", []byte("2"), 0)
	// Touch "a" so "b" becomes the eviction candidate.
	mc.Get(ctx, "a")
	mc.Set(ctx, "c", []byte("3"), 0)

	_, okA, _ := mc.Get(ctx, "a")
	_, okB, _ := mc.Get(ctx, "b")
	_, okC, _ := mc.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB, "least recently used entry should be evicted")
	assert.True(t, okC)
}

func TestMemoryCache_DeletePrefix(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	mc.Set(ctx, "luna:energy:u1", []byte("1"), 0)
	mc.Set(ctx, "luna:energy:u2", []byte("2"), 0)
	mc.Set(ctx, "luna:narrative:u1", []byte("3"), 0)

	require.NoError(t, mc.DeletePrefix(ctx, "luna:energy:"))
	_, ok1, _ := mc.Get(ctx, "luna:energy:u1")
	_, ok2, _ := mc.Get(ctx, "luna:energy:u2")
	_, ok3, _ := mc.Get(ctx, "luna:narrative:u1")
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
}

// incrScript is a minimal counter used to exercise the atomic Eval contract.
var incrScript = &Script{
	Name: "test_incr",
	Local: func(_ time.Time, tx LocalTx, keys []string, _ []interface{}) (interface{}, error) {
		var n uint64
		if raw, ok := tx.Get(keys[0]); ok {
			n = binary.BigEndian.Uint64(raw)
		}
		n++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, n)
		tx.Set(keys[0], buf, time.Minute)
		return int64(n), nil
	},
}

func TestMemoryCache_EvalIsAtomicPerKey(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := mc.Eval(ctx, incrScript, []string{"counter"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	res, err := mc.Eval(ctx, incrScript, []string{"counter"})
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker+1), res)
}

func TestMemoryCache_EvalWithoutLocalBody(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()

	_, err := mc.Eval(context.Background(), &Script{Name: "lua_only", Lua: "return 1"}, []string{"k"})
	assert.ErrorIs(t, err, ErrScriptUnsupported)
}

func TestGetOrLoad(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		return []byte("loaded-" + strconv.Itoa(calls)), nil
	}

	val, err := GetOrLoad(ctx, mc, "ro", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded-1"), val)

	val, err = GetOrLoad(ctx, mc, "ro", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded-1"), val, "second read must come from cache")
	assert.Equal(t, 1, calls)
}

func TestGetOrLoad_LoaderErrorNotCached(t *testing.T) {
	mc := NewMemoryCache(0)
	defer mc.Close()
	ctx := context.Background()

	calls := 0
	_, err := GetOrLoad(ctx, mc, "failing", time.Minute, func(context.Context) ([]byte, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	val, err := GetOrLoad(ctx, mc, "failing", time.Minute, func(context.Context) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), val)
	assert.Equal(t, 2, calls, "a failed load must not poison the key")
}
