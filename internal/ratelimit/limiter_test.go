package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/events"
)

func testRules() map[string]Rule {
	return map[string]Rule{
		"sw_scope": {Scope: "sw_scope", Strategy: SlidingWindow, RequestsPerWindow: 3, Window: time.Minute, BlockDuration: 10 * time.Minute},
		"fw_scope": {Scope: "fw_scope", Strategy: FixedWindow, RequestsPerWindow: 2, Window: time.Hour, BlockDuration: time.Hour},
		"tb_scope": {Scope: "tb_scope", Strategy: TokenBucket, RequestsPerWindow: 1, Window: time.Minute, BurstSize: 2, BlockDuration: time.Minute},
	}
}

func newTestLimiter(t *testing.T, eventStore events.Store, auditAllowed bool) *Limiter {
	t.Helper()
	c := cache.NewMemoryCache(0)
	t.Cleanup(func() { c.Close() })
	l := New(c, NewMemoryBlockStore(), eventStore, testRules(), nil, Options{AuditAllowed: auditAllowed})
	t.Cleanup(l.Close)
	return l
}

func TestHashIdentifier(t *testing.T) {
	h := HashIdentifier("auth_login", "203.0.113.7")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashIdentifier("auth_login", "203.0.113.7"), "deterministic")
	assert.NotEqual(t, h, HashIdentifier("auth_register", "203.0.113.7"), "scope-dependent")
	assert.NotEqual(t, h, HashIdentifier("auth_login", "203.0.113.8"))
}

func TestLimiter_SlidingWindowLimitsThenBlocks(t *testing.T) {
	l := newTestLimiter(t, nil, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "ip-1", "sw_scope", nil)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome, "request %d within the window", i+1)
	}

	d, err := l.Check(ctx, "ip-1", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Limited, d.Outcome)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.BlockedUntil.IsZero())
	assert.Greater(t, d.RetryAfter(time.Now()), 0)

	// The denial placed a standing block; the next request short-circuits.
	d, err = l.Check(ctx, "ip-1", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Blocked, d.Outcome)

	// A different identifier is unaffected.
	d, err = l.Check(ctx, "ip-2", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Outcome)
}

func TestLimiter_FixedWindowCounts(t *testing.T) {
	l := newTestLimiter(t, nil, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "ip-1", "fw_scope", nil)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome)
	}
	d, err := l.Check(ctx, "ip-1", "fw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Limited, d.Outcome)
}

func TestLimiter_TokenBucketBurst(t *testing.T) {
	l := newTestLimiter(t, nil, false)
	ctx := context.Background()

	// Burst of 2, refill 1/min; draining the burst denies the third request.
	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "ip-1", "tb_scope", nil)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome)
	}
	d, err := l.Check(ctx, "ip-1", "tb_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Limited, d.Outcome)
}

func TestLimiter_ResetClearsCountersAndBlocks(t *testing.T) {
	l := newTestLimiter(t, nil, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Check(ctx, "ip-1", "sw_scope", nil)
		require.NoError(t, err)
	}
	d, _ := l.Check(ctx, "ip-1", "sw_scope", nil)
	require.Equal(t, Blocked, d.Outcome)

	require.NoError(t, l.Reset(ctx, "ip-1", "sw_scope"))
	d, err := l.Check(ctx, "ip-1", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d.Outcome)
}

func TestLimiter_UnknownScope(t *testing.T) {
	l := newTestLimiter(t, nil, false)
	_, err := l.Check(context.Background(), "ip-1", "nope", nil)
	assert.Error(t, err)
	assert.Error(t, l.Reset(context.Background(), "ip-1", "nope"))
}

func TestLimiter_DenialEmitsAuditEvent(t *testing.T) {
	sink := events.NewMemoryStore(nil)
	l := newTestLimiter(t, sink, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Check(ctx, "ip-1", "sw_scope", &AuditContext{UserAgent: "test-agent"})
		require.NoError(t, err)
	}

	hash := HashIdentifier("sw_scope", "ip-1")
	evs, err := sink.Query(ctx, events.Query{UserID: hash, Limit: 10, EventType: events.TypeRateLimited})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "sw_scope", evs[0].StringField("scope"))
	assert.Equal(t, "test-agent", evs[0].StringField("user_agent"))
}

// failingCache simulates a redis outage: every operation errors.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Delete(context.Context, ...string) error      { return errors.New("cache down") }
func (failingCache) DeletePrefix(context.Context, string) error   { return errors.New("cache down") }
func (failingCache) Close() error                                 { return nil }
func (failingCache) Eval(context.Context, *cache.Script, []string, ...interface{}) (interface{}, error) {
	return nil, errors.New("cache down")
}

func TestLimiter_FailsOpenWhenCacheDownWithoutAudit(t *testing.T) {
	l := New(failingCache{}, NewMemoryBlockStore(), nil, testRules(), nil, Options{})
	defer l.Close()

	d, err := l.Check(context.Background(), "ip-1", "sw_scope", nil)
	require.NoError(t, err, "a cache outage must not become a request failure")
	assert.Equal(t, Allowed, d.Outcome)
	assert.True(t, d.Degraded)
}

func TestLimiter_DegradedFallbackCountsAuditEvents(t *testing.T) {
	sink := events.NewMemoryStore(nil)
	l := New(failingCache{}, NewMemoryBlockStore(), sink, testRules(), nil, Options{AuditAllowed: true})
	defer l.Close()
	ctx := context.Background()

	// The slow path aggregates rate_limit_attempt events over the window.
	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "ip-1", "sw_scope", nil)
		require.NoError(t, err)
		assert.Equal(t, Allowed, d.Outcome, "attempt %d within the degraded budget", i+1)
		assert.True(t, d.Degraded)
	}

	d, err := l.Check(ctx, "ip-1", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Limited, d.Outcome)
	assert.True(t, d.Degraded)
}

func TestLimiter_FailsClosedWhenStrict(t *testing.T) {
	l := New(failingCache{}, NewMemoryBlockStore(), nil, testRules(), nil, Options{FailClosed: true})
	defer l.Close()

	d, err := l.Check(context.Background(), "ip-1", "sw_scope", nil)
	require.NoError(t, err)
	assert.Equal(t, Limited, d.Outcome, "strict mode denies when every backend is down")
	assert.True(t, d.Degraded)
}

func TestBlock_Active(t *testing.T) {
	now := time.Now()
	var nilBlock *Block
	assert.False(t, nilBlock.Active(now))
	assert.True(t, (&Block{BlockedUntil: now.Add(time.Minute)}).Active(now))
	assert.False(t, (&Block{BlockedUntil: now.Add(-time.Minute)}).Active(now))
}

func TestMemoryBlockStore_ReapExpired(t *testing.T) {
	store := NewMemoryBlockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertBlock(ctx, &Block{Scope: "s", IdentifierHash: "h1", BlockedUntil: now.Add(-time.Minute)}))
	require.NoError(t, store.UpsertBlock(ctx, &Block{Scope: "s", IdentifierHash: "h2", BlockedUntil: now.Add(time.Minute)}))

	reaped, err := store.ReapExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	b, err := store.GetBlock(ctx, "s", "h2")
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestDefaultRules_CoverEveryScope(t *testing.T) {
	rules := DefaultRules()
	for _, scope := range []string{
		ScopeAuthLogin, ScopeAuthRegister, ScopePasswordReset,
		ScopeAPIGeneral, ScopeAPIEnergy, ScopeAPICVGeneration,
		ScopeAPILunaChat, ScopeGlobalDDoS,
	} {
		rule, ok := rules[scope]
		require.True(t, ok, "missing rule for %s", scope)
		assert.Greater(t, rule.RequestsPerWindow, 0)
		assert.Greater(t, rule.Window, time.Duration(0))
		assert.Greater(t, rule.BlockDuration, time.Duration(0))
	}
}
