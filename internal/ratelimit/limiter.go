// Package ratelimit decides, per (identifier, scope), whether a request is
// allowed, limited, or blocked, using fixed-window, sliding-window, or
// token-bucket strategies backed by atomic cache scripts.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// Outcome classifies a decision.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Limited Outcome = "limited"
	Blocked Outcome = "blocked"
)

// Decision is the limiter's answer plus the header metadata the HTTP layer
// surfaces (X-RateLimit-*, Retry-After).
type Decision struct {
	Outcome       Outcome
	Scope         string
	Limit         int
	Remaining     int
	WindowSeconds int
	ResetAt       time.Time
	BlockedUntil  time.Time
	Degraded      bool
}

// RetryAfter returns the seconds a denied caller should wait.
func (d *Decision) RetryAfter(now time.Time) int {
	if !d.BlockedUntil.IsZero() {
		if s := int(d.BlockedUntil.Sub(now).Seconds()); s > 0 {
			return s
		}
	}
	return d.WindowSeconds
}

// AuditContext carries optional request metadata into audit events.
type AuditContext struct {
	UserAgent string
	Extra     map[string]interface{}
}

// Limiter owns block records and its cache keys.
type Limiter struct {
	cache   cache.Cache
	blocks  BlockStore
	eventsS events.Store
	rules   map[string]Rule
	metrics *Metrics
	logger  *slog.Logger

	auditAllowed bool
	failClosed   bool

	stopReaper chan struct{}
}

// Options tunes audit and degraded-mode behavior.
type Options struct {
	// AuditAllowed records allow-side attempt events, enabling the
	// event-store slow path when the cache is down.
	AuditAllowed bool
	// FailClosed denies requests when every limiter backend is unreachable,
	// for deployments where strict enforcement outranks availability.
	FailClosed bool
}

// New creates a limiter. eventStore may be nil in tests (audit events are
// then skipped). metrics may be nil.
func New(c cache.Cache, blocks BlockStore, eventStore events.Store, rules map[string]Rule, metrics *Metrics, opts Options) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &Limiter{
		cache:        c,
		blocks:       blocks,
		eventsS:      eventStore,
		rules:        rules,
		metrics:      metrics,
		logger:       slog.Default().With("component", "rate-limiter"),
		auditAllowed: opts.AuditAllowed,
		failClosed:   opts.FailClosed,
		stopReaper:   make(chan struct{}),
	}
	go l.reaper()
	return l
}

// Close stops the background block reaper.
func (l *Limiter) Close() {
	select {
	case <-l.stopReaper:
	default:
		close(l.stopReaper)
	}
}

// HashIdentifier computes SHA-256(scope:identifier) truncated to 16 hex
// characters; raw identifiers never touch storage.
func HashIdentifier(scope, identifier string) string {
	sum := sha256.Sum256([]byte(scope + ":" + identifier))
	return hex.EncodeToString(sum[:])[:16]
}

// Check runs the decision procedure for one request.
func (l *Limiter) Check(ctx context.Context, identifier, scope string, audit *AuditContext) (*Decision, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return nil, core.NewErrorf(core.CodeInvalidInput, "unknown rate-limit scope %q", scope)
	}
	hash := HashIdentifier(scope, identifier)
	now := time.Now()

	// Standing block short-circuits the strategy entirely.
	if block, err := l.blocks.GetBlock(ctx, scope, hash); err == nil && block.Active(now) {
		l.metrics.countDecision(scope, string(Blocked))
		return &Decision{
			Outcome:       Blocked,
			Scope:         scope,
			Limit:         rule.RequestsPerWindow,
			WindowSeconds: int(rule.Window.Seconds()),
			BlockedUntil:  block.BlockedUntil,
		}, nil
	}

	allowed, observed, err := l.applyStrategy(ctx, rule, hash, now)
	if err != nil {
		// Hot path down: try the event-store slow path, then fail open.
		return l.degradedCheck(ctx, rule, hash, now, err)
	}

	decision := l.decisionFor(rule, allowed, observed, now)
	if allowed {
		l.recordAttempt(ctx, rule, hash, audit)
		l.metrics.countDecision(scope, string(Allowed))
		return decision, nil
	}

	l.deny(ctx, rule, hash, identifier, now, audit)
	decision.BlockedUntil = now.Add(rule.BlockDuration)
	l.metrics.countDecision(scope, string(Limited))
	return decision, nil
}

// Reset clears both cache state and the block record for an identifier.
func (l *Limiter) Reset(ctx context.Context, identifier, scope string) error {
	rule, ok := l.rules[scope]
	if !ok {
		return core.NewErrorf(core.CodeInvalidInput, "unknown rate-limit scope %q", scope)
	}
	hash := HashIdentifier(scope, identifier)
	keys := []string{
		l.slidingKey(scope, hash),
		l.bucketKey(scope, hash),
		l.fixedKey(scope, hash, time.Now(), rule.Window),
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		l.logger.Warn("reset: cache delete failed", "scope", scope, "err", err)
	}
	return l.blocks.DeleteBlock(ctx, scope, hash)
}

// --- strategy dispatch ---

func (l *Limiter) applyStrategy(ctx context.Context, rule Rule, hash string, now time.Time) (bool, int64, error) {
	windowSec := int(rule.Window.Seconds())
	switch rule.Strategy {
	case FixedWindow:
		key := l.fixedKey(rule.Scope, hash, now, rule.Window)
		res, err := l.cache.Eval(ctx, fixedWindowScript, []string{key}, windowSec)
		if err != nil {
			return false, 0, err
		}
		count, _ := pair(res)
		return count <= int64(rule.RequestsPerWindow), count, nil

	case SlidingWindow:
		key := l.slidingKey(rule.Scope, hash)
		cutoff := now.Add(-rule.Window).UnixMilli()
		res, err := l.cache.Eval(ctx, slidingWindowScript, []string{key},
			strconv.FormatInt(cutoff, 10),
			rule.RequestsPerWindow,
			strconv.FormatInt(now.UnixMilli(), 10),
			strconv.FormatInt(now.UnixMilli(), 10)+"-"+uuid.NewString()[:8],
			windowSec,
		)
		if err != nil {
			return false, 0, err
		}
		ok, count := pair(res)
		return ok == 1, count, nil

	case TokenBucket:
		burst := rule.BurstSize
		if burst <= 0 {
			burst = rule.RequestsPerWindow
		}
		key := l.bucketKey(rule.Scope, hash)
		res, err := l.cache.Eval(ctx, tokenBucketScript, []string{key},
			strconv.FormatInt(now.Unix(), 10),
			rule.RequestsPerWindow,
			windowSec,
			burst,
			windowSec*2,
		)
		if err != nil {
			return false, 0, err
		}
		ok, tokens := pair(res)
		return ok == 1, tokens, nil

	default:
		return false, 0, fmt.Errorf("unknown strategy %q", rule.Strategy)
	}
}

func (l *Limiter) decisionFor(rule Rule, allowed bool, observed int64, now time.Time) *Decision {
	d := &Decision{
		Outcome:       Allowed,
		Scope:         rule.Scope,
		Limit:         rule.RequestsPerWindow,
		WindowSeconds: int(rule.Window.Seconds()),
		ResetAt:       now.Add(rule.Window),
	}
	if !allowed {
		d.Outcome = Limited
		d.Remaining = 0
		return d
	}
	switch rule.Strategy {
	case TokenBucket:
		d.Remaining = int(observed)
	default:
		if remaining := rule.RequestsPerWindow - int(observed); remaining > 0 {
			d.Remaining = remaining
		}
	}
	return d
}

// --- deny path ---

func (l *Limiter) deny(ctx context.Context, rule Rule, hash, identifier string, now time.Time, audit *AuditContext) {
	block := &Block{
		Scope:          rule.Scope,
		IdentifierHash: hash,
		BlockedUntil:   now.Add(rule.BlockDuration),
		Attempts:       1,
	}
	if prev, err := l.blocks.GetBlock(ctx, rule.Scope, hash); err == nil && prev != nil {
		block.Attempts = prev.Attempts + 1
	}
	if err := l.blocks.UpsertBlock(ctx, block); err != nil {
		l.logger.Warn("block upsert failed", "scope", rule.Scope, "err", err)
	}

	if l.eventsS != nil {
		data := map[string]interface{}{
			"scope":           rule.Scope,
			"identifier_hash": hash,
			"blocked_until":   block.BlockedUntil.Format(time.RFC3339),
			"attempts":        block.Attempts,
		}
		if audit != nil && audit.UserAgent != "" {
			data["user_agent"] = audit.UserAgent
		}
		if _, err := l.eventsS.Append(ctx, hash, events.TypeRateLimited, "rate-limiter", data, extra(audit)); err != nil {
			l.logger.Warn("rate_limited audit append failed", "scope", rule.Scope, "err", err)
		}
	}
}

// recordAttempt writes the allow-side audit event the slow-path aggregation
// counts when the cache is down.
func (l *Limiter) recordAttempt(ctx context.Context, rule Rule, hash string, audit *AuditContext) {
	if !l.auditAllowed || l.eventsS == nil {
		return
	}
	data := map[string]interface{}{"scope": rule.Scope}
	if _, err := l.eventsS.Append(ctx, hash, attemptEventType, "rate-limiter", data, extra(audit)); err != nil {
		l.logger.Debug("attempt audit append failed", "scope", rule.Scope, "err", err)
	}
}

const attemptEventType = "rate_limit_attempt"

// fallbackScanCap bounds the slow-path aggregation; beyond it the window is
// treated as saturated rather than scanned further.
const fallbackScanCap = 500

// degradedCheck aggregates audit events over the window when the hot-path
// cache is unreachable, and fails open when even that is impossible.
func (l *Limiter) degradedCheck(ctx context.Context, rule Rule, hash string, now time.Time, cause error) (*Decision, error) {
	l.metrics.countDegraded(rule.Scope)

	if l.auditAllowed && l.eventsS != nil {
		limit := rule.RequestsPerWindow + 1
		if limit > fallbackScanCap {
			limit = fallbackScanCap
		}
		evs, err := l.eventsS.Query(ctx, events.Query{
			UserID:    hash,
			Limit:     limit,
			EventType: attemptEventType,
			Since:     now.Add(-rule.Window),
		})
		if err == nil {
			allowed := len(evs) < rule.RequestsPerWindow
			d := l.decisionFor(rule, allowed, int64(len(evs)+1), now)
			d.Degraded = true
			if allowed {
				l.recordAttempt(ctx, rule, hash, nil)
			} else {
				d.BlockedUntil = now.Add(rule.BlockDuration)
			}
			return d, nil
		}
	}

	if l.eventsS != nil {
		_, _ = l.eventsS.Append(ctx, hash, events.TypeRateLimiterDegraded, "rate-limiter",
			map[string]interface{}{"scope": rule.Scope, "error": cause.Error(), "fail_closed": l.failClosed}, nil)
	}

	// Strict deployments deny when every backend is unreachable; everyone
	// else fails open, a cache outage must not become a service outage.
	if l.failClosed {
		l.logger.Error("rate limiter degraded, failing closed", "scope", rule.Scope, "err", cause)
		d := l.decisionFor(rule, false, int64(rule.RequestsPerWindow), now)
		d.Degraded = true
		return d, nil
	}
	l.logger.Error("rate limiter degraded, failing open", "scope", rule.Scope, "err", cause)
	d := l.decisionFor(rule, true, 0, now)
	d.Degraded = true
	d.Remaining = rule.RequestsPerWindow
	return d, nil
}

// --- keys ---

func (l *Limiter) fixedKey(scope, hash string, now time.Time, window time.Duration) string {
	idx := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("luna:rl:fw:%s:%s:%d", scope, hash, idx)
}

func (l *Limiter) slidingKey(scope, hash string) string {
	return fmt.Sprintf("luna:rl:sw:%s:%s", scope, hash)
}

func (l *Limiter) bucketKey(scope, hash string) string {
	return fmt.Sprintf("luna:rl:tb:%s:%s", scope, hash)
}

// reaper periodically clears expired block records.
func (l *Limiter) reaper() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopReaper:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := l.blocks.ReapExpired(ctx, time.Now()); err == nil && n > 0 {
				l.logger.Debug("reaped expired blocks", "count", n)
			}
			cancel()
		}
	}
}

func extra(audit *AuditContext) map[string]interface{} {
	if audit == nil || len(audit.Extra) == 0 {
		return nil
	}
	return audit.Extra
}
