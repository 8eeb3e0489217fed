// Package tests exercises the hub end to end through the real service
// composition: registration, metered actions, purchases, refunds, unlimited
// subscriptions, rate limiting, and the token lifecycle.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
	"github.com/luna-platform/hub/internal/narrative"
	"github.com/luna-platform/hub/internal/orchestrator"
	"github.com/luna-platform/hub/internal/ratelimit"
	"github.com/luna-platform/hub/internal/token"
)

// hub is the fully wired in-memory stack shared by the scenarios below.
type hub struct {
	sink     *events.MemoryStore
	store    *energy.MemoryStore
	sessions *token.MemorySessionStore
	ledger   *energy.Ledger
	limiter  *ratelimit.Limiter
	tokens   *token.Service
	analyzer *narrative.Analyzer
	orch     *orchestrator.Orchestrator
	provider *orchestrator.MockProvider
}

func newHub(t *testing.T) *hub {
	t.Helper()
	sink := events.NewMemoryStore(nil)
	store := energy.NewMemoryStore(sink)
	sessions := token.NewMemorySessionStore()
	c := cache.NewMemoryCache(0)
	t.Cleanup(func() { c.Close() })

	ledger := energy.NewLedger(store, sink, energy.DefaultCatalog(), c, nil, energy.Options{})
	limiter := ratelimit.New(c, ratelimit.NewMemoryBlockStore(), sink, ratelimit.DefaultRules(), nil, ratelimit.Options{})
	t.Cleanup(limiter.Close)
	signer := token.NewSigner("e2e-secret", "luna-hub", time.Hour)
	tokens := token.NewService(signer, sessions, sink, 0, 0, 4)
	analyzer := narrative.New(sink, sessions, c, nil, narrative.DefaultWindows(), time.Minute)
	provider := orchestrator.NewMockProvider()
	orch := orchestrator.New(ledger, limiter, signer, sink, provider, nil, orchestrator.Options{})

	return &hub{
		sink:     sink,
		store:    store,
		sessions: sessions,
		ledger:   ledger,
		limiter:  limiter,
		tokens:   tokens,
		analyzer: analyzer,
		orch:     orch,
		provider: provider,
	}
}

func (h *hub) signup(t *testing.T, email string) (*core.User, *token.TokenPair) {
	t.Helper()
	user, pair, err := h.tokens.Register(context.Background(), email, "correct-horse", token.SessionMeta{DeviceLabel: "e2e"})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", email, err)
	}
	return user, pair
}

// =============================================================================
// 1. NEW USER JOURNEY — signup, starting balance, first metered action
// =============================================================================

func TestJourney_NewUserPerformsFirstAction(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, pair := h.signup(t, "journey@example.com")

	status, err := h.ledger.CheckBalance(ctx, user.ID)
	if err != nil {
		t.Fatalf("CheckBalance failed: %v", err)
	}
	if status.CurrentEnergy != 100 {
		t.Errorf("New users start with 100 energy, got %.1f", status.CurrentEnergy)
	}

	result, err := h.orch.MeteredAction(ctx, orchestrator.ActionRequest{
		UserID:     user.ID,
		ActionName: "analyse_cv_complete",
		Token:      pair.AccessToken,
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ats_score": 68.0}, nil
	})
	if err != nil {
		t.Fatalf("MeteredAction failed: %v", err)
	}
	if !result.Billed || result.Energy.Consumed != 25 {
		t.Errorf("Expected a billed 25-unit debit, got billed=%v consumed=%.1f", result.Billed, result.Energy.Consumed)
	}

	status, _ = h.ledger.CheckBalance(ctx, user.ID)
	if status.CurrentEnergy != 75 {
		t.Errorf("Balance after a 25-unit action should be 75, got %.1f", status.CurrentEnergy)
	}
}

// =============================================================================
// 2. INSUFFICIENT ENERGY → PURCHASE → RETRY
// =============================================================================

func TestJourney_InsufficientEnergyThenPurchaseThenRetry(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, pair := h.signup(t, "broke@example.com")

	// Burn the starting balance down to 10.
	for i := 0; i < 2; i++ {
		if _, err := h.ledger.Consume(ctx, user.ID, "audit_complet", nil); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	if _, err := h.ledger.Consume(ctx, user.ID, "audit_complet", nil); err == nil {
		t.Fatal("Third 45-unit action on a 10-unit balance should fail")
	} else if core.CodeOf(err) != core.CodeInsufficientEnergy {
		t.Errorf("Expected INSUFFICIENT_ENERGY, got %s", core.CodeOf(err))
	}

	// Buy a pack; the first purchase carries the welcome bonus.
	intent, err := h.orch.CreateIntent(ctx, user.ID, "cafe_luna", "e2e-nonce-1")
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}
	h.provider.SetStatus(intent.IntentID, "succeeded")
	confirmed, err := h.orch.ConfirmPayment(ctx, user.ID, intent.IntentID)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if confirmed.EnergyAdded != 110 {
		t.Errorf("First purchase should add 100 + 10 bonus, got %.1f", confirmed.EnergyAdded)
	}

	// The retried action now goes through.
	result, err := h.orch.MeteredAction(ctx, orchestrator.ActionRequest{
		UserID:     user.ID,
		ActionName: "audit_complet",
		Token:      pair.AccessToken,
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"report": "complete"}, nil
	})
	if err != nil {
		t.Fatalf("Retry after purchase failed: %v", err)
	}
	if result.Energy.Remaining != 75 {
		t.Errorf("Expected 10+110-45=75 remaining, got %.1f", result.Energy.Remaining)
	}
}

// =============================================================================
// 3. REFUND IDEMPOTENCY — one credit per action, ever
// =============================================================================

func TestJourney_RefundIsGrantedExactlyOnce(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, _ := h.signup(t, "refund@example.com")

	consumed, err := h.ledger.Consume(ctx, user.ID, "mirror_match", nil)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	first, err := h.orch.RequestRefund(ctx, orchestrator.RefundRequest{
		UserID:        user.ID,
		ActionEventID: consumed.EventID,
		Reason:        "e2e validation",
	})
	if err != nil {
		t.Fatalf("First refund failed: %v", err)
	}
	if first.Refunded != 30 {
		t.Errorf("mirror_match refund should credit 30, got %.1f", first.Refunded)
	}

	if _, err := h.orch.RequestRefund(ctx, orchestrator.RefundRequest{
		UserID:        user.ID,
		ActionEventID: consumed.EventID,
	}); core.CodeOf(err) != core.CodeAlreadyRefunded {
		t.Errorf("Second refund should return ALREADY_REFUNDED, got %v", err)
	}

	status, _ := h.ledger.CheckBalance(ctx, user.ID)
	if status.CurrentEnergy != 100 {
		t.Errorf("Balance after consume+refund should be back at 100, got %.1f", status.CurrentEnergy)
	}
}

// =============================================================================
// 4. UNLIMITED SUBSCRIPTION — unbilled actions, packs forbidden
// =============================================================================

func TestJourney_UnlimitedSubscription(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, pair := h.signup(t, "vip@example.com")

	intent, err := h.orch.CreateIntent(ctx, user.ID, "luna_unlimited", "e2e-sub-1")
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}
	h.provider.SetStatus(intent.IntentID, "succeeded")
	confirmed, err := h.orch.ConfirmPayment(ctx, user.ID, intent.IntentID)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if !confirmed.Unlimited {
		t.Error("Confirming luna_unlimited should flip the plan")
	}

	// Metered actions are delivered but never billed.
	result, err := h.orch.MeteredAction(ctx, orchestrator.ActionRequest{
		UserID:     user.ID,
		ActionName: "audit_complet",
		Token:      pair.AccessToken,
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"report": "complete"}, nil
	})
	if err != nil {
		t.Fatalf("MeteredAction on unlimited plan failed: %v", err)
	}
	if result.Billed {
		t.Error("Unlimited users must not be billed")
	}
	if result.Energy.Remaining != core.UnlimitedSentinel {
		t.Errorf("Unlimited balance should read the sentinel, got %.1f", result.Energy.Remaining)
	}

	// The usage trail still exists: one event, zero cost.
	evs, _ := h.sink.Query(ctx, events.Query{UserID: user.ID, Limit: 10, EventType: events.TypeEnergyActionPerformed})
	if len(evs) != 1 {
		t.Fatalf("Expected exactly one action event, got %d", len(evs))
	}
	if cost, _ := evs[0].FloatField("energy_cost"); cost != 0 {
		t.Errorf("Unlimited action event should carry energy_cost=0, got %.1f", cost)
	}

	// One-shot packs are forbidden on top of the subscription.
	intent2, err := h.orch.CreateIntent(ctx, user.ID, "cafe_luna", "e2e-nonce-2")
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}
	h.provider.SetStatus(intent2.IntentID, "succeeded")
	if _, cerr := h.orch.ConfirmPayment(ctx, user.ID, intent2.IntentID); core.CodeOf(cerr) != core.CodePurchaseForbidden {
		t.Errorf("Pack purchase on unlimited plan should return PURCHASE_FORBIDDEN, got %v", cerr)
	}
}

// =============================================================================
// 5. RATE LIMITING — abuse locks out, admin reset restores access
// =============================================================================

func TestJourney_RateLimitAbuseAndReset(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	attacker := "203.0.113.7"

	// The login scope allows 5 attempts per window before blocking.
	for i := 0; i < 5; i++ {
		d, err := h.limiter.Check(ctx, attacker, ratelimit.ScopeAuthLogin, nil)
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if d.Outcome != ratelimit.Allowed {
			t.Fatalf("Attempt %d should be allowed, got %v", i+1, d.Outcome)
		}
	}
	d, _ := h.limiter.Check(ctx, attacker, ratelimit.ScopeAuthLogin, nil)
	if d.Outcome != ratelimit.Limited {
		t.Fatalf("Sixth attempt should be limited, got %v", d.Outcome)
	}
	d, _ = h.limiter.Check(ctx, attacker, ratelimit.ScopeAuthLogin, nil)
	if d.Outcome != ratelimit.Blocked {
		t.Fatalf("Post-denial attempt should hit the standing block, got %v", d.Outcome)
	}

	// A bystander on another address is unaffected.
	d, _ = h.limiter.Check(ctx, "198.51.100.10", ratelimit.ScopeAuthLogin, nil)
	if d.Outcome != ratelimit.Allowed {
		t.Errorf("Other identifiers must not share the block, got %v", d.Outcome)
	}

	// Admin reset clears both the counter and the block.
	if err := h.limiter.Reset(ctx, attacker, ratelimit.ScopeAuthLogin); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	d, _ = h.limiter.Check(ctx, attacker, ratelimit.ScopeAuthLogin, nil)
	if d.Outcome != ratelimit.Allowed {
		t.Errorf("Post-reset attempt should be allowed, got %v", d.Outcome)
	}
}

// =============================================================================
// 6. TOKEN LIFECYCLE — rotation, reuse detection, specialist delegation
// =============================================================================

func TestJourney_TokenRotationReuseKillsSession(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	_, pair := h.signup(t, "rotate@example.com")

	rotated, err := h.tokens.Rotate(ctx, pair.RefreshToken, token.SessionMeta{})
	if err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}

	// Replaying the consumed token revokes the whole chain.
	if _, err := h.tokens.Rotate(ctx, pair.RefreshToken, token.SessionMeta{}); err == nil {
		t.Fatal("Replaying a consumed refresh token should fail")
	}
	if _, err := h.tokens.Rotate(ctx, rotated.RefreshToken, token.SessionMeta{}); err == nil {
		t.Fatal("The rotated child should die with the chain")
	}

	sess, _ := h.sessions.GetSession(ctx, pair.SessionID)
	if sess.RevokedAt == nil {
		t.Error("Reuse detection should revoke the session itself")
	}
}

func TestJourney_SpecialistDelegation(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, pair := h.signup(t, "delegate@example.com")

	childToken, child, err := h.tokens.DelegateSpecialist(ctx, pair.AccessToken, "luna-cv",
		[]string{"cv:generate"}, token.DelegationContext{TargetModule: "cv"})
	if err != nil {
		t.Fatalf("DelegateSpecialist failed: %v", err)
	}
	if child.Subject != user.ID || child.SpecialistName != "luna-cv" {
		t.Errorf("Child claims are wrong: subject=%s specialist=%s", child.Subject, child.SpecialistName)
	}

	// The child performs work inside its grant, and only inside it.
	result, err := h.orch.MeteredAction(ctx, orchestrator.ActionRequest{
		UserID:     user.ID,
		ActionName: "analyse_cv_complete",
		Token:      childToken,
		Permission: "cv:generate",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ats_score": 71.0}, nil
	})
	if err != nil {
		t.Fatalf("Child-token action failed: %v", err)
	}
	if !result.Billed {
		t.Error("Child-token actions bill the delegating user")
	}

	if _, err := h.orch.MeteredAction(ctx, orchestrator.ActionRequest{
		UserID:     user.ID,
		ActionName: "lettre_motivation",
		Token:      childToken,
		Permission: "letters:generate",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	}); core.CodeOf(err) != core.CodeInsufficientScope {
		t.Errorf("Out-of-grant action should return INSUFFICIENT_SCOPE, got %v", err)
	}

	// Children cannot mint further children.
	if _, _, err := h.tokens.DelegateSpecialist(ctx, childToken, "luna-cv",
		[]string{"cv:generate"}, token.DelegationContext{}); core.CodeOf(err) != core.CodeInsufficientScope {
		t.Errorf("Sub-delegation should return INSUFFICIENT_SCOPE, got %v", err)
	}
}

// =============================================================================
// 7. NARRATIVE — events accumulated across the journey shape the packet
// =============================================================================

func TestJourney_NarrativePacketReflectsActivity(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	user, _ := h.signup(t, "story@example.com")

	for _, score := range []float64{55.0, 62.0, 70.0} {
		if _, err := h.sink.Append(ctx, user.ID, "cv_generated", "cv",
			map[string]interface{}{"ats_score": score}, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := h.sink.Append(ctx, user.ID, "aube_checkin", "aube",
		map[string]interface{}{"feeling": "je me sens bloqué"}, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	packet, err := h.analyzer.Analyze(ctx, user.ID)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if packet.Progress.CVCount != 3 {
		t.Errorf("Expected 3 CVs in the packet, got %d", packet.Progress.CVCount)
	}
	if packet.Progress.ATSAverage < 62 || packet.Progress.ATSAverage > 63 {
		t.Errorf("ATS average should be ~62.3, got %.2f", packet.Progress.ATSAverage)
	}
	if packet.DoubtMarker == "" {
		t.Error("The aube check-in should surface as a doubt marker")
	}
	if packet.Confidence <= 0 || packet.Confidence > 1 {
		t.Errorf("Confidence must stay in (0,1], got %.2f", packet.Confidence)
	}
}
