// Package energy implements the energy ledger: per-user balances gated by
// plan, with consume/refund/purchase executed atomically with respect to
// the event log.
package energy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// ErrVersionConflict is returned by Store.CommitEnergy when the conditional
// update predicate fails; the ledger retries a bounded number of times.
var ErrVersionConflict = errors.New("energy: version conflict")

// Store is the durable side of the ledger. CommitEnergy must apply the
// mutated row under its version predicate and durably append the
// transaction and the event in the same atomic commit: readers observing a
// committed transaction must also observe the corresponding event.
type Store interface {
	GetUser(ctx context.Context, userID string) (*core.User, error)
	GetEnergy(ctx context.Context, userID string) (*core.UserEnergy, error) // nil, nil when absent
	CreateEnergy(ctx context.Context, ue *core.UserEnergy) error
	CommitEnergy(ctx context.Context, ue *core.UserEnergy, tx *core.EnergyTransaction, ev *events.Event) error
	SetPlan(ctx context.Context, userID string, plan core.Plan) error
}

const (
	casAttempts     = 3
	cacheKeyPrefix  = "luna:energy:"
	narrativePrefix = "luna:narrative:"
)

// Ledger owns every UserEnergy row. Only it may mutate balances.
type Ledger struct {
	store   Store
	eventsS events.Store
	catalog *Catalog
	cache   cache.Cache
	metrics *Metrics
	logger  *slog.Logger

	startingBalance float64
	defaultMax      float64
	balanceTTL      time.Duration
}

// Options tunes lazy provisioning and cache behavior.
type Options struct {
	StartingBalance float64
	DefaultMax      float64
	BalanceCacheTTL time.Duration
}

// NewLedger wires the ledger. metrics may be nil (tests).
func NewLedger(store Store, eventStore events.Store, catalog *Catalog, c cache.Cache, metrics *Metrics, opts Options) *Ledger {
	if opts.StartingBalance == 0 {
		opts.StartingBalance = 100
	}
	if opts.DefaultMax == 0 {
		opts.DefaultMax = 100
	}
	if opts.BalanceCacheTTL == 0 {
		opts.BalanceCacheTTL = 5 * time.Minute
	}
	return &Ledger{
		store:           store,
		eventsS:         eventStore,
		catalog:         catalog,
		cache:           c,
		metrics:         metrics,
		logger:          slog.Default().With("component", "energy-ledger"),
		startingBalance: opts.StartingBalance,
		defaultMax:      opts.DefaultMax,
		balanceTTL:      opts.BalanceCacheTTL,
	}
}

// Catalog exposes the static action/pack configuration.
func (l *Ledger) Catalog() *Catalog { return l.catalog }

// BalanceStatus is the check_balance response shape.
type BalanceStatus struct {
	UserID          string  `json:"user_id"`
	CurrentEnergy   float64 `json:"current_energy"`
	MaxEnergy       float64 `json:"max_energy"`
	Percentage      float64 `json:"percentage"`
	Unlimited       bool    `json:"unlimited"`
	CanPerformBasic bool    `json:"can_perform_basic"`
}

// PerformCheck is the can_perform response shape.
type PerformCheck struct {
	CanPerform bool      `json:"can_perform"`
	Required   float64   `json:"required"`
	Current    float64   `json:"current"`
	Deficit    float64   `json:"deficit"`
	Unlimited  bool      `json:"unlimited"`
	Plan       core.Plan `json:"plan"`
	PackHint   string    `json:"suggested_pack,omitempty"`
}

// ConsumeResult is returned by a committed consume.
type ConsumeResult struct {
	TransactionID string  `json:"transaction_id,omitempty"`
	Consumed      float64 `json:"consumed"`
	Remaining     float64 `json:"remaining"`
	Unlimited     bool    `json:"unlimited"`
	EventID       string  `json:"event_id"`
}

// RefundResult is returned by a committed refund.
type RefundResult struct {
	TransactionID string  `json:"transaction_id"`
	Refunded      float64 `json:"refunded"`
	NewBalance    float64 `json:"new_balance"`
	EventID       string  `json:"event_id"`
}

// PurchaseResult is returned by a committed purchase credit.
type PurchaseResult struct {
	PurchaseID    string  `json:"purchase_id"`
	EnergyAdded   float64 `json:"energy_added"`
	Bonus         float64 `json:"bonus"`
	BonusApplied  bool    `json:"bonus_applied"`
	CurrentEnergy float64 `json:"current_energy"`
	Unlimited     bool    `json:"unlimited"`
	EventID       string  `json:"event_id"`
}

// CheckBalance reads through the cache, lazily provisioning a row with the
// starting balance on first access.
func (l *Ledger) CheckBalance(ctx context.Context, userID string) (*BalanceStatus, error) {
	ue, err := l.loadEnergy(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.statusOf(ue), nil
}

func (l *Ledger) statusOf(ue *core.UserEnergy) *BalanceStatus {
	st := &BalanceStatus{
		UserID:        ue.UserID,
		CurrentEnergy: ue.CurrentEnergy,
		MaxEnergy:     ue.MaxEnergy,
		Unlimited:     ue.Unlimited(),
	}
	if st.Unlimited {
		st.CurrentEnergy = core.UnlimitedSentinel
		st.MaxEnergy = core.UnlimitedSentinel
		st.Percentage = 100
		st.CanPerformBasic = true
		return st
	}
	if ue.MaxEnergy > 0 {
		st.Percentage = 100 * ue.CurrentEnergy / ue.MaxEnergy
	}
	st.CanPerformBasic = ue.CurrentEnergy >= 5
	return st
}

// CanPerform is the plan/energy precheck for a named action.
func (l *Ledger) CanPerform(ctx context.Context, userID, actionName string) (*PerformCheck, error) {
	action, err := l.catalog.Action(actionName)
	if err != nil {
		return nil, err
	}

	plan := l.planOf(ctx, userID)
	if plan.IsUnlimited() {
		return &PerformCheck{
			CanPerform: true,
			Required:   0,
			Current:    core.UnlimitedSentinel,
			Unlimited:  true,
			Plan:       plan,
		}, nil
	}

	ue, err := l.loadEnergy(ctx, userID)
	if err != nil {
		return nil, err
	}
	check := &PerformCheck{
		CanPerform: ue.CurrentEnergy >= action.Cost,
		Required:   action.Cost,
		Current:    ue.CurrentEnergy,
		Plan:       plan,
	}
	if !check.CanPerform {
		check.Deficit = action.Cost - ue.CurrentEnergy
		check.PackHint = l.catalog.SuggestPack(check.Deficit)
	}
	return check, nil
}

// Consume debits the action's cost. Unlimited users are never debited but
// still produce exactly one EnergyActionPerformed event with energy_cost=0.
func (l *Ledger) Consume(ctx context.Context, userID, actionName string, actionCtx map[string]interface{}) (*ConsumeResult, error) {
	action, err := l.catalog.Action(actionName)
	if err != nil {
		return nil, err
	}

	if l.planOf(ctx, userID).IsUnlimited() {
		data := map[string]interface{}{
			"action":        actionName,
			"energy_cost":   0.0,
			"original_cost": action.Cost,
			"unlimited":     true,
		}
		ev, err := l.eventsS.Append(ctx, userID, events.TypeEnergyActionPerformed, action.App, data, contextMeta(actionCtx))
		if err != nil {
			return nil, core.NewError(core.CodeEventStoreUnavailable, "append unlimited action event").WithCause(err)
		}
		l.metrics.countConsume(actionName, true)
		return &ConsumeResult{Consumed: 0, Remaining: core.UnlimitedSentinel, Unlimited: true, EventID: ev.EventID}, nil
	}

	var result *ConsumeResult
	err = l.withCAS(ctx, userID, func(ue *core.UserEnergy) (*core.EnergyTransaction, *events.Event, error) {
		if ue.CurrentEnergy < action.Cost {
			return nil, nil, core.ErrInsufficientEnergy(action.Cost, ue.CurrentEnergy, l.catalog.SuggestPack(action.Cost-ue.CurrentEnergy))
		}
		before := ue.CurrentEnergy
		ue.CurrentEnergy -= action.Cost
		ue.TotalConsumed += action.Cost

		tx := l.newTransaction(userID, core.TxConsume, action.Cost, actionName, before, ue.CurrentEnergy, actionCtx)
		ev := l.newEvent(userID, events.TypeEnergyActionPerformed, action.App, map[string]interface{}{
			"action":         actionName,
			"energy_cost":    action.Cost,
			"transaction_id": tx.TransactionID,
			"remaining":      ue.CurrentEnergy,
		}, actionCtx)

		result = &ConsumeResult{
			TransactionID: tx.TransactionID,
			Consumed:      action.Cost,
			Remaining:     ue.CurrentEnergy,
			EventID:       ev.EventID,
		}
		return tx, ev, nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.countConsume(actionName, false)
	return result, nil
}

// Refund credits amount up to max_energy. Idempotency against the
// originating event is enforced by the refund pipeline, not here.
func (l *Ledger) Refund(ctx context.Context, userID string, amount float64, reason string, refundCtx map[string]interface{}) (*RefundResult, error) {
	if amount <= 0 {
		return nil, core.NewErrorf(core.CodeInvalidInput, "refund amount must be positive, got %.2f", amount)
	}

	var result *RefundResult
	err := l.withCAS(ctx, userID, func(ue *core.UserEnergy) (*core.EnergyTransaction, *events.Event, error) {
		before := ue.CurrentEnergy
		credited := amount
		if !ue.Unlimited() && ue.CurrentEnergy+amount > ue.MaxEnergy {
			credited = ue.MaxEnergy - ue.CurrentEnergy
		}
		ue.CurrentEnergy += credited

		tx := l.newTransaction(userID, core.TxRefund, credited, reason, before, ue.CurrentEnergy, refundCtx)
		data := map[string]interface{}{
			"amount":         credited,
			"reason":         reason,
			"transaction_id": tx.TransactionID,
			"new_balance":    ue.CurrentEnergy,
		}
		// Caller-provided keys (original_action_event_id above all) ride in
		// event_data so the idempotency cross-event lookup can see them.
		for k, v := range refundCtx {
			if _, taken := data[k]; !taken {
				data[k] = v
			}
		}
		ev := l.newEvent(userID, events.TypeEnergyRefunded, "hub", data, nil)

		result = &RefundResult{
			TransactionID: tx.TransactionID,
			Refunded:      credited,
			NewBalance:    ue.CurrentEnergy,
			EventID:       ev.EventID,
		}
		return tx, ev, nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.countRefund(reason)
	return result, nil
}

// Purchase credits a confirmed pack payment. Callers (the billing pipeline)
// have already verified the intent and per-intent idempotency.
func (l *Ledger) Purchase(ctx context.Context, userID, packCode, paymentIntentID string, firstPurchase bool) (*PurchaseResult, error) {
	pack, err := l.catalog.Pack(packCode)
	if err != nil {
		return nil, err
	}

	if l.planOf(ctx, userID).IsUnlimited() {
		return nil, core.NewError(core.CodePurchaseForbidden, "unlimited users cannot purchase energy packs")
	}

	if pack.Subscription {
		return l.activateUnlimited(ctx, userID, pack, paymentIntentID)
	}

	bonus := 0.0
	if firstPurchase {
		bonus = pack.FirstPurchaseBonusUnits
	}
	added := pack.EnergyUnits + bonus

	var result *PurchaseResult
	err = l.withCAS(ctx, userID, func(ue *core.UserEnergy) (*core.EnergyTransaction, *events.Event, error) {
		before := ue.CurrentEnergy
		ue.CurrentEnergy += added
		if ue.CurrentEnergy > ue.MaxEnergy {
			ue.MaxEnergy = ue.CurrentEnergy // purchases may raise the ceiling
		}
		ue.TotalPurchased += added

		tx := l.newTransaction(userID, core.TxPurchase, added, packCode, before, ue.CurrentEnergy, map[string]interface{}{
			"payment_intent_id": paymentIntentID,
		})
		ev := l.newEvent(userID, events.TypeEnergyPurchased, "hub", map[string]interface{}{
			"pack":           packCode,
			"intent_id":      paymentIntentID,
			"energy_added":   added,
			"bonus":          bonus,
			"bonus_applied":  bonus > 0,
			"transaction_id": tx.TransactionID,
		}, nil)

		result = &PurchaseResult{
			PurchaseID:    tx.TransactionID,
			EnergyAdded:   added,
			Bonus:         bonus,
			BonusApplied:  bonus > 0,
			CurrentEnergy: ue.CurrentEnergy,
			EventID:       ev.EventID,
		}
		return tx, ev, nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.countPurchase(packCode)
	return result, nil
}

// activateUnlimited switches the account to the subscription plan: sentinel
// ceiling, balance reset to 100, plan flipped on the user row.
func (l *Ledger) activateUnlimited(ctx context.Context, userID string, pack Pack, paymentIntentID string) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := l.withCAS(ctx, userID, func(ue *core.UserEnergy) (*core.EnergyTransaction, *events.Event, error) {
		before := ue.CurrentEnergy
		ue.SubscriptionType = core.PlanUnlimited
		ue.MaxEnergy = core.UnlimitedSentinel
		ue.CurrentEnergy = 100

		tx := l.newTransaction(userID, core.TxPurchase, 0, pack.Code, before, ue.CurrentEnergy, map[string]interface{}{
			"payment_intent_id": paymentIntentID,
			"subscription":      true,
		})
		ev := l.newEvent(userID, events.TypeEnergyPurchased, "hub", map[string]interface{}{
			"pack":         pack.Code,
			"intent_id":    paymentIntentID,
			"subscription": true,
			"unlimited":    true,
		}, nil)

		result = &PurchaseResult{
			PurchaseID:    tx.TransactionID,
			CurrentEnergy: core.UnlimitedSentinel,
			Unlimited:     true,
			EventID:       ev.EventID,
		}
		return tx, ev, nil
	})
	if err != nil {
		return nil, err
	}
	if err := l.store.SetPlan(ctx, userID, core.PlanUnlimited); err != nil {
		// The energy row already carries the sentinel; the plan row catches
		// up on the next write. Surface nothing to the buyer.
		l.logger.Warn("plan flip after unlimited purchase failed", "user", userID, "err", err)
	}
	l.metrics.countPurchase(pack.Code)
	return result, nil
}

// --- internals ---

// withCAS runs the mutation loop: load row, apply mutate, commit under the
// version predicate, retry with jittered backoff on conflict.
func (l *Ledger) withCAS(ctx context.Context, userID string, mutate func(*core.UserEnergy) (*core.EnergyTransaction, *events.Event, error)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		ue, err := l.loadEnergy(ctx, userID)
		if err != nil {
			return err
		}
		work := *ue // mutate a copy; reload on conflict
		tx, ev, err := mutate(&work)
		if err != nil {
			return err
		}
		work.UpdatedAt = time.Now().UTC()

		err = l.store.CommitEnergy(ctx, &work, tx, ev)
		if err == nil {
			l.invalidate(ctx, userID)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return core.NewError(core.CodeEventStoreUnavailable, "commit energy mutation").WithCause(err)
		}
		// The conflicting writer invalidated only its own node; reload from
		// the store, not the stale cache entry.
		l.invalidate(ctx, userID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Intn(20*(attempt+1))) * time.Millisecond):
		}
	}
	return core.ErrConcurrencyExhausted(userID)
}

// cachedEnergy is the cache-side envelope for a balance row. The CAS version
// never survives the domain row's JSON form (json:"-"), so it rides alongside.
type cachedEnergy struct {
	Row     core.UserEnergy `json:"row"`
	Version int64           `json:"version"`
}

// loadEnergy reads through the cache and lazily provisions absent rows.
func (l *Ledger) loadEnergy(ctx context.Context, userID string) (*core.UserEnergy, error) {
	if !core.ValidUserID(userID) {
		return nil, core.NewErrorf(core.CodeInvalidInput, "invalid user id %q", userID)
	}
	raw, err := cache.GetOrLoad(ctx, l.cache, cacheKeyPrefix+userID, l.balanceTTL, func(ctx context.Context) ([]byte, error) {
		ue, err := l.fetchOrProvision(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cachedEnergy{Row: *ue, Version: ue.Version})
	})
	if err != nil {
		return nil, err
	}
	var entry cachedEnergy
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cached energy row: %w", err)
	}
	if entry.Version == 0 || entry.Row.UserID == "" {
		// Corrupt or foreign cache entry: drop it and take the live row.
		_ = l.cache.Delete(ctx, cacheKeyPrefix+userID)
		return l.fetchOrProvision(ctx, userID)
	}
	entry.Row.Version = entry.Version
	return &entry.Row, nil
}

func (l *Ledger) fetchOrProvision(ctx context.Context, userID string) (*core.UserEnergy, error) {
	ue, err := l.store.GetEnergy(ctx, userID)
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "load user energy").WithCause(err)
	}
	if ue != nil {
		return ue, nil
	}
	ue = &core.UserEnergy{
		UserID:           userID,
		CurrentEnergy:    l.startingBalance,
		MaxEnergy:        l.defaultMax,
		SubscriptionType: core.PlanFree,
		Version:          1,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := l.store.CreateEnergy(ctx, ue); err != nil {
		// Lost a provisioning race: take the winner's row.
		if existing, gerr := l.store.GetEnergy(ctx, userID); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, core.NewError(core.CodeEventStoreUnavailable, "provision user energy").WithCause(err)
	}
	return ue, nil
}

// planOf consults the authoritative user record. Read failure treats the
// user as non-unlimited: fail-closed for grants, fail-safe for metering.
func (l *Ledger) planOf(ctx context.Context, userID string) core.Plan {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		return core.PlanFree
	}
	return user.Plan
}

// invalidate drops the cached balance and narrative packet after a mutation
// in both the local and distributed layers.
func (l *Ledger) invalidate(ctx context.Context, userID string) {
	if err := l.cache.Delete(ctx, cacheKeyPrefix+userID, narrativePrefix+userID); err != nil {
		l.logger.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func (l *Ledger) newTransaction(userID string, typ core.TransactionType, amount float64, reason string, before, after float64, txCtx map[string]interface{}) *core.EnergyTransaction {
	return &core.EnergyTransaction{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		ActionType:    typ,
		Amount:        amount,
		Reason:        reason,
		EnergyBefore:  before,
		EnergyAfter:   after,
		Context:       txCtx,
		CreatedAt:     time.Now().UTC(),
	}
}

func (l *Ledger) newEvent(userID, eventType, appSource string, data map[string]interface{}, meta map[string]interface{}) *events.Event {
	return &events.Event{
		EventID:   uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		AppSource: appSource,
		EventData: data,
		Metadata:  contextMeta(meta),
		CreatedAt: time.Now().UTC(),
	}
}

func contextMeta(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}
