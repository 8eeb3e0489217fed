package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
)

// IntentResult is returned by CreateIntent for the client-side payment flow.
type IntentResult struct {
	IntentID     string  `json:"intent_id"`
	ClientSecret string  `json:"client_secret,omitempty"`
	AmountCents  int     `json:"amount_cents"`
	Currency     string  `json:"currency"`
	Pack         string  `json:"pack"`
	EnergyUnits  float64 `json:"energy_units"`
}

// ConfirmResult wraps the ledger credit plus the idempotent-replay flag.
type ConfirmResult struct {
	*energy.PurchaseResult
	AlreadyCredited bool `json:"already_credited,omitempty"`
}

// PurchaseRecord is one entry of the purchase history surface.
type PurchaseRecord struct {
	EventID     string  `json:"event_id"`
	Pack        string  `json:"pack"`
	IntentID    string  `json:"intent_id"`
	EnergyAdded float64 `json:"energy_added"`
	Bonus       float64 `json:"bonus"`
	CreatedAt   string  `json:"created_at"`
}

// CreateIntent opens a payment intent for a pack. The idempotency key is
// derived from (user, pack, nonce) so client retries with the same nonce
// return the same intent instead of double-charging.
func (o *Orchestrator) CreateIntent(ctx context.Context, userID, packCode, nonce string) (*IntentResult, error) {
	if o.provider == nil {
		return nil, core.NewError(core.CodePaymentProviderError, "billing is not configured")
	}
	pack, err := o.ledger.Catalog().Pack(packCode)
	if err != nil {
		return nil, err
	}
	if nonce == "" {
		return nil, core.NewError(core.CodeInvalidInput, "idempotency nonce required")
	}

	key := idempotencyKey(userID, packCode, nonce)
	intent, err := o.provider.CreateIntent(ctx, userID, pack, key)
	if err != nil {
		return nil, err
	}

	o.audit(ctx, userID, events.TypeBillingIntentCreated, map[string]interface{}{
		"intent_id":    intent.ID,
		"pack":         packCode,
		"amount_cents": intent.AmountCents,
		"currency":     intent.Currency,
	})
	o.metrics.countBilling("intent_created")

	return &IntentResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  intent.AmountCents,
		Currency:     intent.Currency,
		Pack:         packCode,
		EnergyUnits:  pack.EnergyUnits,
	}, nil
}

// ConfirmPayment verifies the intent with the provider and credits the
// pack. Confirming the same intent twice replays the original credit
// instead of crediting again.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, userID, intentID string) (*ConfirmResult, error) {
	if o.provider == nil {
		return nil, core.NewError(core.CodePaymentProviderError, "billing is not configured")
	}
	if intentID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "intent id required")
	}

	intent, err := o.provider.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == "" || !intent.Settled() {
		return nil, core.NewErrorf(core.CodePaymentProviderError, "payment not settled (status %q)", intent.Status).
			WithDetail("intent_id", intentID).
			WithDetail("status", intent.Status)
	}
	if uid := intent.Metadata["user_id"]; uid != "" && uid != userID {
		return nil, core.NewError(core.CodeInsufficientScope, "intent belongs to a different user")
	}

	packCode := intent.Metadata["pack_code"]
	if packCode == "" {
		return nil, core.NewError(core.CodePaymentProviderError, "intent carries no pack code")
	}

	prior, count, err := o.purchaseHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, record := range prior {
		if record.IntentID == intentID {
			o.metrics.countBilling("confirm_replayed")
			return &ConfirmResult{
				PurchaseResult: &energy.PurchaseResult{
					EnergyAdded: record.EnergyAdded,
					Bonus:       record.Bonus,
					EventID:     record.EventID,
				},
				AlreadyCredited: true,
			}, nil
		}
	}

	result, err := o.ledger.Purchase(ctx, userID, packCode, intentID, count == 0)
	if err != nil {
		return nil, err
	}
	o.metrics.countBilling("confirmed")
	return &ConfirmResult{PurchaseResult: result}, nil
}

// PurchaseHistory lists past pack credits, newest first.
func (o *Orchestrator) PurchaseHistory(ctx context.Context, userID string) ([]PurchaseRecord, error) {
	records, _, err := o.purchaseHistory(ctx, userID)
	return records, err
}

func (o *Orchestrator) purchaseHistory(ctx context.Context, userID string) ([]PurchaseRecord, int, error) {
	evs, err := o.eventsS.Query(ctx, events.Query{
		UserID:    userID,
		Limit:     eventScanCap,
		EventType: events.TypeEnergyPurchased,
	})
	if err != nil {
		return nil, 0, core.NewError(core.CodeEventStoreUnavailable, "scan purchase events").WithCause(err)
	}
	records := make([]PurchaseRecord, 0, len(evs))
	for _, ev := range evs {
		added, _ := ev.FloatField("energy_added")
		bonus, _ := ev.FloatField("bonus")
		records = append(records, PurchaseRecord{
			EventID:     ev.EventID,
			Pack:        ev.StringField("pack"),
			IntentID:    ev.StringField("intent_id"),
			EnergyAdded: added,
			Bonus:       bonus,
			CreatedAt:   ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return records, len(records), nil
}

// idempotencyKey derives a stable provider key from (user, pack, nonce).
func idempotencyKey(userID, packCode, nonce string) string {
	sum := sha256.Sum256([]byte(userID + "|" + packCode + "|" + nonce))
	return "luna_" + hex.EncodeToString(sum[:16])
}
