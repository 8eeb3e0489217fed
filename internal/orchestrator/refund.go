package orchestrator

import (
	"context"
	"time"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
)

// defaultRefundWindow is how long after an action a refund may be requested
// when the configuration does not say otherwise.
const defaultRefundWindow = 7 * 24 * time.Hour

// eventScanCap bounds the per-user event scans backing eligibility checks.
const eventScanCap = 500

// RefundRequest asks for the cost of one past action back.
type RefundRequest struct {
	UserID        string
	ActionEventID string
	Reason        string
}

// RequestRefund applies the eligibility rule — the action happened within
// the window, it actually cost something, and it was not refunded before —
// then credits through the ledger. Retrying a granted refund returns
// ALREADY_REFUNDED rather than double-crediting.
func (o *Orchestrator) RequestRefund(ctx context.Context, req RefundRequest) (*energy.RefundResult, error) {
	if req.ActionEventID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "action event id required")
	}

	original, err := o.findActionEvent(ctx, req.UserID, req.ActionEventID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, core.NewError(core.CodeRefundNotEligible, "original action not found").
			WithDetail("event_id", req.ActionEventID)
	}

	if time.Since(original.CreatedAt) > o.refundWindow {
		return nil, core.NewError(core.CodeRefundNotEligible, "action older than the refund window").
			WithDetail("event_id", req.ActionEventID).
			WithDetail("window_hours", int(o.refundWindow.Hours()))
	}

	cost, _ := original.FloatField("energy_cost")
	if cost <= 0 {
		// Free and unlimited-plan actions never debit, so there is nothing
		// to give back.
		return nil, core.NewError(core.CodeRefundNotEligible, "action was free of charge").
			WithDetail("event_id", req.ActionEventID)
	}

	if prior, err := o.findPriorRefund(ctx, req.UserID, req.ActionEventID); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, core.NewError(core.CodeAlreadyRefunded, "action already refunded").
			WithDetail("event_id", req.ActionEventID).
			WithDetail("refund_event_id", prior.EventID)
	}

	reason := "refund:" + original.StringField("action")
	result, err := o.ledger.Refund(ctx, req.UserID, cost, reason, map[string]interface{}{
		"original_action_event_id": req.ActionEventID,
		"requested_reason":         req.Reason,
	})
	if err != nil {
		return nil, err
	}
	o.metrics.countRefundOutcome("granted")
	return result, nil
}

// Eligibility is the read-only answer of the refund probe.
type Eligibility struct {
	Eligible bool    `json:"eligible"`
	Reason   string  `json:"reason,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
}

// RefundEligibility runs the eligibility rule without crediting anything.
func (o *Orchestrator) RefundEligibility(ctx context.Context, userID, actionEventID string) (*Eligibility, error) {
	original, err := o.findActionEvent(ctx, userID, actionEventID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return &Eligibility{Reason: "not_found"}, nil
	}
	if time.Since(original.CreatedAt) > o.refundWindow {
		return &Eligibility{Reason: "window_expired"}, nil
	}
	cost, _ := original.FloatField("energy_cost")
	if cost <= 0 {
		return &Eligibility{Reason: "free_action"}, nil
	}
	prior, err := o.findPriorRefund(ctx, userID, actionEventID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return &Eligibility{Reason: "already_refunded"}, nil
	}
	return &Eligibility{Eligible: true, Amount: cost}, nil
}

// findActionEvent scans the user's EnergyActionPerformed log for the id.
func (o *Orchestrator) findActionEvent(ctx context.Context, userID, eventID string) (*events.Event, error) {
	evs, err := o.eventsS.Query(ctx, events.Query{
		UserID:    userID,
		Limit:     eventScanCap,
		EventType: events.TypeEnergyActionPerformed,
	})
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "scan action events").WithCause(err)
	}
	for _, ev := range evs {
		if ev.EventID == eventID {
			return ev, nil
		}
	}
	return nil, nil
}

// findPriorRefund looks for an EnergyRefunded event referencing the action.
func (o *Orchestrator) findPriorRefund(ctx context.Context, userID, actionEventID string) (*events.Event, error) {
	evs, err := o.eventsS.Query(ctx, events.Query{
		UserID:    userID,
		Limit:     eventScanCap,
		EventType: events.TypeEnergyRefunded,
	})
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "scan refund events").WithCause(err)
	}
	for _, ev := range evs {
		if ev.StringField("original_action_event_id") == actionEventID {
			return ev, nil
		}
	}
	return nil, nil
}
