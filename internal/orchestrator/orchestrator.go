// Package orchestrator sequences the hub's services into the three write
// pipelines: metered action execution, refunds, and billing. It owns no
// state of its own; every step delegates to the service that does.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
	"github.com/luna-platform/hub/internal/ratelimit"
	"github.com/luna-platform/hub/internal/token"
)

// ActionFunc is the caller-provided unit of work, typically a call into a
// satellite service. It runs only after every precheck has passed.
type ActionFunc func(ctx context.Context) (map[string]interface{}, error)

// ActionRequest describes one metered invocation.
type ActionRequest struct {
	UserID        string
	ActionName    string
	Token         string // raw bearer, parent or specialist child
	Permission    string // required when Token is a child token
	IP            string
	CorrelationID string
	Context       map[string]interface{}
}

// ActionResult is the pipeline's answer. Degraded means the work was
// delivered but the energy commit failed; the user is not billed.
type ActionResult struct {
	CorrelationID string                 `json:"correlation_id"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Energy        *energy.ConsumeResult  `json:"energy,omitempty"`
	Billed        bool                   `json:"billed"`
	Degraded      bool                   `json:"degraded,omitempty"`
}

// Orchestrator wires the pipelines. provider may be nil when billing is
// disabled (dev mode); limiter and signer are mandatory.
type Orchestrator struct {
	ledger       *energy.Ledger
	limiter      *ratelimit.Limiter
	signer       *token.Signer
	eventsS      events.Store
	provider     PaymentProvider
	metrics      *Metrics
	logger       *slog.Logger
	refundWindow time.Duration
}

// Options tunes pipeline policy. Zero values take the defaults.
type Options struct {
	RefundWindow time.Duration
}

func New(ledger *energy.Ledger, limiter *ratelimit.Limiter, signer *token.Signer, eventStore events.Store, provider PaymentProvider, metrics *Metrics, opts Options) *Orchestrator {
	if opts.RefundWindow == 0 {
		opts.RefundWindow = defaultRefundWindow
	}
	return &Orchestrator{
		ledger:       ledger,
		limiter:      limiter,
		signer:       signer,
		eventsS:      eventStore,
		provider:     provider,
		metrics:      metrics,
		logger:       slog.Default().With("component", "orchestrator"),
		refundWindow: opts.RefundWindow,
	}
}

// MeteredAction runs the pre-check / execute / commit pipeline.
//
// Commit failure after a successful execution is a degraded success: the
// result is delivered, billed=false, and an audit event records the gap.
// Context cancellation between execute and commit acknowledgment triggers
// the compensation path: the committed debit is refunded automatically.
func (o *Orchestrator) MeteredAction(ctx context.Context, req ActionRequest, fn ActionFunc) (*ActionResult, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	logger := o.logger.With("correlation_id", req.CorrelationID, "action", req.ActionName, "user", req.UserID)
	started := time.Now()

	if err := o.precheck(ctx, &req); err != nil {
		o.metrics.countAction(req.ActionName, "rejected")
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		o.metrics.countAction(req.ActionName, "execute_failed")
		logger.Warn("action execution failed", "err", err)
		if core.CodeOf(err) == core.CodeInternal {
			return nil, core.NewErrorf(core.CodeUpstreamUnavailable, "action %s failed", req.ActionName).WithCause(err)
		}
		return nil, err
	}

	actionCtx := req.Context
	if actionCtx == nil {
		actionCtx = map[string]interface{}{}
	}
	actionCtx["correlation_id"] = req.CorrelationID

	consume, cerr := o.ledger.Consume(ctx, req.UserID, req.ActionName, actionCtx)
	if cerr != nil {
		// The work is done; eat the cost rather than the result.
		logger.Error("energy commit failed after execution, returning unbilled", "err", cerr)
		o.metrics.countAction(req.ActionName, "degraded")
		o.audit(ctx, req.UserID, "energy_commit_failed", map[string]interface{}{
			"action":         req.ActionName,
			"correlation_id": req.CorrelationID,
			"error_code":     string(core.CodeOf(cerr)),
		})
		return &ActionResult{
			CorrelationID: req.CorrelationID,
			Result:        result,
			Billed:        false,
			Degraded:      true,
		}, nil
	}

	if ctx.Err() != nil {
		// Caller vanished between execute and commit ack: compensate the debit.
		logger.Warn("caller gone after commit, refunding", "event", consume.EventID)
		o.compensate(req.UserID, req.ActionName, consume)
		o.metrics.countAction(req.ActionName, "compensated")
		return nil, ctx.Err()
	}

	o.metrics.countAction(req.ActionName, "ok")
	o.metrics.observeLatency(req.ActionName, time.Since(started))
	return &ActionResult{
		CorrelationID: req.CorrelationID,
		Result:        result,
		Energy:        consume,
		Billed:        !consume.Unlimited && consume.Consumed > 0,
	}, nil
}

// precheck runs rate limiting, token validation, and the energy gate.
func (o *Orchestrator) precheck(ctx context.Context, req *ActionRequest) error {
	if req.IP != "" {
		if err := o.limit(ctx, req.IP, ratelimit.ScopeAPIGeneral); err != nil {
			return err
		}
	}
	if err := o.limit(ctx, req.UserID, o.userScope(req.ActionName)); err != nil {
		return err
	}

	claims, err := o.signer.Validate(req.Token)
	if err != nil {
		return err
	}
	if claims.Subject != req.UserID {
		return core.NewError(core.CodeInsufficientScope, "token subject does not match user")
	}
	if claims.IsChild() {
		perm := req.Permission
		if perm == "" {
			perm = req.ActionName
		}
		if !claims.HasPermission(perm) {
			return core.NewErrorf(core.CodeInsufficientScope, "specialist %s lacks permission %q", claims.SpecialistName, perm)
		}
	}

	check, err := o.ledger.CanPerform(ctx, req.UserID, req.ActionName)
	if err != nil {
		return err
	}
	if !check.CanPerform {
		return core.ErrInsufficientEnergy(check.Required, check.Current, check.PackHint)
	}
	return nil
}

// userScope picks the per-user limiter scope: the action's dedicated scope
// when the catalog declares one, the general energy scope otherwise. Unknown
// actions fall through; CanPerform rejects them with the proper code.
func (o *Orchestrator) userScope(actionName string) string {
	if action, err := o.ledger.Catalog().Action(actionName); err == nil && action.LimitScope != "" {
		return action.LimitScope
	}
	return ratelimit.ScopeAPIEnergy
}

func (o *Orchestrator) limit(ctx context.Context, identifier, scope string) error {
	decision, err := o.limiter.Check(ctx, identifier, scope, nil)
	if err != nil {
		return err
	}
	switch decision.Outcome {
	case ratelimit.Blocked:
		return core.NewError(core.CodeBlocked, "identifier temporarily blocked").
			WithDetail("scope", scope).
			WithDetail("retry_after", decision.RetryAfter(time.Now()))
	case ratelimit.Limited:
		return core.NewError(core.CodeRateLimited, "rate limit exceeded").
			WithDetail("scope", scope).
			WithDetail("retry_after", decision.RetryAfter(time.Now()))
	}
	return nil
}

// compensate refunds a committed debit after the caller disappeared. Runs on
// a fresh context: the caller's one is already dead.
func (o *Orchestrator) compensate(userID, actionName string, consume *energy.ConsumeResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := o.ledger.Refund(ctx, userID, consume.Consumed, "auto_compensation:"+actionName, map[string]interface{}{
		"original_action_event_id": consume.EventID,
	})
	if err != nil {
		o.logger.Error("compensation refund failed", "user", userID, "event", consume.EventID, "err", err)
		o.audit(ctx, userID, "compensation_failed", map[string]interface{}{
			"action":   actionName,
			"event_id": consume.EventID,
		})
	}
}

func (o *Orchestrator) audit(ctx context.Context, userID, eventType string, data map[string]interface{}) {
	if o.eventsS == nil {
		return
	}
	if _, err := o.eventsS.Append(ctx, userID, eventType, "hub", data, nil); err != nil {
		o.logger.Warn("audit append failed", "type", eventType, "err", err)
	}
}
