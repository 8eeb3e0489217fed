// Package events defines the hub's canonical narrative unit — the immutable
// append-only Event — together with the durable Store contract and an
// in-process bus for live fanout.
//
// Events are never updated nor deleted. Per-user order matches commit
// order; cross-user ordering is not guaranteed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/luna-platform/hub/internal/core"
)

// Event types emitted by the hub itself. Satellites add their own
// aube_*, cv_*, letter_* types through the append endpoint.
const (
	TypeEnergyActionPerformed = "EnergyActionPerformed"
	TypeEnergyPurchased       = "EnergyPurchased"
	TypeEnergyRefunded        = "EnergyRefunded"
	TypeBillingIntentCreated  = "BillingIntentCreated"
	TypeNarrativeStarted      = "NarrativeStarted"
	TypeLoginSucceeded        = "login_succeeded"
	TypeLoginFailed           = "login_failed"
	TypeSessionCreated        = "session_created"
	TypeSessionRevoked        = "session_revoked"
	TypeSessionRevokedAll     = "session_revoked_all"
	TypeRateLimited           = "rate_limited"
	TypeSpecialistDelegated   = "specialist_token_delegated"
	TypeRateLimiterDegraded   = "rate_limiter_degraded"
)

// MaxEventDataBytes caps user-authored event_data payloads.
const MaxEventDataBytes = 5 * 1024

// Event is the wire and storage envelope.
type Event struct {
	EventID   string                 `json:"event_id"`
	UserID    string                 `json:"user_id"`
	EventType string                 `json:"event_type"`
	AppSource string                 `json:"app_source"`
	EventData map[string]interface{} `json:"event_data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Query narrows a per-user event scan. Limit is mandatory; EventType and
// Since are optional filters.
type Query struct {
	UserID    string
	Limit     int
	EventType string
	Since     time.Time
}

// Store is the append-only durable log. Append returns the committed event
// (id and timestamp stamped); Query returns reverse-chronological order.
type Store interface {
	Append(ctx context.Context, userID, eventType, appSource string, data, metadata map[string]interface{}) (*Event, error)
	Query(ctx context.Context, q Query) ([]*Event, error)
}

var typePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,99}$`)

// Validate enforces the size and format contract before an append. This is
// the event store's half of the security guardian: event_data crosses a
// trust boundary as user-authored content.
func Validate(userID, eventType, appSource string, data map[string]interface{}) error {
	if !core.ValidUserID(userID) {
		return core.NewErrorf(core.CodeInvalidInput, "invalid user id %q", userID)
	}
	if !typePattern.MatchString(eventType) {
		return core.NewErrorf(core.CodeInvalidInput, "invalid event type %q", eventType)
	}
	if appSource == "" || len(appSource) > 50 {
		return core.NewErrorf(core.CodeInvalidInput, "invalid app source %q", appSource)
	}
	return CheckDataSize(data, MaxEventDataBytes)
}

// CheckDataSize enforces a byte ceiling on marshaled event_data. A limit of
// zero falls back to MaxEventDataBytes.
func CheckDataSize(data map[string]interface{}, limit int) error {
	if data == nil {
		return nil
	}
	if limit <= 0 {
		limit = MaxEventDataBytes
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return core.NewError(core.CodeInvalidInput, "event_data is not serializable").WithCause(err)
	}
	if len(raw) > limit {
		return core.NewErrorf(core.CodeInvalidInput, "event_data exceeds %d bytes", limit).
			WithDetail("size", len(raw))
	}
	return nil
}

// StringField reads a string value out of event_data, tolerating absence.
func (e *Event) StringField(key string) string {
	if e.EventData == nil {
		return ""
	}
	if v, ok := e.EventData[key].(string); ok {
		return v
	}
	return ""
}

// FloatField reads a numeric value out of event_data. JSON round-trips land
// numbers as float64; native appends may carry ints.
func (e *Event) FloatField(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s user=%s app=%s", e.EventID, e.EventType, e.UserID, e.AppSource)
}
