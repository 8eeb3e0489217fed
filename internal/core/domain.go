package core

import (
	"regexp"
	"time"
)

// Plan is the authoritative gate for metering.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPremium   Plan = "premium"
	PlanUnlimited Plan = "unlimited"
)

// UnlimitedSentinel is the JSON-safe balance reported for unlimited users.
// Any max_energy >= 999 denotes an effectively unlimited account.
const UnlimitedSentinel = 999.0

// User is the hub's view of an account. Satellites never see more than this.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Plan         Plan      `json:"plan"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsUnlimited reports whether the plan bypasses metering.
func (p Plan) IsUnlimited() bool { return p == PlanUnlimited }

// UserEnergy is the per-user balance row. One per user, lazily provisioned,
// mutated only by the energy ledger.
type UserEnergy struct {
	UserID           string    `json:"user_id"`
	CurrentEnergy    float64   `json:"current_energy"`
	MaxEnergy        float64   `json:"max_energy"`
	TotalConsumed    float64   `json:"total_consumed"`
	TotalPurchased   float64   `json:"total_purchased"`
	SubscriptionType Plan      `json:"subscription_type"`
	Version          int64     `json:"-"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Unlimited reports whether this row carries the unlimited sentinel.
func (ue *UserEnergy) Unlimited() bool {
	return ue.MaxEnergy >= UnlimitedSentinel || ue.SubscriptionType.IsUnlimited()
}

// TransactionType classifies an energy ledger movement.
type TransactionType string

const (
	TxConsume  TransactionType = "consume"
	TxRefund   TransactionType = "refund"
	TxPurchase TransactionType = "purchase"
)

// EnergyTransaction is an append-only ledger row.
// energy_after - energy_before = ±amount matching the action sign.
type EnergyTransaction struct {
	TransactionID string                 `json:"transaction_id"`
	UserID        string                 `json:"user_id"`
	ActionType    TransactionType        `json:"action_type"`
	Amount        float64                `json:"amount"`
	Reason        string                 `json:"reason"`
	EnergyBefore  float64                `json:"energy_before"`
	EnergyAfter   float64                `json:"energy_after"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Session is a login session; refresh tokens rotate inside it.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	DeviceLabel string     `json:"device_label"`
	IP          string     `json:"ip"`
	UserAgent   string     `json:"user_agent"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeen    time.Time  `json:"last_seen"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// RefreshToken holds only the SHA-256 of the opaque bearer. A token is valid
// iff revoked_at is null and now < expires_at. ParentID forms the rotation chain.
type RefreshToken struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	JTI       string     `json:"jti"`
	ParentID  *string    `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the refresh token can still be rotated.
func (rt *RefreshToken) Valid(now time.Time) bool {
	return rt.RevokedAt == nil && now.Before(rt.ExpiresAt)
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidUserID enforces the opaque-identifier contract: <=50 chars,
// alphanumeric plus dash/underscore.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}
