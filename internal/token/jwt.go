// Package token issues, validates, rotates, and revokes bearer tokens, and
// delegates scoped child tokens to satellite specialists.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/core"
)

// LunaContext rides inside every access token: where the user is in their
// journey and what the hub currently lets them touch.
type LunaContext struct {
	CurrentModule         string   `json:"current_module,omitempty"`
	SpecialistPermissions []string `json:"specialist_permissions,omitempty"`
	NarrativeChapter      string   `json:"narrative_chapter,omitempty"`
	JourneyStep           string   `json:"journey_step,omitempty"`
	ConversationCount     int      `json:"conversation_count,omitempty"`
}

// DelegationContext explains why a child token exists.
type DelegationContext struct {
	TargetModule string `json:"target_module"`
	Reason       string `json:"reason,omitempty"`
}

// Claims is the hub's JWT payload. Parent tokens carry the first block;
// child (specialist) tokens additionally carry the delegation fields.
type Claims struct {
	jwt.RegisteredClaims
	SessionID         string      `json:"session_id,omitempty"`
	LunaContext       LunaContext `json:"luna_context,omitempty"`
	MicroserviceScope []string    `json:"microservice_scope,omitempty"`

	SpecialistName        string             `json:"specialist_name,omitempty"`
	SpecialistPermissions []string           `json:"specialist_permissions,omitempty"`
	Delegation            *DelegationContext `json:"delegation_context,omitempty"`
	ParentJTI             string             `json:"parent_jti,omitempty"`
}

// IsChild reports whether the token was produced by delegation.
func (c *Claims) IsChild() bool { return c.SpecialistName != "" }

// HasPermission checks the effective permission set: specialist permissions
// for children, microservice scope for parents.
func (c *Claims) HasPermission(perm string) bool {
	set := c.MicroserviceScope
	if c.IsChild() {
		set = c.SpecialistPermissions
	}
	for _, p := range set {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// SpecialistPolicy bounds one delegation target.
type SpecialistPolicy struct {
	Name                   string
	SessionDurationMinutes int
}

// DefaultSpecialists is the delegation allow-list.
func DefaultSpecialists() map[string]SpecialistPolicy {
	policies := []SpecialistPolicy{
		{Name: "luna-aube", SessionDurationMinutes: 30},
		{Name: "luna-cv", SessionDurationMinutes: 20},
		{Name: "luna-letters", SessionDurationMinutes: 20},
		{Name: "luna-rise", SessionDurationMinutes: 15},
	}
	out := make(map[string]SpecialistPolicy, len(policies))
	for _, p := range policies {
		out[p.Name] = p
	}
	return out
}

// Signer issues and verifies HS256 tokens over the process-wide secret. The
// secret is immutable after init.
type Signer struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	specialists map[string]SpecialistPolicy
}

// NewSigner builds the signer; ttl defaults to 15 minutes.
func NewSigner(secret, issuer string, accessTTL time.Duration) *Signer {
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}
	return &Signer{
		secret:      []byte(secret),
		issuer:      issuer,
		accessTTL:   accessTTL,
		specialists: DefaultSpecialists(),
	}
}

// IssueAccess mints a parent access token bound to a session.
func (s *Signer) IssueAccess(userID, sessionID string, lunaCtx LunaContext, scope []string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
		SessionID:         sessionID,
		LunaContext:       lunaCtx,
		MicroserviceScope: scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, core.NewError(core.CodeInternal, "sign access token").WithCause(err)
	}
	return signed, claims, nil
}

// Validate parses and verifies a token. Expired tokens return ExpiredToken;
// every other failure collapses to InvalidToken so callers learn nothing
// about why verification failed.
func (s *Signer) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil {
		// Claim validation runs only after the signature verifies, so an
		// expiry error vouches for the token's authenticity. A forged token
		// never reaches it, whatever its payload claims.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.NewError(core.CodeExpiredToken, "token expired")
		}
		return nil, core.NewError(core.CodeInvalidToken, "token validation failed")
	}
	return claims, nil
}

// Delegate mints a child token for a specialist from a valid parent token.
// Children cannot sub-delegate, permissions must be a subset of the
// parent's microservice scope, and the child never outlives the parent.
func (s *Signer) Delegate(parentToken, specialistName string, permissions []string, delegation DelegationContext) (string, *Claims, error) {
	parent, err := s.Validate(parentToken)
	if err != nil {
		return "", nil, err
	}
	if parent.IsChild() {
		return "", nil, core.NewError(core.CodeInsufficientScope, "child tokens cannot sub-delegate")
	}
	policy, ok := s.specialists[specialistName]
	if !ok {
		return "", nil, core.NewErrorf(core.CodeInvalidInput, "unknown specialist %q", specialistName)
	}
	for _, perm := range permissions {
		if !scopeContains(parent.MicroserviceScope, perm) {
			return "", nil, core.NewErrorf(core.CodeInsufficientScope, "permission %q outside parent scope", perm).
				WithDetail("permission", perm)
		}
	}

	now := time.Now()
	exp := now.Add(time.Duration(policy.SessionDurationMinutes) * time.Minute)
	if parent.ExpiresAt != nil && exp.After(parent.ExpiresAt.Time) {
		exp = parent.ExpiresAt.Time
	}

	child := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   parent.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		SessionID:             parent.SessionID,
		LunaContext:           parent.LunaContext,
		SpecialistName:        specialistName,
		SpecialistPermissions: permissions,
		Delegation:            &delegation,
		ParentJTI:             parent.ID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, child).SignedString(s.secret)
	if err != nil {
		return "", nil, core.NewError(core.CodeInternal, "sign child token").WithCause(err)
	}
	return signed, child, nil
}

// ValidateSpecialist verifies a child token and that it grants perm.
func (s *Signer) ValidateSpecialist(tokenStr, perm string) (*Claims, error) {
	claims, err := s.Validate(tokenStr)
	if err != nil {
		return nil, err
	}
	if !claims.IsChild() {
		return nil, core.NewError(core.CodeInvalidToken, "not a specialist token")
	}
	if perm != "" && !claims.HasPermission(perm) {
		return nil, core.NewErrorf(core.CodeInsufficientScope, "specialist lacks permission %q", perm)
	}
	return claims, nil
}

func scopeContains(scope []string, perm string) bool {
	for _, p := range scope {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}
