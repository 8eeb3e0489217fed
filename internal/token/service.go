package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// SessionStore is the durable side of the session and refresh-token rows.
// The token service is their exclusive owner.
type SessionStore interface {
	CreateUser(ctx context.Context, u *core.User) error
	GetUser(ctx context.Context, userID string) (*core.User, error)           // nil, nil when absent
	GetUserByEmail(ctx context.Context, email string) (*core.User, error)     // nil, nil when absent
	CreateSession(ctx context.Context, s *core.Session) error
	GetSession(ctx context.Context, sessionID string) (*core.Session, error)  // nil, nil when absent
	ListSessions(ctx context.Context, userID string) ([]*core.Session, error) // active only
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error
	RevokeSession(ctx context.Context, sessionID string, at time.Time) error
	RevokeAllSessions(ctx context.Context, userID, exceptSessionID string, at time.Time) (int, error)
	CreateRefreshToken(ctx context.Context, rt *core.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*core.RefreshToken, error) // nil, nil when absent
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) error
	RevokeSessionTokens(ctx context.Context, sessionID string, at time.Time) error
}

// TokenPair is what login and rotation hand back.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	ExpiresIn    int    `json:"expires_in"`
}

// SessionMeta describes the device side of a login.
type SessionMeta struct {
	DeviceLabel string
	IP          string
	UserAgent   string
}

// Service composes the signer with the session store: registration, login,
// refresh rotation with reuse detection, and revocation.
type Service struct {
	signer  *Signer
	store   SessionStore
	eventsS events.Store
	logger  *slog.Logger

	refreshTTL time.Duration
	sessionTTL time.Duration
	bcryptCost int
}

// NewService wires the token service. eventStore may be nil in tests.
func NewService(signer *Signer, store SessionStore, eventStore events.Store, refreshTTL, sessionTTL time.Duration, bcryptCost int) *Service {
	if refreshTTL == 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	if sessionTTL == 0 {
		sessionTTL = 30 * 24 * time.Hour
	}
	if bcryptCost == 0 {
		bcryptCost = 12
	}
	return &Service{
		signer:     signer,
		store:      store,
		eventsS:    eventStore,
		logger:     slog.Default().With("component", "token-service"),
		refreshTTL: refreshTTL,
		sessionTTL: sessionTTL,
		bcryptCost: bcryptCost,
	}
}

// Signer exposes the JWT layer for validation middleware and delegation.
func (s *Service) Signer() *Signer { return s.signer }

// Register creates a user with a bcrypt-hashed password and opens the first
// session. The hash is never logged.
func (s *Service) Register(ctx context.Context, email, password string, meta SessionMeta) (*core.User, *TokenPair, error) {
	if email == "" || len(password) < 8 {
		return nil, nil, core.NewError(core.CodeInvalidInput, "email required and password must be at least 8 characters")
	}
	if existing, err := s.store.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, nil, core.NewError(core.CodeInvalidInput, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, nil, core.NewError(core.CodeInternal, "hash password").WithCause(err)
	}
	user := &core.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Plan:         core.PlanFree,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, nil, core.NewError(core.CodeEventStoreUnavailable, "create user").WithCause(err)
	}

	pair, err := s.openSession(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login verifies credentials and opens a session. Failures emit
// login_failed keyed by a hash of the email, never the email itself.
func (s *Service) Login(ctx context.Context, email, password string, meta SessionMeta) (*core.User, *TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, core.NewError(core.CodeEventStoreUnavailable, "load user").WithCause(err)
	}
	if user == nil || !user.Active {
		s.emitLoginFailed(ctx, email, "unknown_or_inactive")
		return nil, nil, core.NewError(core.CodeUnauthenticated, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.emitLoginFailed(ctx, email, "bad_password")
		return nil, nil, core.NewError(core.CodeUnauthenticated, "invalid credentials")
	}

	pair, err := s.openSession(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, user.ID, events.TypeLoginSucceeded, map[string]interface{}{"session_id": pair.SessionID})
	return user, pair, nil
}

// Rotate exchanges a refresh token one-shot. Presenting an already-used or
// revoked token revokes the whole session chain.
func (s *Service) Rotate(ctx context.Context, refreshOpaque string, meta SessionMeta) (*TokenPair, error) {
	hash := HashRefreshToken(refreshOpaque)
	rt, err := s.store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "load refresh token").WithCause(err)
	}
	if rt == nil {
		return nil, core.NewError(core.CodeInvalidToken, "unknown refresh token")
	}

	now := time.Now().UTC()
	if !rt.Valid(now) {
		// Reuse or expiry: kill the chain, the session, and every token in it.
		_ = s.store.RevokeSessionTokens(ctx, rt.SessionID, now)
		_ = s.store.RevokeSession(ctx, rt.SessionID, now)
		s.emit(ctx, rt.UserID, events.TypeSessionRevokedAll, map[string]interface{}{
			"session_id": rt.SessionID,
			"cause":      "refresh_token_reuse",
		})
		s.logger.Warn("refresh token reuse detected, session chain revoked", "session", rt.SessionID)
		return nil, core.NewError(core.CodeInvalidToken, "refresh token no longer valid")
	}

	user, err := s.store.GetUser(ctx, rt.UserID)
	if err != nil || user == nil || !user.Active {
		return nil, core.NewError(core.CodeUnauthenticated, "user unavailable")
	}

	// One-shot: parent revoked before the child exists; both stay linked to
	// the same session.
	if err := s.store.RevokeRefreshToken(ctx, rt.ID, now); err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "revoke parent refresh token").WithCause(err)
	}
	opaque, child, err := s.newRefreshToken(rt.UserID, rt.SessionID, &rt.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, child); err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "persist rotated refresh token").WithCause(err)
	}
	_ = s.store.TouchSession(ctx, rt.SessionID, now)

	access, claims, err := s.signer.IssueAccess(user.ID, rt.SessionID, LunaContext{}, defaultScope(user.Plan))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		SessionID:    rt.SessionID,
		ExpiresIn:    int(time.Until(claims.ExpiresAt.Time).Seconds()),
	}, nil
}

// User loads the account behind a token subject.
func (s *Service) User(ctx context.Context, userID string) (*core.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "load user").WithCause(err)
	}
	if user == nil {
		return nil, core.NewError(core.CodeUnauthenticated, "unknown user")
	}
	return user, nil
}

// Sessions lists a user's active sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*core.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// Revoke ends one session and its refresh tokens. Ownership is enforced.
func (s *Service) Revoke(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return core.NewError(core.CodeEventStoreUnavailable, "load session").WithCause(err)
	}
	if sess == nil || sess.UserID != userID {
		return core.NewError(core.CodeInvalidInput, "unknown session")
	}
	now := time.Now().UTC()
	if err := s.store.RevokeSessionTokens(ctx, sessionID, now); err != nil {
		return err
	}
	if err := s.store.RevokeSession(ctx, sessionID, now); err != nil {
		return err
	}
	s.emit(ctx, userID, events.TypeSessionRevoked, map[string]interface{}{"session_id": sessionID})
	return nil
}

// RevokeAll ends every session except the current one.
func (s *Service) RevokeAll(ctx context.Context, userID, currentSessionID string) (int, error) {
	now := time.Now().UTC()
	count, err := s.store.RevokeAllSessions(ctx, userID, currentSessionID, now)
	if err != nil {
		return 0, err
	}
	s.emit(ctx, userID, events.TypeSessionRevokedAll, map[string]interface{}{
		"kept_session": currentSessionID,
		"revoked":      count,
	})
	return count, nil
}

// DelegateSpecialist issues a child token and records the delegation.
func (s *Service) DelegateSpecialist(ctx context.Context, parentToken, specialist string, permissions []string, delegation DelegationContext) (string, *Claims, error) {
	signed, claims, err := s.signer.Delegate(parentToken, specialist, permissions, delegation)
	if err != nil {
		return "", nil, err
	}
	s.emit(ctx, claims.Subject, events.TypeSpecialistDelegated, map[string]interface{}{
		"specialist":  specialist,
		"permissions": permissions,
		"parent_jti":  claims.ParentJTI,
		"child_jti":   claims.ID,
		"expires_at":  claims.ExpiresAt.Time.Format(time.RFC3339),
	})
	return signed, claims, nil
}

// --- internals ---

func (s *Service) openSession(ctx context.Context, user *core.User, meta SessionMeta) (*TokenPair, error) {
	now := time.Now().UTC()
	sess := &core.Session{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		DeviceLabel: meta.DeviceLabel,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		CreatedAt:   now,
		LastSeen:    now,
		ExpiresAt:   now.Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "create session").WithCause(err)
	}

	opaque, rt, err := s.newRefreshToken(user.ID, sess.ID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, core.NewError(core.CodeEventStoreUnavailable, "persist refresh token").WithCause(err)
	}

	access, claims, err := s.signer.IssueAccess(user.ID, sess.ID, LunaContext{}, defaultScope(user.Plan))
	if err != nil {
		return nil, err
	}
	s.emit(ctx, user.ID, events.TypeSessionCreated, map[string]interface{}{
		"session_id": sess.ID,
		"device":     meta.DeviceLabel,
	})
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		SessionID:    sess.ID,
		ExpiresIn:    int(time.Until(claims.ExpiresAt.Time).Seconds()),
	}, nil
}

// newRefreshToken mints a 64-byte opaque bearer; only its hash is stored.
func (s *Service) newRefreshToken(userID, sessionID string, parentID *string) (string, *core.RefreshToken, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, core.NewError(core.CodeInternal, "generate refresh token").WithCause(err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(raw)
	now := time.Now().UTC()
	rt := &core.RefreshToken{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		TokenHash: HashRefreshToken(opaque),
		JTI:       uuid.NewString(),
		ParentID:  parentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return opaque, rt, nil
}

func defaultScope(plan core.Plan) []string {
	scope := []string{"aube:read", "cv:generate", "letters:generate", "rise:analyze"}
	if plan.IsUnlimited() {
		scope = append(scope, "priority:support")
	}
	return scope
}

func (s *Service) emit(ctx context.Context, userID, eventType string, data map[string]interface{}) {
	if s.eventsS == nil {
		return
	}
	if _, err := s.eventsS.Append(ctx, userID, eventType, "hub", data, nil); err != nil {
		s.logger.Warn("auth event append failed", "type", eventType, "err", err)
	}
}

func (s *Service) emitLoginFailed(ctx context.Context, email, reason string) {
	if s.eventsS == nil {
		return
	}
	sum := sha256.Sum256([]byte(email))
	// Keyed by an email digest so failed probes for unknown accounts still
	// aggregate without storing the address.
	id := hex.EncodeToString(sum[:8])
	_, _ = s.eventsS.Append(ctx, id, events.TypeLoginFailed, "hub", map[string]interface{}{"reason": reason}, nil)
}

// HashRefreshToken is the storage digest for opaque refresh tokens.
func HashRefreshToken(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return hex.EncodeToString(sum[:])
}
