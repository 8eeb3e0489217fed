package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

func newTestService(t *testing.T) (*Service, *MemorySessionStore, *events.MemoryStore) {
	t.Helper()
	sink := events.NewMemoryStore(nil)
	store := NewMemorySessionStore()
	signer := NewSigner("test-secret", "luna-hub", 15*time.Minute)
	// Cost 4 keeps bcrypt fast in tests.
	svc := NewService(signer, store, sink, 24*time.Hour, 24*time.Hour, 4)
	return svc, store, sink
}

func TestService_RegisterAndLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{DeviceLabel: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, core.PlanFree, user.Plan)
	assert.NotEqual(t, "correct-horse", user.PasswordHash, "password must be hashed")
	require.NotNil(t, pair)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.SessionID)
	assert.Greater(t, pair.ExpiresIn, 0)

	claims, err := svc.Signer().Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, pair.SessionID, claims.SessionID)
	assert.Contains(t, claims.MicroserviceScope, "cv:generate")
	assert.NotContains(t, claims.MicroserviceScope, "priority:support")

	_, loginPair, err := svc.Login(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, pair.SessionID, loginPair.SessionID, "each login opens its own session")
}

func TestService_RegisterRejectsDuplicateEmailAndWeakPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "ada@example.com", "another-pass", SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))

	_, _, err = svc.Register(ctx, "bob@example.com", "short", SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))
}

func TestService_LoginBadCredentials(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "ada@example.com", "wrong-pass", SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeUnauthenticated))

	_, _, err = svc.Login(ctx, "nobody@example.com", "whatever", SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeUnauthenticated))

	// Failures are audited under an email digest, never the address.
	assert.Equal(t, 0, sink.Count("ada@example.com"))
}

func TestService_RotateIsOneShot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, pair.RefreshToken, SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, pair.SessionID, rotated.SessionID, "rotation stays inside the session")
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The new token rotates again.
	again, err := svc.Rotate(ctx, rotated.RefreshToken, SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, pair.SessionID, again.SessionID)
}

func TestService_RotateReuseRevokesChain(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, pair.RefreshToken, SessionMeta{})
	require.NoError(t, err)

	// Replaying the consumed parent token is treated as theft.
	_, err = svc.Rotate(ctx, pair.RefreshToken, SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeInvalidToken))

	// The entire chain is dead, including the freshly rotated child.
	_, err = svc.Rotate(ctx, rotated.RefreshToken, SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeInvalidToken))

	sess, err := store.GetSession(ctx, pair.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, sess.RevokedAt)

	evs, err := sink.Query(ctx, events.Query{UserID: user.ID, Limit: 10, EventType: events.TypeSessionRevokedAll})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, "refresh_token_reuse", evs[0].StringField("cause"))
}

func TestService_RotateUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Rotate(context.Background(), "never-issued", SessionMeta{})
	assert.True(t, core.IsCode(err, core.CodeInvalidToken))
}

func TestService_RevokeSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, user.ID, pair.SessionID))

	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = svc.Rotate(ctx, pair.RefreshToken, SessionMeta{})
	assert.Error(t, err, "refresh tokens die with their session")

	// Someone else cannot revoke the session.
	err = svc.Revoke(ctx, "other-user", pair.SessionID)
	assert.True(t, core.IsCode(err, core.CodeInvalidInput))
}

func TestService_RevokeAllKeepsCurrent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, first, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{DeviceLabel: "laptop"})
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "ada@example.com", "correct-horse", SessionMeta{DeviceLabel: "phone"})
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "ada@example.com", "correct-horse", SessionMeta{DeviceLabel: "tablet"})
	require.NoError(t, err)

	revoked, err := svc.RevokeAll(ctx, user.ID, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.SessionID, sessions[0].ID)

	// The surviving session still rotates.
	_, err = svc.Rotate(ctx, first.RefreshToken, SessionMeta{})
	assert.NoError(t, err)
}

func TestService_UserLookup(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	loaded, err := svc.User(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", loaded.Email)

	_, err = svc.User(ctx, "ghost")
	assert.True(t, core.IsCode(err, core.CodeUnauthenticated))
}

func TestService_UnlimitedScope(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &core.User{
		ID:           "vip",
		Email:        "vip@example.com",
		PasswordHash: mustHash(t, "correct-horse"),
		Plan:         core.PlanUnlimited,
		Active:       true,
	}))

	_, pair, err := svc.Login(ctx, "vip@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	claims, err := svc.Signer().Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Contains(t, claims.MicroserviceScope, "priority:support")
}

func TestService_DelegateSpecialistEmitsEvent(t *testing.T) {
	svc, _, sink := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Register(ctx, "ada@example.com", "correct-horse", SessionMeta{})
	require.NoError(t, err)

	signed, claims, err := svc.DelegateSpecialist(ctx, pair.AccessToken, "luna-cv", []string{"cv:generate"}, DelegationContext{TargetModule: "cv"})
	require.NoError(t, err)
	assert.NotEmpty(t, signed)
	assert.Equal(t, user.ID, claims.Subject)

	evs, err := sink.Query(ctx, events.Query{UserID: user.ID, Limit: 10, EventType: events.TypeSpecialistDelegated})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "luna-cv", evs[0].StringField("specialist"))
	assert.Equal(t, claims.ParentJTI, evs[0].StringField("parent_jti"))
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
