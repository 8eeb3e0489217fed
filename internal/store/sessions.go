package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/luna-platform/hub/internal/core"
)

// SessionStore implements token.SessionStore on Postgres.
type SessionStore struct {
	pg *Postgres
}

func NewSessionStore(pg *Postgres) *SessionStore { return &SessionStore{pg: pg} }

func (ss *SessionStore) CreateUser(ctx context.Context, u *core.User) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, plan, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.PasswordHash, u.Plan, u.Active, u.CreatedAt)
	if err != nil {
		return core.NewError(core.CodeInternal, "insert user").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) GetUser(ctx context.Context, userID string) (*core.User, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	return scanUser(ss.pg.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, active, created_at FROM users WHERE id = $1`, userID))
}

func (ss *SessionStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	return scanUser(ss.pg.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, active, created_at FROM users WHERE email = $1`, email))
}

func scanUser(row *sql.Row) (*core.User, error) {
	u := &core.User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Plan, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select user").WithCause(err)
	}
	return u, nil
}

func (ss *SessionStore) CreateSession(ctx context.Context, s *core.Session) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, device_label, ip, user_agent, created_at, last_seen, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.DeviceLabel, s.IP, s.UserAgent, s.CreatedAt, s.LastSeen, s.ExpiresAt)
	if err != nil {
		return core.NewError(core.CodeInternal, "insert session").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	row := ss.pg.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_label, ip, user_agent, created_at, last_seen, expires_at, revoked_at
		 FROM sessions WHERE id = $1`, sessionID)
	s := &core.Session{}
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceLabel, &s.IP, &s.UserAgent,
		&s.CreatedAt, &s.LastSeen, &s.ExpiresAt, &s.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select session").WithCause(err)
	}
	return s, nil
}

func (ss *SessionStore) ListSessions(ctx context.Context, userID string) ([]*core.Session, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	rows, err := ss.pg.db.QueryContext(ctx,
		`SELECT id, user_id, device_label, ip, user_agent, created_at, last_seen, expires_at, revoked_at
		 FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		 ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select sessions").WithCause(err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		s := &core.Session{}
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceLabel, &s.IP, &s.UserAgent,
			&s.CreatedAt, &s.LastSeen, &s.ExpiresAt, &s.RevokedAt); err != nil {
			return nil, core.NewError(core.CodeInternal, "scan session").WithCause(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ss *SessionStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = $1 WHERE id = $2`, lastSeen, sessionID)
	if err != nil {
		return core.NewError(core.CodeInternal, "touch session").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at, sessionID)
	if err != nil {
		return core.NewError(core.CodeInternal, "revoke session").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) RevokeAllSessions(ctx context.Context, userID, exceptSessionID string, at time.Time) (int, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	tx, err := ss.pg.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, core.NewError(core.CodeInternal, "begin revoke all").WithCause(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $1
		 WHERE user_id = $2 AND id <> $3 AND revoked_at IS NULL`, at, userID, exceptSessionID)
	if err != nil {
		return 0, core.NewError(core.CodeInternal, "revoke sessions").WithCause(err)
	}
	affected, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1
		 WHERE user_id = $2 AND session_id <> $3 AND revoked_at IS NULL`, at, userID, exceptSessionID); err != nil {
		return 0, core.NewError(core.CodeInternal, "revoke refresh tokens").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, core.NewError(core.CodeInternal, "commit revoke all").WithCause(err)
	}
	return int(affected), nil
}

func (ss *SessionStore) CreateRefreshToken(ctx context.Context, rt *core.RefreshToken) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, session_id, user_id, token_hash, jti, parent_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rt.ID, rt.SessionID, rt.UserID, rt.TokenHash, rt.JTI, rt.ParentID, rt.CreatedAt, rt.ExpiresAt)
	if err != nil {
		return core.NewError(core.CodeInternal, "insert refresh token").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*core.RefreshToken, error) {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	row := ss.pg.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, token_hash, jti, parent_id, created_at, expires_at, revoked_at
		 FROM refresh_tokens WHERE token_hash = $1`, hash)
	rt := &core.RefreshToken{}
	err := row.Scan(&rt.ID, &rt.SessionID, &rt.UserID, &rt.TokenHash, &rt.JTI,
		&rt.ParentID, &rt.CreatedAt, &rt.ExpiresAt, &rt.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select refresh token").WithCause(err)
	}
	return rt, nil
}

func (ss *SessionStore) RevokeRefreshToken(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at, id)
	if err != nil {
		return core.NewError(core.CodeInternal, "revoke refresh token").WithCause(err)
	}
	return nil
}

func (ss *SessionStore) RevokeSessionTokens(ctx context.Context, sessionID string, at time.Time) error {
	ctx, cancel := ss.pg.opCtx(ctx)
	defer cancel()
	_, err := ss.pg.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1 WHERE session_id = $2 AND revoked_at IS NULL`, at, sessionID)
	if err != nil {
		return core.NewError(core.CodeInternal, "revoke session tokens").WithCause(err)
	}
	return nil
}
