// Package store is the Postgres persistence layer. It implements the four
// narrow store contracts the services define: energy.Store, events.Store,
// token.SessionStore, and ratelimit.BlockStore.
package store

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/luna-platform/hub/internal/core"
)

var logger = log.New(os.Stdout, "[STORE] ", log.LstdFlags)

// Postgres owns the connection pool. One instance serves all stores.
type Postgres struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Options tunes the connection pool and the per-statement deadline.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration // 0 disables the per-statement deadline
}

// Open connects, pings, and bootstraps the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "open postgres").WithCause(err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, core.NewError(core.CodeInternal, "ping postgres").WithCause(err)
	}

	pg := &Postgres{db: db, queryTimeout: opts.QueryTimeout}
	if err := pg.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Println("connected to postgres, schema ready")
	return pg, nil
}

// DB exposes the pool for health checks.
func (pg *Postgres) DB() *sql.DB { return pg.db }

func (pg *Postgres) Close() error { return pg.db.Close() }

// opCtx bounds one store operation. A caller deadline tighter than the
// configured query timeout wins.
func (pg *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if pg.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, pg.queryTimeout)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		plan          TEXT NOT NULL DEFAULT 'free',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_energy (
		user_id           TEXT PRIMARY KEY REFERENCES users(id),
		current_energy    DOUBLE PRECISION NOT NULL,
		max_energy        DOUBLE PRECISION NOT NULL,
		total_consumed    DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_purchased   DOUBLE PRECISION NOT NULL DEFAULT 0,
		subscription_type TEXT NOT NULL DEFAULT 'free',
		version           BIGINT NOT NULL DEFAULT 1,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS energy_transactions (
		transaction_id TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		action_type    TEXT NOT NULL,
		amount         DOUBLE PRECISION NOT NULL,
		reason         TEXT NOT NULL,
		energy_before  DOUBLE PRECISION NOT NULL,
		energy_after   DOUBLE PRECISION NOT NULL,
		context        JSONB,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_energy_tx_user_time
		ON energy_transactions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id   TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		app_source TEXT NOT NULL,
		event_data JSONB,
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_time
		ON events (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_type_time
		ON events (user_id, event_type, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		device_label TEXT NOT NULL DEFAULT '',
		ip           TEXT NOT NULL DEFAULT '',
		user_agent   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ NOT NULL,
		revoked_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		jti        TEXT NOT NULL,
		parent_id  TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_session ON refresh_tokens (session_id)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_blocks (
		scope           TEXT NOT NULL,
		identifier_hash TEXT NOT NULL,
		blocked_until   TIMESTAMPTZ NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (scope, identifier_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_until ON rate_limit_blocks (blocked_until)`,
}

func (pg *Postgres) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := pg.db.ExecContext(ctx, stmt); err != nil {
			return core.NewError(core.CodeInternal, "bootstrap schema").WithCause(err)
		}
	}
	return nil
}
