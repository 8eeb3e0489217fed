package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/ratelimit"
)

// BlockStore implements ratelimit.BlockStore on Postgres.
type BlockStore struct {
	pg *Postgres
}

func NewBlockStore(pg *Postgres) *BlockStore { return &BlockStore{pg: pg} }

func (bs *BlockStore) GetBlock(ctx context.Context, scope, identifierHash string) (*ratelimit.Block, error) {
	ctx, cancel := bs.pg.opCtx(ctx)
	defer cancel()
	row := bs.pg.db.QueryRowContext(ctx,
		`SELECT scope, identifier_hash, blocked_until, attempts
		 FROM rate_limit_blocks WHERE scope = $1 AND identifier_hash = $2`,
		scope, identifierHash)
	b := &ratelimit.Block{}
	err := row.Scan(&b.Scope, &b.IdentifierHash, &b.BlockedUntil, &b.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select block").WithCause(err)
	}
	return b, nil
}

func (bs *BlockStore) UpsertBlock(ctx context.Context, b *ratelimit.Block) error {
	ctx, cancel := bs.pg.opCtx(ctx)
	defer cancel()
	_, err := bs.pg.db.ExecContext(ctx,
		`INSERT INTO rate_limit_blocks (scope, identifier_hash, blocked_until, attempts)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope, identifier_hash) DO UPDATE
		 SET blocked_until = EXCLUDED.blocked_until,
		     attempts = rate_limit_blocks.attempts + 1`,
		b.Scope, b.IdentifierHash, b.BlockedUntil, b.Attempts)
	if err != nil {
		return core.NewError(core.CodeInternal, "upsert block").WithCause(err)
	}
	return nil
}

func (bs *BlockStore) DeleteBlock(ctx context.Context, scope, identifierHash string) error {
	ctx, cancel := bs.pg.opCtx(ctx)
	defer cancel()
	_, err := bs.pg.db.ExecContext(ctx,
		`DELETE FROM rate_limit_blocks WHERE scope = $1 AND identifier_hash = $2`,
		scope, identifierHash)
	if err != nil {
		return core.NewError(core.CodeInternal, "delete block").WithCause(err)
	}
	return nil
}

func (bs *BlockStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := bs.pg.opCtx(ctx)
	defer cancel()
	res, err := bs.pg.db.ExecContext(ctx,
		`DELETE FROM rate_limit_blocks WHERE blocked_until < $1`, now)
	if err != nil {
		return 0, core.NewError(core.CodeInternal, "reap blocks").WithCause(err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
