package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
)

// EnergyStore implements energy.Store. CommitEnergy is the hot path: the
// balance update, the ledger transaction, and the event land in one SQL
// transaction guarded by the row version, so a partial commit is impossible.
type EnergyStore struct {
	pg *Postgres
}

func NewEnergyStore(pg *Postgres) *EnergyStore { return &EnergyStore{pg: pg} }

func (es *EnergyStore) GetUser(ctx context.Context, userID string) (*core.User, error) {
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	row := es.pg.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, active, created_at FROM users WHERE id = $1`, userID)
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

func (es *EnergyStore) GetEnergy(ctx context.Context, userID string) (*core.UserEnergy, error) {
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	row := es.pg.db.QueryRowContext(ctx,
		`SELECT user_id, current_energy, max_energy, total_consumed, total_purchased,
		        subscription_type, version, updated_at
		 FROM user_energy WHERE user_id = $1`, userID)
	ue := &core.UserEnergy{}
	err := row.Scan(&ue.UserID, &ue.CurrentEnergy, &ue.MaxEnergy, &ue.TotalConsumed,
		&ue.TotalPurchased, &ue.SubscriptionType, &ue.Version, &ue.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select user_energy").WithCause(err)
	}
	return ue, nil
}

func (es *EnergyStore) CreateEnergy(ctx context.Context, ue *core.UserEnergy) error {
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	// ON CONFLICT DO NOTHING keeps lazy provisioning race-tolerant; the
	// loser re-reads the winner's row.
	_, err := es.pg.db.ExecContext(ctx,
		`INSERT INTO user_energy
		   (user_id, current_energy, max_energy, total_consumed, total_purchased,
		    subscription_type, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		ue.UserID, ue.CurrentEnergy, ue.MaxEnergy, ue.TotalConsumed,
		ue.TotalPurchased, ue.SubscriptionType, ue.UpdatedAt)
	if err != nil {
		return core.NewError(core.CodeInternal, "insert user_energy").WithCause(err)
	}
	return nil
}

// CommitEnergy writes the new balance under a version predicate and, in the
// same transaction, the ledger row and the event. A stale version returns
// energy.ErrVersionConflict and the caller's CAS loop re-reads and retries.
func (es *EnergyStore) CommitEnergy(ctx context.Context, ue *core.UserEnergy, etx *core.EnergyTransaction, ev *events.Event) error {
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	tx, err := es.pg.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewError(core.CodeInternal, "begin commit").WithCause(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE user_energy
		 SET current_energy = $1, max_energy = $2, total_consumed = $3,
		     total_purchased = $4, subscription_type = $5,
		     version = version + 1, updated_at = $6
		 WHERE user_id = $7 AND version = $8`,
		ue.CurrentEnergy, ue.MaxEnergy, ue.TotalConsumed, ue.TotalPurchased,
		ue.SubscriptionType, ue.UpdatedAt, ue.UserID, ue.Version)
	if err != nil {
		return core.NewError(core.CodeInternal, "update user_energy").WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return core.NewError(core.CodeInternal, "rows affected").WithCause(err)
	}
	if affected == 0 {
		return energy.ErrVersionConflict
	}

	if etx != nil {
		txCtx, err := marshalJSONB(etx.Context)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO energy_transactions
			   (transaction_id, user_id, action_type, amount, reason,
			    energy_before, energy_after, context, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			etx.TransactionID, etx.UserID, etx.ActionType, etx.Amount, etx.Reason,
			etx.EnergyBefore, etx.EnergyAfter, txCtx, etx.CreatedAt); err != nil {
			return core.NewError(core.CodeInternal, "insert energy_transaction").WithCause(err)
		}
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return core.NewError(core.CodeInternal, "commit energy").WithCause(err)
	}
	ue.Version++
	return nil
}

func (es *EnergyStore) SetPlan(ctx context.Context, userID string, plan core.Plan) error {
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	_, err := es.pg.db.ExecContext(ctx,
		`UPDATE users SET plan = $1 WHERE id = $2`, plan, userID)
	if err != nil {
		return core.NewError(core.CodeInternal, "update plan").WithCause(err)
	}
	return nil
}

// Transactions lists ledger rows newest first, for the purchase history and
// refund-eligibility surfaces.
func (es *EnergyStore) Transactions(ctx context.Context, userID string, limit int) ([]*core.EnergyTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	ctx, cancel := es.pg.opCtx(ctx)
	defer cancel()
	rows, err := es.pg.db.QueryContext(ctx,
		`SELECT transaction_id, user_id, action_type, amount, reason,
		        energy_before, energy_after, context, created_at
		 FROM energy_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "select energy_transactions").WithCause(err)
	}
	defer rows.Close()

	var out []*core.EnergyTransaction
	for rows.Next() {
		etx := &core.EnergyTransaction{}
		var rawCtx []byte
		if err := rows.Scan(&etx.TransactionID, &etx.UserID, &etx.ActionType, &etx.Amount,
			&etx.Reason, &etx.EnergyBefore, &etx.EnergyAfter, &rawCtx, &etx.CreatedAt); err != nil {
			return nil, core.NewError(core.CodeInternal, "scan energy_transaction").WithCause(err)
		}
		if len(rawCtx) > 0 {
			_ = json.Unmarshal(rawCtx, &etx.Context)
		}
		out = append(out, etx)
	}
	return out, rows.Err()
}

func marshalJSONB(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "marshal jsonb").WithCause(err)
	}
	return raw, nil
}
