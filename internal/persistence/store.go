package persistence

import (
	"MarginWatch/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultOpTimeout bounds a single store operation when none is configured.
const DefaultOpTimeout = 5 * time.Second

// PostgresStore implements ledger.Store on the ledger schema.
type PostgresStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, opTimeout time.Duration) *PostgresStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &PostgresStore{db: db, opTimeout: opTimeout}
}

func (s *PostgresStore) ListAtRiskAccounts(ctx context.Context) ([]ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, cash_balance, extended_credit, margin_reserved,
		       leverage_factor, version, updated_at
		FROM ledger.wallets
		WHERE margin_reserved > 0 OR extended_credit > 0
		ORDER BY owner_id`)
	if err != nil {
		return nil, classify("list_at_risk_accounts", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(
			&a.OwnerID, &a.CashBalance, &a.ExtendedCredit, &a.MarginReserved,
			&a.LeverageFactor, &a.Version, &a.UpdatedAt,
		); err != nil {
			return nil, classify("list_at_risk_accounts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_at_risk_accounts", err)
	}
	return out, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, ownerID uuid.UUID) ([]ledger.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, owner_id, side, quantity, entry_price, mark_price,
		       margin_reserved, status, opened_at
		FROM ledger.positions
		WHERE owner_id = $1 AND status = 'OPEN'
		ORDER BY opened_at, position_id`, ownerID)
	if err != nil {
		return nil, classify("list_open_positions", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		var (
			p      ledger.Position
			side   string
			status string
		)
		if err := rows.Scan(
			&p.PositionID, &p.OwnerID, &side, &p.Quantity, &p.EntryPrice, &p.MarkPrice,
			&p.MarginReserved, &status, &p.OpenedAt,
		); err != nil {
			return nil, classify("list_open_positions", err)
		}
		p.Side = ledger.Side(side)
		p.Status = ledger.PositionStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_open_positions", err)
	}
	return out, nil
}

// ApplyLiquidation closes every position in req and settles the wallet in
// one transaction. The wallet row is locked first; the request is stale if
// its version moved or the OPEN set is no longer exactly the closure set.
// Versions are bumped by the schema triggers, so writes from any other
// service also invalidate a snapshot.
func (s *PostgresStore) ApplyLiquidation(ctx context.Context, req ledger.LiquidationRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockWallet(ctx, tx, req.OwnerID, req.ExpectedVersion, "apply liquidation"); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ledger.positions WHERE owner_id = $1 AND status = 'OPEN'`,
			req.OwnerID,
		).Scan(&open); err != nil {
			return err
		}
		if open != len(req.Closures) {
			return ledger.ErrStaleSnapshot
		}

		// The wallet update below bumps the version once; skip the
		// per-position touch trigger for this transaction.
		if _, err := tx.ExecContext(ctx, `SET LOCAL marginwatch.settling = 'on'`); err != nil {
			return err
		}

		for _, c := range req.Closures {
			res, err := tx.ExecContext(ctx, `
				UPDATE ledger.positions
				SET status = 'CLOSED', realized_pnl = $1, closed_at = $2
				WHERE position_id = $3 AND owner_id = $4 AND status = 'OPEN'`,
				c.RealizedPnl, req.ClosedAt, c.PositionID, req.OwnerID,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return ledger.ErrStaleSnapshot
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE ledger.wallets
			SET cash_balance = cash_balance + $1,
			    margin_reserved = GREATEST(margin_reserved - $2, 0),
			    updated_at = $3
			WHERE owner_id = $4`,
			req.RealizedTotal(), req.ReleasedMargin, req.ClosedAt, req.OwnerID,
		)
		return err
	})
	return classify("apply_liquidation", err)
}

// ApplyRevoke zeroes extended credit if the wallet is still at
// expectedVersion.
func (s *PostgresStore) ApplyRevoke(ctx context.Context, ownerID uuid.UUID, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger.wallets
		SET extended_credit = 0, updated_at = NOW()
		WHERE owner_id = $1 AND version = $2`,
		ownerID, expectedVersion,
	)
	if err != nil {
		return classify("apply_revoke", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("apply_revoke", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger.wallets WHERE owner_id = $1)`, ownerID,
	).Scan(&exists); err != nil {
		return classify("apply_revoke", err)
	}
	if !exists {
		return &ledger.InconsistentStateError{OwnerID: ownerID, Reason: "apply revoke", Err: ledger.ErrAccountNotFound}
	}
	return ledger.ErrStaleSnapshot
}

func lockWallet(ctx context.Context, tx *sql.Tx, ownerID uuid.UUID, expectedVersion int64, reason string) error {
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM ledger.wallets WHERE owner_id = $1 FOR UPDATE`, ownerID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.InconsistentStateError{OwnerID: ownerID, Reason: reason, Err: ledger.ErrAccountNotFound}
	}
	if err != nil {
		return err
	}
	if version != expectedVersion {
		return ledger.ErrStaleSnapshot
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ ledger.Store = (*PostgresStore)(nil)
