package persistence_test

import (
	"MarginWatch/internal/ledger"
	"MarginWatch/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newMockStore(t *testing.T) (*persistence.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewPostgresStore(db, time.Second), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

// ============================================================================
// Test: reads
// ============================================================================

func TestPostgresStore_ListAtRiskAccounts(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()
	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("FROM ledger.wallets") + ".*" + q("WHERE margin_reserved > 0 OR extended_credit > 0")).
		WillReturnRows(sqlmock.NewRows([]string{
			"owner_id", "cash_balance", "extended_credit", "margin_reserved", "leverage_factor", "version", "updated_at",
		}).AddRow(owner.String(), "10.5", "50", "100", "10", int64(3), updated))

	accounts, err := store.ListAtRiskAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	a := accounts[0]
	assert.Equal(t, owner, a.OwnerID)
	assert.True(t, a.CashBalance.Equal(d("10.5")))
	assert.True(t, a.ExtendedCredit.Equal(d("50")))
	assert.True(t, a.MarginReserved.Equal(d("100")))
	assert.Equal(t, int64(3), a.Version)
	assert.Equal(t, updated, a.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListOpenPositions(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()
	withMark, noMark := uuid.New(), uuid.New()
	opened := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("FROM ledger.positions") + ".*" + q("WHERE owner_id = $1 AND status = 'OPEN'")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{
			"position_id", "owner_id", "side", "quantity", "entry_price", "mark_price", "margin_reserved", "status", "opened_at",
		}).
			AddRow(withMark.String(), owner.String(), "SHORT", "5", "100", "120", "100", "OPEN", opened).
			AddRow(noMark.String(), owner.String(), "BUY", "1", "10", nil, "5", "OPEN", opened))

	positions, err := store.ListOpenPositions(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, ledger.Side("SHORT"), positions[0].Side)
	assert.True(t, positions[0].MarkPrice.Valid)
	assert.True(t, positions[0].CurrentPrice().Equal(d("120")))
	assert.Equal(t, ledger.PositionOpen, positions[0].Status)

	assert.False(t, positions[1].MarkPrice.Valid)
	assert.True(t, positions[1].CurrentPrice().Equal(d("10")), "unset mark falls back to entry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"conn done", sql.ErrConnDone, true},
		{"deadline", context.DeadlineExceeded, true},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery(q("FROM ledger.wallets")).WillReturnError(tt.err)

			_, err := store.ListAtRiskAccounts(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, ledger.IsTransient(err), "err=%v", err)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// ============================================================================
// Test: ApplyLiquidation
// ============================================================================

func liquidationRequest(owner uuid.UUID, positions ...uuid.UUID) ledger.LiquidationRequest {
	req := ledger.LiquidationRequest{
		OwnerID:         owner,
		ExpectedVersion: 7,
		ClosedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, id := range positions {
		req.Closures = append(req.Closures, ledger.Closure{PositionID: id, RealizedPnl: d("-50"), ReleasedMargin: d("50")})
		req.ReleasedMargin = req.ReleasedMargin.Add(d("50"))
	}
	return req
}

func TestPostgresStore_ApplyLiquidation(t *testing.T) {
	store, mock := newMockStore(t)
	owner, p1, p2 := uuid.New(), uuid.New(), uuid.New()
	req := liquidationRequest(owner, p1, p2)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT version FROM ledger.wallets WHERE owner_id = $1 FOR UPDATE")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM ledger.positions")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(q("SET LOCAL marginwatch.settling")).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, id := range []uuid.UUID{p1, p2} {
		mock.ExpectExec(q("UPDATE ledger.positions")).
			WithArgs(d("-50"), req.ClosedAt, id, owner).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(q("UPDATE ledger.wallets") + ".*" + q("GREATEST(margin_reserved - $2, 0)")).
		WithArgs(d("-100"), d("100"), req.ClosedAt, owner).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.ApplyLiquidation(context.Background(), req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLiquidationVersionMoved(t *testing.T) {
	store, mock := newMockStore(t)
	owner, p1 := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(8)))
	mock.ExpectRollback()

	err := store.ApplyLiquidation(context.Background(), liquidationRequest(owner, p1))
	assert.ErrorIs(t, err, ledger.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLiquidationOpenSetChanged(t *testing.T) {
	store, mock := newMockStore(t)
	owner, p1 := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))
	mock.ExpectQuery(q("SELECT COUNT(*)")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectRollback()

	err := store.ApplyLiquidation(context.Background(), liquidationRequest(owner, p1))
	assert.ErrorIs(t, err, ledger.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLiquidationRollsBackWhenPositionAlreadyClosed(t *testing.T) {
	store, mock := newMockStore(t)
	owner, p1, p2 := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))
	mock.ExpectQuery(q("SELECT COUNT(*)")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(q("SET LOCAL marginwatch.settling")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE ledger.positions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE ledger.positions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ApplyLiquidation(context.Background(), liquidationRequest(owner, p1, p2))
	assert.ErrorIs(t, err, ledger.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLiquidationMissingWallet(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs(owner).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.ApplyLiquidation(context.Background(), liquidationRequest(owner, uuid.New()))
	assert.True(t, ledger.IsInconsistent(err))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestPostgresStore_ApplyLiquidationSerializationFailureIsTransient(t *testing.T) {
	store, mock := newMockStore(t)
	owner, p1 := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))
	mock.ExpectQuery(q("SELECT COUNT(*)")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectExec(q("SET LOCAL marginwatch.settling")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE ledger.positions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE ledger.wallets")).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	err := store.ApplyLiquidation(context.Background(), liquidationRequest(owner, p1))
	assert.True(t, ledger.IsTransient(err), "err=%v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Test: ApplyRevoke
// ============================================================================

func TestPostgresStore_ApplyRevoke(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()

	mock.ExpectExec(q("SET extended_credit = 0")).
		WithArgs(owner, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ApplyRevoke(context.Background(), owner, 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyRevokeStale(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()

	mock.ExpectExec(q("SET extended_credit = 0")).
		WithArgs(owner, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.ApplyRevoke(context.Background(), owner, 4)
	assert.ErrorIs(t, err, ledger.ErrStaleSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyRevokeMissingWallet(t *testing.T) {
	store, mock := newMockStore(t)
	owner := uuid.New()

	mock.ExpectExec(q("SET extended_credit = 0")).
		WithArgs(owner, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs(owner).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.ApplyRevoke(context.Background(), owner, 4)
	assert.True(t, ledger.IsInconsistent(err))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
