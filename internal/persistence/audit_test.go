package persistence_test

import (
	"MarginWatch/internal/event"
	"MarginWatch/internal/observability"
	"MarginWatch/internal/persistence"
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liquidatedEvent() *event.RiskEvent {
	return &event.RiskEvent{
		EventID:        uuid.New(),
		TickID:         uuid.New(),
		Type:           event.TypeAccountLiquidated,
		OwnerID:        uuid.New(),
		AccountVersion: 3,
		MarginLevel:    "-90.00",
		Equity:         d("-90"),
		UnrealizedPnl:  d("-100"),
		Closures: []event.ClosedPosition{
			{PositionID: uuid.New(), RealizedPnl: d("-100"), ReleasedMargin: d("100")},
		},
		ReleasedMargin: d("100"),
		RealizedTotal:  d("-100"),
		OccurredAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecordFromEvent(t *testing.T) {
	evt := liquidatedEvent()
	rec := persistence.RecordFromEvent(evt)

	assert.Equal(t, evt.EventID, rec.EventID)
	assert.Equal(t, evt.IdempotencyKey(), rec.IdempotencyKey)
	assert.Equal(t, "account_liquidated", rec.Action)
	assert.Equal(t, 1, rec.PositionsClosed)
	assert.True(t, rec.RealizedTotal.Equal(d("-100")))
}

func TestDecisionLogWriter_WriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, b := persistence.RecordFromEvent(liquidatedEvent()), persistence.RecordFromEvent(liquidatedEvent())

	mock.ExpectExec(q("INSERT INTO risk.decision_log") + ".*" +
		q("($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13), ($14,") + ".*" +
		q("ON CONFLICT (idempotency_key) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	w := persistence.NewDecisionLogWriter(db)
	require.NoError(t, w.WriteBatch(context.Background(), []persistence.DecisionRecord{a, b}))
	require.NoError(t, w.WriteBatch(context.Background(), nil), "empty batch is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_FlushesFullBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnResult(sqlmock.NewResult(0, 2))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	aw := persistence.NewAuditWorker(db, persistence.AuditConfig{
		QueueSize:    8,
		BatchSize:    2,
		FlushTimeout: time.Hour,
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- aw.Run(ctx) }()

	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))
	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))

	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.AuditWritten) == 2 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_FlushesOnTimeoutAndRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnResult(sqlmock.NewResult(0, 1))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	aw := persistence.NewAuditWorker(db, persistence.AuditConfig{
		QueueSize:      8,
		BatchSize:      100,
		FlushTimeout:   10 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aw.Run(ctx)

	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))

	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.AuditWritten) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditErrors))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_DropsBatchOnPermanentFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Missing table: retrying cannot help.
	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnError(&pq.Error{Code: "42P01"})
	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnResult(sqlmock.NewResult(0, 1))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	aw := persistence.NewAuditWorker(db, persistence.AuditConfig{
		QueueSize:      8,
		BatchSize:      1,
		FlushTimeout:   time.Hour,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go aw.Run(ctx)

	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.AuditDrops) == 1 },
		2*time.Second, 5*time.Millisecond)

	// The worker keeps going with the next batch.
	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.AuditWritten) == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.AuditRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditErrors))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_DropsWhenQueueFull(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	aw := persistence.NewAuditWorker(db, persistence.AuditConfig{QueueSize: 1, BatchSize: 10}, metrics)

	// Run is not started, so the queue never drains.
	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))
	err = aw.Deliver(context.Background(), liquidatedEvent())
	assert.ErrorIs(t, err, persistence.ErrAuditQueueFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditDrops))
	assert.Equal(t, "audit", aw.Name())
}

func TestAuditWorker_FinalFlushOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(q("INSERT INTO risk.decision_log")).WillReturnResult(sqlmock.NewResult(0, 2))

	aw := persistence.NewAuditWorker(db, persistence.AuditConfig{QueueSize: 8, BatchSize: 100, FlushTimeout: time.Hour}, nil)
	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))
	require.NoError(t, aw.Deliver(context.Background(), liquidatedEvent()))

	// Already cancelled: Run drains the queue and flushes once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, aw.Run(ctx), context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
