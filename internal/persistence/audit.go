package persistence

import (
	"MarginWatch/internal/event"
	"MarginWatch/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var ErrAuditQueueFull = errors.New("audit: queue full, record dropped")

// DecisionRecord is one row of risk.decision_log.
type DecisionRecord struct {
	EventID         uuid.UUID
	IdempotencyKey  string
	TickID          uuid.UUID
	OwnerID         uuid.UUID
	Action          string
	AccountVersion  int64
	MarginLevel     string
	Equity          decimal.Decimal
	UnrealizedPnl   decimal.Decimal
	ReleasedMargin  decimal.Decimal
	RealizedTotal   decimal.Decimal
	PositionsClosed int
	OccurredAt      time.Time
}

const decisionColumns = 13

func RecordFromEvent(evt *event.RiskEvent) DecisionRecord {
	return DecisionRecord{
		EventID:         evt.EventID,
		IdempotencyKey:  evt.IdempotencyKey(),
		TickID:          evt.TickID,
		OwnerID:         evt.OwnerID,
		Action:          string(evt.Type),
		AccountVersion:  evt.AccountVersion,
		MarginLevel:     evt.MarginLevel,
		Equity:          evt.Equity,
		UnrealizedPnl:   evt.UnrealizedPnl,
		ReleasedMargin:  evt.ReleasedMargin,
		RealizedTotal:   evt.RealizedTotal,
		PositionsClosed: len(evt.Closures),
		OccurredAt:      evt.OccurredAt,
	}
}

// DecisionLogWriter writes decision records using multi-row INSERTs.
type DecisionLogWriter struct {
	db *sql.DB
}

func NewDecisionLogWriter(db *sql.DB) *DecisionLogWriter {
	return &DecisionLogWriter{db: db}
}

// WriteBatch inserts records, ignoring ones whose idempotency key was
// already logged.
func (w *DecisionLogWriter) WriteBatch(ctx context.Context, records []DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO risk.decision_log
		(event_id, idempotency_key, tick_id, owner_id, action, account_version, margin_level,
		 equity, unrealized_pnl, released_margin, realized_total, positions_closed, occurred_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*decisionColumns)

	for i, r := range records {
		placeholders := make([]string, decisionColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*decisionColumns+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.EventID, r.IdempotencyKey, r.TickID, r.OwnerID, r.Action, r.AccountVersion, r.MarginLevel,
			r.Equity, r.UnrealizedPnl, r.ReleasedMargin, r.RealizedTotal, r.PositionsClosed, r.OccurredAt,
		)
	}

	query += strings.Join(values, ", ") + " ON CONFLICT (idempotency_key) DO NOTHING"

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert decision log batch (%d rows): %w", len(records), err)
	}
	return nil
}

// AuditConfig tunes the AuditWorker.
type AuditConfig struct {
	QueueSize      int
	BatchSize      int
	FlushTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		QueueSize:      1024,
		BatchSize:      100,
		FlushTimeout:   time.Second,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// AuditWorker batches risk events into risk.decision_log. Deliver never
// blocks: when the queue is full the record is dropped and counted, so the
// risk loop is never held back by the audit trail.
type AuditWorker struct {
	writer  *DecisionLogWriter
	input   chan DecisionRecord
	cfg     AuditConfig
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewAuditWorker(db *sql.DB, cfg AuditConfig, metrics *observability.Metrics) *AuditWorker {
	def := DefaultAuditConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	return &AuditWorker{
		writer:  NewDecisionLogWriter(db),
		input:   make(chan DecisionRecord, cfg.QueueSize),
		cfg:     cfg,
		metrics: metrics,
		log:     observability.NewLogger("audit"),
	}
}

func (aw *AuditWorker) Name() string { return "audit" }

// Deliver queues evt for the next batch.
func (aw *AuditWorker) Deliver(_ context.Context, evt *event.RiskEvent) error {
	select {
	case aw.input <- RecordFromEvent(evt):
		return nil
	default:
		if aw.metrics != nil {
			aw.metrics.AuditDrops.Inc()
		}
		return ErrAuditQueueFull
	}
}

// Run batches queued records and flushes when the batch is full or the
// flush timeout expires. On ctx cancellation it drains the queue, makes a
// final flush and returns.
func (aw *AuditWorker) Run(ctx context.Context) error {
	batch := make([]DecisionRecord, 0, aw.cfg.BatchSize)

	timer := time.NewTimer(aw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case rec := <-aw.input:
					batch = append(batch, rec)
				default:
					drained = true
				}
			}
			if len(batch) > 0 {
				if err := aw.flush(context.Background(), batch); err != nil {
					aw.log.Error().Err(err).Int("records", len(batch)).Msg("final audit flush failed")
				}
			}
			return ctx.Err()

		case rec := <-aw.input:
			batch = append(batch, rec)
			if len(batch) >= aw.cfg.BatchSize {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.log.Error().Err(err).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(aw.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.log.Error().Err(err).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(aw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries transient failures with exponential backoff until
// the write succeeds or ctx is cancelled, in which case one last attempt is
// made on a fresh context. A permanent failure drops the batch.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, batch []DecisionRecord) error {
	backoff := aw.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			aw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("records", len(batch)).Msg("retrying audit flush")
			if aw.metrics != nil {
				aw.metrics.AuditRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := aw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > aw.cfg.MaxBackoff {
				backoff = aw.cfg.MaxBackoff
			}
		}

		err := aw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				aw.log.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		if !isTransient(err) {
			aw.log.Error().Err(err).Int("records", len(batch)).Msg("audit flush failed permanently, dropping batch")
			if aw.metrics != nil {
				aw.metrics.AuditDrops.Add(float64(len(batch)))
			}
			return fmt.Errorf("drop audit batch: %w", err)
		}
		aw.log.Warn().Err(err).Msg("audit flush failed")
	}
}

func (aw *AuditWorker) flush(ctx context.Context, batch []DecisionRecord) error {
	start := time.Now()
	if err := aw.writer.WriteBatch(ctx, batch); err != nil {
		if aw.metrics != nil {
			aw.metrics.AuditErrors.Inc()
		}
		return err
	}

	if aw.metrics != nil {
		aw.metrics.AuditWritten.Add(float64(len(batch)))
		aw.metrics.AuditBatchSize.Observe(float64(len(batch)))
		aw.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
	}
	return nil
}
