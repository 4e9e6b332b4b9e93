package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginWatch.
type Metrics struct {
	// --- Watcher loop ---
	WatcherRunning  prometheus.Gauge
	Ticks           *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	AccountsScanned prometheus.Counter
	LastTickUnix    prometheus.Gauge

	// --- Per-account outcomes ---
	AccountResults      *prometheus.CounterVec
	MarginLevel         prometheus.Histogram
	PositionsLiquidated prometheus.Counter
	UnknownSides        prometheus.Counter
	ReservedMismatch    prometheus.Counter

	// --- Store ---
	StoreErrors   *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec

	// --- Sinks ---
	EventsPublished *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	TickCommands    *prometheus.CounterVec

	// --- Audit log ---
	AuditWritten   prometheus.Counter
	AuditDrops     prometheus.Counter
	AuditBatchSize prometheus.Histogram
	AuditBatchDur  prometheus.Histogram
	AuditRetry     prometheus.Counter
	AuditErrors    prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

	return &Metrics{
		// Watcher loop
		WatcherRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "mw_watcher_running",
			Help: "1 while the watcher loop is running",
		}),

		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_ticks_total",
			Help: "Ticks by outcome (completed, skipped_overlap, failed)",
		}, []string{"outcome"}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_tick_duration_seconds",
			Help:    "Wall time of one full scan",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		AccountsScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_accounts_scanned_total",
			Help: "At-risk accounts evaluated",
		}),

		LastTickUnix: f.NewGauge(prometheus.GaugeOpts{
			Name: "mw_last_tick_timestamp_seconds",
			Help: "Completion time of the last finished tick",
		}),

		// Per-account outcomes
		AccountResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_account_results_total",
			Help: "Per-account results (noop, revoked, liquidated, skipped, failed)",
		}, []string{"outcome"}),

		MarginLevel: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_margin_level_percent",
			Help:    "Observed finite margin levels",
			Buckets: []float64{-100, 0, 15, 30, 50, 100, 200, 500, 1000},
		}),

		PositionsLiquidated: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_positions_liquidated_total",
			Help: "Positions force-closed",
		}),

		UnknownSides: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_unknown_side_positions_total",
			Help: "Positions with an unrecognized side label treated as long",
		}),

		ReservedMismatch: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_reserved_mismatch_total",
			Help: "Accounts whose reserved margin differs from the sum over open positions",
		}),

		// Store
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_store_errors_total",
			Help: "Store errors by operation and kind (transient, stale, inconsistent, other)",
		}, []string{"op", "kind"}),

		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mw_store_op_duration_seconds",
			Help:    "Store operation latency",
			Buckets: dbBuckets,
		}, []string{"op"}),

		// Sinks
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_events_published_total",
			Help: "Risk events published",
		}, []string{"type"}),

		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_sink_errors_total",
			Help: "Failed deliveries to outcome sinks",
		}, []string{"sink"}),

		TickCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_tick_commands_total",
			Help: "On-demand tick commands received over NATS",
		}, []string{"result"}),

		// Audit log
		AuditWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_audit_records_written_total",
			Help: "Decision log rows written",
		}),

		AuditDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_audit_drops_total",
			Help: "Decision log rows dropped due to a full queue or a permanent write failure",
		}),

		AuditBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_audit_batch_size",
			Help:    "Rows per decision log batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_audit_batch_duration_seconds",
			Help:    "Decision log batch write duration",
			Buckets: dbBuckets,
		}),

		AuditRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_audit_retry_total",
			Help: "Decision log batch retries",
		}),

		AuditErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mw_audit_errors_total",
			Help: "Decision log batch write failures",
		}),
	}
}
