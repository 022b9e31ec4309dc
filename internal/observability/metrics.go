package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the custody ledger. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// --- Core Processing ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	Rollbacks      *prometheus.CounterVec
	ReleaseClamped prometheus.Counter
	CoreSequence   prometheus.Gauge

	// --- Policy ---
	TotalAdmittedUSD     prometheus.Gauge
	AdmissionCapUSD      prometheus.Gauge
	WithdrawalCeilingUSD prometheus.Gauge

	// --- Oracle ---
	OracleRejections *prometheus.CounterVec
	PriceRounds      *prometheus.CounterVec

	// --- Channel & Backpressure ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.0005, 0.001,
		0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
	}

	return &Metrics{
		// Core Processing
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_ops_rejected_total",
			Help: "Operations rejected, by error code",
		}, []string{"op", "code"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_core_op_duration_seconds",
			Help:    "Time to run one engine operation, including the custody transfer",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_rollbacks_total",
			Help: "Operations rolled back after a failed custody transfer",
		}, []string{"op"}),

		ReleaseClamped: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_core_release_clamped_total",
			Help: "Withdrawals whose valuation exceeded the admitted total",
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_core_sequence",
			Help: "Current global sequence number",
		}),

		// Policy
		TotalAdmittedUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_policy_total_admitted_usd",
			Help: "Running total of admitted deposit value in USD",
		}),

		AdmissionCapUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_policy_admission_cap_usd",
			Help: "Admission cap in USD",
		}),

		WithdrawalCeilingUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_policy_withdrawal_ceiling_usd",
			Help: "Per-withdrawal ceiling in USD",
		}),

		// Oracle
		OracleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_oracle_rejections_total",
			Help: "Valuations refused, by reason",
		}, []string{"reason"}),

		PriceRounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_price_rounds_total",
			Help: "Price rounds received from the feed",
		}, []string{"outcome"}),

		// Channel & Backpressure
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Persistence
		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_query_requests_total",
			Help: "Query requests",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_query_duration_seconds",
			Help:    "Query latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),
	}
}

// ObserveOp records the outcome of one engine operation. code is empty on success.
func (m *Metrics) ObserveOp(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(d.Seconds())
	if code == "" {
		m.OpsApplied.WithLabelValues(op).Inc()
		return
	}
	m.OpsRejected.WithLabelValues(op, code).Inc()
}

// ObservePolicy mirrors the policy scalars. Values are USD with 8 implied decimals.
func (m *Metrics) ObservePolicy(total, admissionCap, ceiling float64) {
	if m == nil {
		return
	}
	m.TotalAdmittedUSD.Set(total)
	m.AdmissionCapUSD.Set(admissionCap)
	m.WithdrawalCeilingUSD.Set(ceiling)
}

func (m *Metrics) ObserveSequence(seq int64) {
	if m == nil {
		return
	}
	m.CoreSequence.Set(float64(seq))
}

func (m *Metrics) ObserveRollback(op string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveReleaseClamped() {
	if m == nil {
		return
	}
	m.ReleaseClamped.Inc()
}

func (m *Metrics) ObserveOracleRejection(reason string) {
	if m == nil {
		return
	}
	m.OracleRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePriceRound(outcome string) {
	if m == nil {
		return
	}
	m.PriceRounds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePublishDrop() {
	if m == nil {
		return
	}
	m.PublishDrops.Inc()
}

func (m *Metrics) ObservePersistBackpressure() {
	if m == nil {
		return
	}
	m.PersistBackpressure.Inc()
}

// ObservePersistBatch records a committed batch.
func (m *Metrics) ObservePersistBatch(size int, lastSeq int64, d time.Duration) {
	if m == nil {
		return
	}
	m.PersistRecordsWritten.Add(float64(size))
	m.PersistBatchSize.Observe(float64(size))
	m.PersistBatchDur.Observe(d.Seconds())
	m.PersistLastSequence.Set(float64(lastSeq))
}

func (m *Metrics) ObservePersistError(errorType string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(errorType).Inc()
	m.PersistRetry.Inc()
}

func (m *Metrics) ObserveQuery(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(method, code).Inc()
	m.QueryDuration.WithLabelValues(method).Observe(d.Seconds())
}
