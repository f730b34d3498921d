package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	SessionRuns        *prometheus.CounterVec
	SessionRunDuration prometheus.Histogram
	Pairs              *prometheus.CounterVec
	CommissionPostings *prometheus.CounterVec
	CommissionAmount   *prometheus.CounterVec
	StoreRetries       prometheus.Counter
	StuckWindows       prometheus.Gauge
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			SessionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_runs_total",
				Help:      "Total session window runs by outcome.",
			}, []string{"status"}),
			SessionRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_run_duration_seconds",
				Help:      "Duration of session window runs.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			}),
			Pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairs_total",
				Help:      "Pairs created or promoted, by resulting state.",
			}, []string{"state"}),
			CommissionPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commission_postings_total",
				Help:      "Commission entries posted, by type.",
			}, []string{"type"}),
			CommissionAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commission_amount_total",
				Help:      "Commission amount posted, by type.",
			}, []string{"type"}),
			StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Transactions retried after a transient store conflict.",
			}),
			StuckWindows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stuck_windows",
				Help:      "Session windows left running with an expired lease.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.SessionRuns,
			metricsInstance.SessionRunDuration,
			metricsInstance.Pairs,
			metricsInstance.CommissionPostings,
			metricsInstance.CommissionAmount,
			metricsInstance.StoreRetries,
			metricsInstance.StuckWindows,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// The helpers below accept a nil receiver so components can run without metrics.

// ObserveRun records one window run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionRuns.WithLabelValues(status).Inc()
	m.SessionRunDuration.Observe(elapsed.Seconds())
}

// AddPairs counts pairs by state.
func (m *Metrics) AddPairs(state string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Pairs.WithLabelValues(state).Add(float64(n))
}

// ObservePosting counts one commission posting.
func (m *Metrics) ObservePosting(typ string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.CommissionPostings.WithLabelValues(typ).Inc()
	m.CommissionAmount.WithLabelValues(typ).Add(amount.InexactFloat64())
}

// IncRetry counts a retried transaction.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.StoreRetries.Inc()
}

// SetStuckWindows reports the stuck window gauge.
func (m *Metrics) SetStuckWindows(n int) {
	if m == nil {
		return
	}
	m.StuckWindows.Set(float64(n))
}

// IncError counts an error for a component.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
