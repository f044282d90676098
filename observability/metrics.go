package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics captures metrics for the HTTP API surface.
type APIMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *APIMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	enrollmentMetricsOnce sync.Once
	enrollmentRegistry    *EnrollmentMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// HTTPMetrics returns the lazily-initialised registry used to record API
// request activity.
func HTTPMetrics() *APIMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rez",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// LedgerMetrics captures metrics for budget ledger operations.
type LedgerMetrics struct {
	entries  *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	amounts  *prometheus.HistogramVec
	balances *prometheus.GaugeVec
}

// Ledger returns the singleton metrics registry for the budget ledger.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Count of appended ledger entries segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Count of ledger failures segmented by type and reason.",
			}, []string{"type", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rez",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			amounts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rez",
				Subsystem: "ledger",
				Name:      "entry_amount_coins",
				Help:      "Distribution of entry amounts in whole brand coins.",
				Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
			}, []string{"type"}),
			balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rez",
				Subsystem: "ledger",
				Name:      "sponsor_balance_coins",
				Help:      "Last observed unallocated balance per sponsor.",
			}, []string{"sponsor"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.entries,
			ledgerRegistry.errors,
			ledgerRegistry.latency,
			ledgerRegistry.amounts,
			ledgerRegistry.balances,
		)
	})
	return ledgerRegistry
}

// Observe records the execution metrics for one ledger operation. The reason
// must come from the caller's fixed failure taxonomy so the label set stays
// bounded; an empty reason means the operation succeeded.
func (m *LedgerMetrics) Observe(entryType, reason string, amount int64, duration time.Duration) {
	if m == nil {
		return
	}
	t := strings.TrimSpace(entryType)
	if t == "" {
		t = "unknown"
	}
	if reason != "" {
		m.errors.WithLabelValues(t, reason).Inc()
		m.entries.WithLabelValues(t, "error").Inc()
	} else {
		m.amounts.WithLabelValues(t).Observe(float64(amount))
		m.entries.WithLabelValues(t, "success").Inc()
	}
	m.latency.WithLabelValues(t).Observe(duration.Seconds())
}

// RecordBalance updates the balance gauge for a sponsor.
func (m *LedgerMetrics) RecordBalance(sponsorID string, balance int64) {
	if m == nil {
		return
	}
	if sponsorID = strings.TrimSpace(sponsorID); sponsorID == "" {
		return
	}
	m.balances.WithLabelValues(sponsorID).Set(float64(balance))
}

// EnrollmentMetrics bundles collectors for the participation lifecycle.
type EnrollmentMetrics struct {
	transitions *prometheus.CounterVec
	checkIns    *prometheus.CounterVec
	rewards     *prometheus.CounterVec
	rewardCoins *prometheus.CounterVec
}

// Enrollments exposes the metrics registry for the enrollment service.
func Enrollments() *EnrollmentMetrics {
	enrollmentMetricsOnce.Do(func() {
		enrollmentRegistry = &EnrollmentMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "enrollment",
				Name:      "transitions_total",
				Help:      "Count of enrollment state transitions segmented by target state and outcome.",
			}, []string{"to", "outcome"}),
			checkIns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "enrollment",
				Name:      "check_ins_total",
				Help:      "Count of successful check-ins segmented by verification method.",
			}, []string{"method"}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "enrollment",
				Name:      "reward_disbursements_total",
				Help:      "Count of reward disbursements segmented by outcome.",
			}, []string{"outcome"}),
			rewardCoins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "enrollment",
				Name:      "reward_coins_total",
				Help:      "Total coins awarded segmented by coin kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			enrollmentRegistry.transitions,
			enrollmentRegistry.checkIns,
			enrollmentRegistry.rewards,
			enrollmentRegistry.rewardCoins,
		)
	})
	return enrollmentRegistry
}

// RecordTransition increments the transition counter for the supplied target
// state.
func (m *EnrollmentMetrics) RecordTransition(to string, err error) {
	if m == nil {
		return
	}
	if to = strings.TrimSpace(to); to == "" {
		to = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.transitions.WithLabelValues(to, outcome).Inc()
}

// RecordCheckIn increments the check-in counter for a verification method.
func (m *EnrollmentMetrics) RecordCheckIn(method string) {
	if m == nil {
		return
	}
	if method = strings.TrimSpace(method); method == "" {
		method = "manual"
	}
	m.checkIns.WithLabelValues(method).Inc()
}

// RecordReward records a disbursement attempt and, on success, the coin
// amounts credited.
func (m *EnrollmentMetrics) RecordReward(rez, brand int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.rewards.WithLabelValues("error").Inc()
		return
	}
	m.rewards.WithLabelValues("success").Inc()
	if rez > 0 {
		m.rewardCoins.WithLabelValues("rez").Add(float64(rez))
	}
	if brand > 0 {
		m.rewardCoins.WithLabelValues("brand").Add(float64(brand))
	}
}

// ReconMetrics tracks the nightly ledger reconciliation sweeps.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	lastRun   prometheus.Gauge
}

// Recon exposes the metrics registry for the reconciler.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Count of reconciliation sweeps segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rez",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Count of detected ledger anomalies segmented by kind.",
			}, []string{"kind"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rez",
				Subsystem: "recon",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix timestamp of the last completed reconciliation sweep.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.runs,
			reconRegistry.anomalies,
			reconRegistry.lastRun,
		)
	})
	return reconRegistry
}

// RecordRun records the completion of a sweep at the supplied time.
func (m *ReconMetrics) RecordRun(at time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.lastRun.Set(float64(at.Unix()))
}

// RecordAnomaly increments the anomaly counter for the supplied kind.
func (m *ReconMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unspecified"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}
