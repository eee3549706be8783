package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records fetch activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	breakerSkips  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	sourceResults *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantmatch",
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "HTTP fetch attempts by domain and outcome.",
		}, []string{"domain", "outcome"}),
		breakerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantmatch",
			Subsystem: "fetch",
			Name:      "breaker_skips_total",
			Help:      "URLs skipped because their domain circuit was open.",
		}, []string{"domain"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grantmatch",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of single fetch attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain"}),
		sourceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantmatch",
			Subsystem: "fetch",
			Name:      "source_results_total",
			Help:      "Per-source fetch results by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.breakerSkips, m.duration, m.sourceResults)
	}
	return m
}

func (m *Metrics) observeAttempt(domain string, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(domain, outcome).Inc()
	m.duration.WithLabelValues(domain).Observe(took.Seconds())
}

func (m *Metrics) breakerSkip(domain string) {
	if m == nil {
		return
	}
	m.breakerSkips.WithLabelValues(domain).Inc()
}

func (m *Metrics) sourceResult(outcome string) {
	if m == nil {
		return
	}
	m.sourceResults.WithLabelValues(outcome).Inc()
}
