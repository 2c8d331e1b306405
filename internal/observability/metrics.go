package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts gateway outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	terminations    *prometheus.CounterVec
}

// NewMetrics creates the gateway metrics and registers them on reg
// (or the default registerer if nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolgate",
			Name:      "requests_total",
			Help:      "Logical gateway requests by endpoint class and outcome.",
		}, []string{"endpoint", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolgate",
			Name:      "refreshes_total",
			Help:      "Access token refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schoolgate",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schoolgate",
			Name:      "session_terminations_total",
			Help:      "Sessions terminated by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.refreshes, m.refreshDuration, m.terminations} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}

	return m, nil
}

// ObserveRequest counts one finished logical request.
func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveRefresh counts one refresh network call and its duration.
func (m *Metrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// ObserveTermination counts one performed session termination.
func (m *Metrics) ObserveTermination(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}
