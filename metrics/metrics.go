// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeNotModified = "not_modified"
	OutcomeError       = "error"
)

// Metrics bundles every collector. A nil *Metrics is valid and records
// nothing, which keeps test construction cheap.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	jwksRefreshes      *prometheus.CounterVec
	jwksKeys           *prometheus.GaugeVec
	configReloads      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Passing a nil
// registerer leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jwtgate",
			Name:      "evaluations_total",
			Help:      "Request evaluations by validator, result, and deny reason.",
		}, []string{"validator", "result", "reason"}),
		evaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jwtgate",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a request.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"validator"}),
		jwksRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jwtgate",
			Name:      "jwks_refreshes_total",
			Help:      "JWKS refresh attempts by authority and outcome.",
		}, []string{"authority", "outcome"}),
		jwksKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jwtgate",
			Name:      "jwks_keys",
			Help:      "Number of keys in the current snapshot per authority.",
		}, []string{"authority"}),
		configReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jwtgate",
			Name:      "config_reloads_total",
			Help:      "Configuration load attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// RecordEvaluation counts one request evaluation. The reason is empty for
// allowed requests.
func (m *Metrics) RecordEvaluation(validator, result, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(validator, result, reason).Inc()
	m.evaluationDuration.WithLabelValues(validator).Observe(elapsed.Seconds())
}

// RecordRefresh counts one JWKS refresh attempt.
func (m *Metrics) RecordRefresh(authority, outcome string) {
	if m == nil {
		return
	}
	m.jwksRefreshes.WithLabelValues(authority, outcome).Inc()
}

// SetKeyCount records the size of an authority's current snapshot.
func (m *Metrics) SetKeyCount(authority string, n int) {
	if m == nil {
		return
	}
	m.jwksKeys.WithLabelValues(authority).Set(float64(n))
}

// RecordReload counts one configuration load attempt.
func (m *Metrics) RecordReload(outcome string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(outcome).Inc()
}
