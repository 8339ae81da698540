package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"platecore/internal/tier"
	"platecore/pkg/domain"
)

// Resolution outcomes.
const (
	OutcomeCached = "cached"
	OutcomeBuilt  = "built"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
)

// Metrics records tier lookups and plate resolutions. A nil *Metrics
// records nothing.
type Metrics struct {
	tierLookups   *prometheus.CounterVec
	tierDuration  *prometheus.HistogramVec
	resolutions   *prometheus.CounterVec
	resolveTiming *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tierLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "platecore",
				Subsystem: "tier",
				Name:      "lookups_total",
				Help:      "Total number of tier lookups by tier and status",
			},
			[]string{"tier", "status"},
		),
		tierDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "platecore",
				Subsystem: "tier",
				Name:      "lookup_duration_seconds",
				Help:      "Duration of tier lookups in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 900},
			},
			[]string{"tier"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "platecore",
				Subsystem: "resolve",
				Name:      "plates_total",
				Help:      "Total number of plate resolutions by category, source and outcome",
			},
			[]string{"category", "source", "outcome"},
		),
		resolveTiming: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "platecore",
				Subsystem: "resolve",
				Name:      "duration_seconds",
				Help:      "Duration of plate resolutions in seconds",
				Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900, 1800},
			},
			[]string{"category"},
		),
	}
}

// TierLookup implements tier.Observer.
func (m *Metrics) TierLookup(t tier.Name, status tier.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tierLookups.WithLabelValues(string(t), string(status)).Inc()
	m.tierDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

// Resolution records one finished resolution.
func (m *Metrics) Resolution(category domain.Category, source tier.Name, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.resolutions.WithLabelValues(string(category), string(source), outcome).Inc()
	m.resolveTiming.WithLabelValues(string(category)).Observe(elapsed.Seconds())
}
