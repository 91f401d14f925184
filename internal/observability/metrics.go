// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Engine metrics
	DaysStepped          prometheus.Counter
	SimulationsStarted   prometheus.Counter
	SimulationsCompleted prometheus.Counter
	SimulationsFailed    prometheus.Counter
	ActiveSimulations    prometheus.Gauge

	// Position metrics
	PositionsOpened    prometheus.Counter
	PositionsClosed    *prometheus.CounterVec // by exit reason
	PositionsCancelled *prometheus.CounterVec // by cancel reason

	// Latency metrics
	StepDuration   prometheus.Histogram
	CommitDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "equity_sim_lab"
	}

	return &Metrics{
		DaysStepped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "days_stepped_total",
			Help:      "Total number of simulation days stepped",
		}),
		SimulationsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "simulations_started_total",
			Help:      "Total number of simulations initialized",
		}),
		SimulationsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "simulations_completed_total",
			Help:      "Total number of simulations run to completion",
		}),
		SimulationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "simulations_failed_total",
			Help:      "Total number of simulations that failed",
		}),
		ActiveSimulations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_simulations",
			Help:      "Number of simulations with live in-memory caches",
		}),
		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Total number of positions filled",
		}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Total number of open positions closed",
		}, []string{"reason"}),
		PositionsCancelled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "cancelled_total",
			Help:      "Total number of pending positions cancelled before fill",
		}, []string{"reason"}),
		StepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of one full day-step",
			Buckets:   prometheus.DefBuckets,
		}),
		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commit_duration_seconds",
			Help:      "Duration of the atomic day commit",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns an http.Handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
