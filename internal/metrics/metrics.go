// Package metrics holds the Prometheus instruments for the migration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MigrationsTotal counts per-target migration attempts by phase and result
	// (completed, failed, skipped).
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "migration_service_migrations_total",
		Help: "Per-target migration attempts by phase and result.",
	}, []string{"phase", "result"})

	// PhaseDuration observes wall-clock duration of each orchestration phase.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "migration_service_phase_duration_seconds",
		Help:    "Wall-clock duration of each orchestration phase.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"phase"})

	// LocksSwept counts expired lock rows reaped at run start.
	LocksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "migration_service_locks_swept_total",
		Help: "Expired lock rows reaped.",
	})
)
