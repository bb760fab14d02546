package autorelease

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "autorelease"
	metricsSubsystem = "queue"
)

// Metrics holds the Prometheus collectors of one queue.
// A nil *Metrics records nothing.
type Metrics struct {
	// Length tracks the number of entries in the queue.
	Length prometheus.Gauge

	// Tick tracks the current value of the tick counter.
	Tick prometheus.Gauge

	// Prolonged counts prolong calls by visibility (public or private).
	Prolonged *prometheus.CounterVec

	// Released counts owned references given back by sweeps and clears.
	Released prometheus.Counter

	// Sweeps counts completed sweeps.
	Sweeps prometheus.Counter

	// SweepDuration measures how long one sweep takes, releases included.
	SweepDuration prometheus.Histogram

	// ScheduleFailures counts failed attempts to arm the sweep timer.
	ScheduleFailures prometheus.Counter

	// MigrationDropped counts legacy entries whose handle no longer resolved.
	MigrationDropped prometheus.Counter
}

// NewMetricsWithRegistry creates queue metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	length := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "length",
			Help:      "Number of prolonged objects waiting in the queue.",
		},
	)

	tick := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tick",
			Help:      "Current value of the wrap-around tick counter.",
		},
	)

	prolonged := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "prolonged_total",
			Help:      "Total number of prolong requests by visibility.",
		},
		[]string{"visibility"},
	)

	released := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "released_total",
			Help:      "Total number of owned references released.",
		},
	)

	sweeps := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sweeps_total",
			Help:      "Total number of completed sweeps.",
		},
	)

	sweepDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one sweep including releases.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	scheduleFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "schedule_failures_total",
			Help:      "Total number of times the sweep timer could not be armed.",
		},
	)

	migrationDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "migration_dropped_total",
			Help:      "Total number of legacy entries dropped because their handle did not resolve.",
		},
	)

	reg.MustRegister(length)
	reg.MustRegister(tick)
	reg.MustRegister(prolonged)
	reg.MustRegister(released)
	reg.MustRegister(sweeps)
	reg.MustRegister(sweepDuration)
	reg.MustRegister(scheduleFailures)
	reg.MustRegister(migrationDropped)

	return &Metrics{
		Length:           length,
		Tick:             tick,
		Prolonged:        prolonged,
		Released:         released,
		Sweeps:           sweeps,
		SweepDuration:    sweepDuration,
		ScheduleFailures: scheduleFailures,
		MigrationDropped: migrationDropped,
	}
}

// RecordProlong counts one prolong request.
func (m *Metrics) RecordProlong(isPublic bool, length int) {
	if m == nil {
		return
	}
	m.Prolonged.WithLabelValues(visibility(isPublic)).Inc()
	m.Length.Set(float64(length))
}

// RecordSweep records one completed sweep.
func (m *Metrics) RecordSweep(released, length int, tick TimePoint, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.Released.Add(float64(released))
	m.Length.Set(float64(length))
	m.Tick.Set(float64(tick))
	m.SweepDuration.Observe(elapsed.Seconds())
}

// RecordReset records the queue contents being replaced by a clear or a load.
func (m *Metrics) RecordReset(released, length int, tick TimePoint) {
	if m == nil {
		return
	}
	m.Released.Add(float64(released))
	m.Length.Set(float64(length))
	m.Tick.Set(float64(tick))
}

// RecordScheduleFailure counts one failed timer arm.
func (m *Metrics) RecordScheduleFailure() {
	if m == nil {
		return
	}
	m.ScheduleFailures.Inc()
}

// RecordMigrationDropped counts legacy entries dropped during a load.
func (m *Metrics) RecordMigrationDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MigrationDropped.Add(float64(n))
}

func visibility(isPublic bool) string {
	if isPublic {
		return "public"
	}
	return "private"
}
