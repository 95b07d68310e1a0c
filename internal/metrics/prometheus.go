package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit breaker states as exported by CircuitBreakerState
const (
	BreakerClosed   = 0.0
	BreakerHalfOpen = 1.0
	BreakerOpen     = 2.0
)

// Metrics holds all Prometheus metrics for airsync. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Counters
	RequestsTotal    *prometheus.CounterVec
	ReadingsFetched  *prometheus.CounterVec
	ReadingsExisting *prometheus.CounterVec
	ReadingsSaved    *prometheus.CounterVec
	KeyRotations     prometheus.Counter
	Resorts          *prometheus.CounterVec
	SensorErrors     *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec

	// Gauges
	RunDuration         prometheus.Gauge
	LastSuccess         prometheus.Gauge
	RunInProgress       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	// Histograms
	BatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_requests_total",
				Help: "Total number of history requests issued, by outcome",
			},
			[]string{"status"},
		),

		ReadingsFetched: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_readings_fetched_total",
				Help: "Total number of readings returned by the remote service",
			},
			[]string{"location", "sensor"},
		),

		ReadingsExisting: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_readings_existing_total",
				Help: "Total number of fetched readings already present in the dataset",
			},
			[]string{"location", "sensor"},
		),

		ReadingsSaved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_readings_saved_total",
				Help: "Total number of readings appended to datasets",
			},
			[]string{"location", "sensor"},
		),

		KeyRotations: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "airsync_key_rotations_total",
				Help: "Total number of API key rotations",
			},
		),

		Resorts: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_resorts_total",
				Help: "Total number of dataset re-sorts after a backfill",
			},
			[]string{"location", "sensor"},
		),

		SensorErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_sensor_errors_total",
				Help: "Total number of sensor synchronization failures",
			},
			[]string{"location", "error_type"},
		),

		RunsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "airsync_runs_total",
				Help: "Total number of synchronization runs, by outcome",
			},
			[]string{"status"},
		),

		RunDuration: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "airsync_run_duration_seconds",
				Help: "Duration of the last synchronization run in seconds",
			},
		),

		LastSuccess: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "airsync_last_success_timestamp",
				Help: "Timestamp of the last successful synchronization run",
			},
		),

		RunInProgress: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "airsync_run_in_progress",
				Help: "Whether a synchronization run is currently executing",
			},
		),

		CircuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "airsync_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		BatchDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airsync_batch_duration_seconds",
				Help:    "Duration of one fetch-and-merge batch in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"location"},
		),
	}

	return m
}

// RecordRequest records one remote request and its outcome
func (m *Metrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.With(prometheus.Labels{"status": status}).Inc()
}

// RecordBatch records the counters of one merged batch
func (m *Metrics) RecordBatch(location string, sensorID, measurements, existing, saved int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"location": location,
		"sensor":   strconv.Itoa(sensorID),
	}

	m.ReadingsFetched.With(labels).Add(float64(measurements))
	m.ReadingsExisting.With(labels).Add(float64(existing))
	m.ReadingsSaved.With(labels).Add(float64(saved))
	m.BatchDuration.With(prometheus.Labels{"location": location}).Observe(duration.Seconds())
}

// RecordRotation records an API key rotation
func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.KeyRotations.Inc()
}

// RecordResort records a dataset re-sort
func (m *Metrics) RecordResort(location string, sensorID int) {
	if m == nil {
		return
	}
	m.Resorts.With(prometheus.Labels{
		"location": location,
		"sensor":   strconv.Itoa(sensorID),
	}).Inc()
}

// RecordSensorError records a failed sensor
func (m *Metrics) RecordSensorError(location, errorType string) {
	if m == nil {
		return
	}
	m.SensorErrors.With(prometheus.Labels{
		"location":   location,
		"error_type": errorType,
	}).Inc()
}

// RecordRun records the outcome of a finished run
func (m *Metrics) RecordRun(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "succeeded"
		m.LastSuccess.SetToCurrentTime()
	}
	m.RunsTotal.With(prometheus.Labels{"status": status}).Inc()
	m.RunDuration.Set(duration.Seconds())
}

// SetRunInProgress flags whether a run is executing
func (m *Metrics) SetRunInProgress(running bool) {
	if m == nil {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	m.RunInProgress.Set(value)
}

// SetCircuitBreakerState records the state of a named circuit breaker
func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.With(prometheus.Labels{"name": name}).Set(state)
}

// WriteTextfile writes everything gathered by g to path in the text exposition
// format, for node_exporter's textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
