package metrics

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func getHistogram(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Histogram {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.Metric {
			if metricMatchesLabels(metric, labels) {
				return metric.GetHistogram()
			}
		}
	}

	return nil
}

func metricMatchesLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}

	for _, lp := range metric.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}

	return true
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only show up once a label set has been touched.
	m.RecordRotation()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if len(families) == 0 {
		t.Fatalf("expected registered collectors, got none")
	}
}

func TestRecordBatchUpdatesCountersAndHistogram(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordBatch("patras", 749, 100, 30, 70, 500*time.Millisecond)

	if got := testutil.ToFloat64(m.ReadingsFetched.WithLabelValues("patras", "749")); got != 100 {
		t.Fatalf("expected fetched counter 100, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReadingsExisting.WithLabelValues("patras", "749")); got != 30 {
		t.Fatalf("expected existing counter 30, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReadingsSaved.WithLabelValues("patras", "749")); got != 70 {
		t.Fatalf("expected saved counter 70, got %v", got)
	}

	hist := getHistogram(t, reg, "airsync_batch_duration_seconds", map[string]string{"location": "patras"})
	if hist == nil {
		t.Fatalf("expected histogram data for batch duration")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram sample count 1, got %d", hist.GetSampleCount())
	}
	if math.Abs(hist.GetSampleSum()-0.5) > 0.0001 {
		t.Fatalf("expected histogram sum close to 0.5, got %f", hist.GetSampleSum())
	}
}

func TestRecordRequestAndRotation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest("success")
	m.RecordRequest("success")
	m.RecordRequest("rate_limited")
	m.RecordRotation()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("rate_limited")); got != 1 {
		t.Fatalf("expected 1 rate limited request, got %v", got)
	}
	if got := testutil.ToFloat64(m.KeyRotations); got != 1 {
		t.Fatalf("expected 1 rotation, got %v", got)
	}
}

func TestRecordRunSetsLastSuccessOnlyOnSuccess(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRun(false, 3*time.Second)
	if got := testutil.ToFloat64(m.LastSuccess); got != 0 {
		t.Fatalf("expected last success unset after failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunDuration); got != 3 {
		t.Fatalf("expected run duration 3, got %v", got)
	}

	m.RecordRun(true, time.Second)
	if got := testutil.ToFloat64(m.LastSuccess); got <= 0 {
		t.Fatalf("expected last success timestamp to be set, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected one failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected one succeeded run, got %v", got)
	}
}

func TestGaugesAndSensorErrors(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetRunInProgress(true)
	if got := testutil.ToFloat64(m.RunInProgress); got != 1 {
		t.Fatalf("expected run in progress gauge 1, got %v", got)
	}
	m.SetRunInProgress(false)
	if got := testutil.ToFloat64(m.RunInProgress); got != 0 {
		t.Fatalf("expected run in progress gauge 0, got %v", got)
	}

	m.SetCircuitBreakerState("purpleair", BreakerOpen)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("purpleair")); got != BreakerOpen {
		t.Fatalf("expected breaker state open, got %v", got)
	}

	m.RecordSensorError("athens", "io")
	m.RecordResort("athens", 1)
	if got := testutil.ToFloat64(m.SensorErrors.WithLabelValues("athens", "io")); got != 1 {
		t.Fatalf("expected sensor error counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.Resorts.WithLabelValues("athens", "1")); got != 1 {
		t.Fatalf("expected resort counter 1, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRequest("success")
	m.RecordBatch("x", 1, 1, 0, 1, time.Millisecond)
	m.RecordRotation()
	m.RecordResort("x", 1)
	m.RecordSensorError("x", "io")
	m.RecordRun(true, time.Second)
	m.SetRunInProgress(true)
	m.SetCircuitBreakerState("x", BreakerClosed)
}

func TestWriteTextfile(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRequest("success")

	path := filepath.Join(t.TempDir(), "airsync.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), `airsync_requests_total{status="success"} 1`) {
		t.Fatalf("expected request counter in textfile, got:\n%s", data)
	}
}
