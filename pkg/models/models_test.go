package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunReportJSONMarshalling(t *testing.T) {
	started := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	report := RunReport{
		ID:            "run-1",
		Status:        RunSucceeded,
		StartedAt:     started,
		FinishedAt:    started.Add(90 * time.Second),
		Duration:      Duration(90 * time.Second),
		TotalRequests: 4,
		Sensors: []SensorReport{
			{Sensor: Sensor{Location: "patras", ID: 749}, Measurements: 100, Existing: 30, Saved: 70},
		},
	}

	payload, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("failed to marshal run report: %v", err)
	}

	jsonStr := string(payload)
	expectedSnippets := []string{
		`"status":"succeeded"`,
		`"duration":"1m30s"`,
		`"total_requests":4`,
		`"location":"patras"`,
		`"saved":70`,
	}

	for _, snippet := range expectedSnippets {
		if !strings.Contains(jsonStr, snippet) {
			t.Fatalf("expected JSON payload to contain %s, got %s", snippet, jsonStr)
		}
	}

	if got := report.Saved(); got != 70 {
		t.Fatalf("expected 70 saved rows, got %d", got)
	}
}

func TestSortReadingsIsStable(t *testing.T) {
	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	readings := []Reading{
		{Timestamp: base.Add(2 * time.Hour), Values: []string{"c"}},
		{Timestamp: base, Values: []string{"a1"}},
		{Timestamp: base.Add(time.Hour), Values: []string{"b"}},
		{Timestamp: base, Values: []string{"a2"}},
	}

	SortReadings(readings)

	want := []string{"a1", "a2", "b", "c"}
	for i, r := range readings {
		if r.Values[0] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], r.Values[0])
		}
	}

	latest, ok := MaxTimestamp(readings)
	if !ok || !latest.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected max timestamp %s, got %s (ok=%v)", base.Add(2*time.Hour), latest, ok)
	}

	if _, ok := MaxTimestamp(nil); ok {
		t.Fatalf("expected no max timestamp for empty slice")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts, err := ParseTimestamp("2021-01-15T00:00:00Z")
	if err != nil {
		t.Fatalf("ParseTimestamp returned error: %v", err)
	}
	if ts.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %s", ts.Location())
	}
	if got := FormatTimestamp(ts); got != "2021-01-15T00:00:00Z" {
		t.Fatalf("expected round trip, got %s", got)
	}

	if _, err := ParseTimestamp("2021-01-15 00:00:00"); err == nil {
		t.Fatalf("expected error for wrong layout")
	}
}

func TestReadingFloat(t *testing.T) {
	r := Reading{Values: []string{"12.5", "", "n/a"}}

	if v, ok := r.Float(0); !ok || v != 12.5 {
		t.Fatalf("expected 12.5, got %v (ok=%v)", v, ok)
	}
	if _, ok := r.Float(1); ok {
		t.Fatalf("expected empty value to be absent")
	}
	if _, ok := r.Float(2); ok {
		t.Fatalf("expected non-numeric value to be absent")
	}
	if _, ok := r.Float(3); ok {
		t.Fatalf("expected out of range index to be absent")
	}
}

func TestTimeRange(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TimeRange{Start: start, End: start.Add(24 * time.Hour)}

	if !r.Valid() {
		t.Fatalf("expected range to be valid")
	}
	if r.Span() != 24*time.Hour {
		t.Fatalf("expected 24h span, got %s", r.Span())
	}
	if got := r.String(); got != "2021-01-01T00:00:00Z - 2021-01-02T00:00:00Z" {
		t.Fatalf("unexpected range string %q", got)
	}

	reversed := TimeRange{Start: r.End, End: r.Start}
	if reversed.Valid() {
		t.Fatalf("expected reversed range to be invalid")
	}

	if got := (Sensor{Location: "athens", ID: 99711}).String(); got != "athens/99711" {
		t.Fatalf("unexpected sensor string %q", got)
	}
}
