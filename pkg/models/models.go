// Package models defines core data structures for sensors, readings, time
// ranges and run reports shared across the application.
package models

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"
)

const (
	// TimestampField is the name of the timestamp column, always stored first
	TimestampField = "time_stamp"

	// TimestampLayout is the wire and storage format for timestamps (UTC)
	TimestampLayout = "2006-01-02T15:04:05Z"
)

// Sensor identifies one remote sensor grouped under a named location
type Sensor struct {
	Location string `json:"location" yaml:"location"`
	ID       int    `json:"sensor_id" yaml:"sensor_id"`
}

// String returns the sensor as location/id
func (s Sensor) String() string {
	return s.Location + "/" + strconv.Itoa(s.ID)
}

// TimeRange is a time window. Batches are contiguous: the end of one batch
// is the start of the next.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether Start <= End
func (r TimeRange) Valid() bool {
	return !r.End.Before(r.Start)
}

// Span returns End - Start
func (r TimeRange) Span() time.Duration {
	return r.End.Sub(r.Start)
}

// String formats the range using the storage layout
func (r TimeRange) String() string {
	return fmt.Sprintf("%s - %s", FormatTimestamp(r.Start), FormatTimestamp(r.End))
}

// Reading is one timestamped record. Values are aligned with the field order
// of the batch (or dataset) the reading belongs to.
type Reading struct {
	Timestamp time.Time `json:"time_stamp"`
	Values    []string  `json:"values"`
}

// Float returns value i parsed as a float, or false if it is empty or not numeric
func (r Reading) Float(i int) (float64, bool) {
	if i < 0 || i >= len(r.Values) || r.Values[i] == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(r.Values[i], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Batch is the result of one remote fetch
type Batch struct {
	Fields   []string  `json:"fields"`
	Readings []Reading `json:"readings"`
}

// SortReadings orders readings by timestamp ascending, keeping the relative
// order of equal timestamps
func SortReadings(readings []Reading) {
	slices.SortStableFunc(readings, func(a, b Reading) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// MaxTimestamp returns the latest timestamp in readings
func MaxTimestamp(readings []Reading) (time.Time, bool) {
	if len(readings) == 0 {
		return time.Time{}, false
	}
	latest := slices.MaxFunc(readings, func(a, b Reading) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	return latest.Timestamp, true
}

// FormatTimestamp formats t in UTC using TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string as UTC
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

// RunStatus represents the outcome of a synchronization run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// SensorReport summarizes the work done for one sensor in a run
type SensorReport struct {
	Sensor       Sensor    `json:"sensor"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Skipped      bool      `json:"skipped,omitempty"`
	Batches      int       `json:"batches"`
	Measurements int       `json:"measurements"`
	Existing     int       `json:"existing"`
	Saved        int       `json:"saved"`
	Resorted     bool      `json:"resorted,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// RunReport holds the counters accumulated by one run. It is returned on
// failure too, so partial progress is always reported.
type RunReport struct {
	ID            string         `json:"id"`
	Status        RunStatus      `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
	Duration      Duration       `json:"duration"`
	TotalRequests int            `json:"total_requests"`
	KeyRequests   int            `json:"key_requests"`
	KeyIndex      int            `json:"key_index"`
	Rotations     int            `json:"rotations"`
	Sensors       []SensorReport `json:"sensors"`
	Error         string         `json:"error,omitempty"`
}

// Saved returns the number of rows written across all sensors
func (r *RunReport) Saved() int {
	total := 0
	for _, s := range r.Sensors {
		total += s.Saved
	}
	return total
}
