package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/engine"
	"github.com/1broseidon/airsync/pkg/models"
)

// locationList collects -l values. The flag may be repeated and each value
// may hold several comma separated names.
type locationList []string

func (l *locationList) String() string {
	return strings.Join(*l, ",")
}

func (l *locationList) Set(value string) error {
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			*l = append(*l, strings.ToLower(name))
		}
	}
	return nil
}

// parseOverrides converts the -start/-end flag values to UTC times
func parseOverrides(start, end string) (engine.Overrides, error) {
	var ov engine.Overrides

	if start != "" {
		t, err := time.ParseInLocation(config.DateTimeLayout, start, time.UTC)
		if err != nil {
			return ov, fmt.Errorf("invalid -start %q (expected %q): %w", start, config.DateTimeLayout, err)
		}
		ov.Start = t
	}
	if end != "" {
		t, err := time.ParseInLocation(config.DateTimeLayout, end, time.UTC)
		if err != nil {
			return ov, fmt.Errorf("invalid -end %q (expected %q): %w", end, config.DateTimeLayout, err)
		}
		ov.End = t
	}
	if !ov.Start.IsZero() && !ov.End.IsZero() && ov.End.Before(ov.Start) {
		return ov, fmt.Errorf("-end %s is before -start %s", end, start)
	}
	return ov, nil
}

// printSummary writes the run totals and one line per sensor
func printSummary(w io.Writer, report *models.RunReport) {
	if report == nil {
		return
	}

	fmt.Fprintf(w, "Total Requests: %d\n", report.TotalRequests)
	for _, s := range report.Sensors {
		switch {
		case s.Error != "":
			fmt.Fprintf(w, "  %s: %d saved before error: %s\n", s.Sensor, s.Saved, s.Error)
		case s.Skipped:
			fmt.Fprintf(w, "  %s: up to date\n", s.Sensor)
		default:
			line := fmt.Sprintf("  %s: %s, %d batches, %d measurements, %d existing, %d saved",
				s.Sensor, models.TimeRange{Start: s.Start, End: s.End}, s.Batches, s.Measurements, s.Existing, s.Saved)
			if s.Resorted {
				line += ", resorted"
			}
			fmt.Fprintln(w, line)
		}
	}
	if report.Rotations > 0 {
		fmt.Fprintf(w, "Key rotations: %d\n", report.Rotations)
	}
}
