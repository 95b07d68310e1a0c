package planner

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/1broseidon/airsync/pkg/models"
)

const day = 24 * time.Hour

func collect(t *testing.T, r models.TimeRange, window time.Duration) []models.TimeRange {
	t.Helper()
	seq, err := Plan(r, window)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	return slices.Collect(seq)
}

func TestPlanConcatenationReproducesRange(t *testing.T) {
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		span   time.Duration
		window time.Duration
		count  int
	}{
		{name: "exact multiple", span: 28 * day, window: 14 * day, count: 2},
		{name: "remainder", span: 29 * day, window: 14 * day, count: 3},
		{name: "shorter than window", span: 5 * time.Hour, window: day, count: 1},
		{name: "single day windows", span: 7 * day, window: day, count: 7},
		{name: "odd minutes", span: 95 * time.Minute, window: 10 * time.Minute, count: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := models.TimeRange{Start: base, End: base.Add(tt.span)}
			batches := collect(t, r, tt.window)

			if len(batches) != tt.count {
				t.Fatalf("expected %d batches, got %d", tt.count, len(batches))
			}
			if got := Count(r, tt.window); got != tt.count {
				t.Fatalf("Count returned %d, expected %d", got, tt.count)
			}
			if !batches[0].Start.Equal(r.Start) {
				t.Fatalf("first batch starts at %s, expected %s", batches[0].Start, r.Start)
			}
			if !batches[len(batches)-1].End.Equal(r.End) {
				t.Fatalf("last batch ends at %s, expected %s", batches[len(batches)-1].End, r.End)
			}

			for i, b := range batches {
				if b.Span() > tt.window || b.Span() <= 0 {
					t.Fatalf("batch %d has span %s outside (0, %s]", i, b.Span(), tt.window)
				}
				if i > 0 && !batches[i-1].End.Equal(b.Start) {
					t.Fatalf("batch %d does not start where batch %d ends", i, i-1)
				}
			}
		})
	}
}

func TestPlanZeroWidthRange(t *testing.T) {
	at := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	r := models.TimeRange{Start: at, End: at}

	batches := collect(t, r, day)
	if len(batches) != 1 {
		t.Fatalf("expected one zero-width batch, got %d", len(batches))
	}
	if !batches[0].Start.Equal(at) || !batches[0].End.Equal(at) {
		t.Fatalf("unexpected batch %v", batches[0])
	}
	if Count(r, day) != 1 {
		t.Fatalf("expected Count 1 for zero-width range")
	}
}

func TestPlanIsRestartableAndStoppable(t *testing.T) {
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	seq, err := Plan(models.TimeRange{Start: base, End: base.Add(10 * day)}, day)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) {
		t.Fatalf("expected identical sequences on second iteration")
	}

	seen := 0
	for range seq {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("expected early break after 3 batches, saw %d", seen)
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := Plan(models.TimeRange{Start: base, End: base.Add(day)}, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if _, err := Plan(models.TimeRange{Start: base.Add(day), End: base}, day); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if Count(models.TimeRange{Start: base.Add(day), End: base}, day) != 0 {
		t.Fatalf("expected Count 0 for invalid range")
	}
}

func TestDisplayEnd(t *testing.T) {
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := models.TimeRange{Start: base, End: base.Add(day)}

	got := DisplayEnd(sub, time.Hour)
	if !got.Equal(base.Add(23 * time.Hour)) {
		t.Fatalf("expected display end 23:00, got %s", got)
	}
}
