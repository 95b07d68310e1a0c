// Package planner splits a time range into contiguous fixed-width batches.
package planner

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/1broseidon/airsync/pkg/models"
)

var (
	// ErrInvalidWindow is returned for a window <= 0
	ErrInvalidWindow = errors.New("batch window must be positive")

	// ErrInvalidRange is returned when the range ends before it starts
	ErrInvalidRange = errors.New("range end is before start")
)

// Plan returns the sub-ranges covering r. The first starts at r.Start, each
// one ends where the next begins, and the last ends exactly at r.End (it may
// be shorter than window). A zero-width range yields one zero-width batch.
// The sequence is lazy and can be ranged over more than once.
func Plan(r models.TimeRange, window time.Duration) (iter.Seq[models.TimeRange], error) {
	if err := check(r, window); err != nil {
		return nil, err
	}

	return func(yield func(models.TimeRange) bool) {
		if r.Start.Equal(r.End) {
			yield(models.TimeRange{Start: r.Start, End: r.End})
			return
		}

		for start := r.Start; start.Before(r.End); {
			end := start.Add(window)
			if end.After(r.End) {
				end = r.End
			}
			if !yield(models.TimeRange{Start: start, End: end}) {
				return
			}
			start = end
		}
	}, nil
}

// Count returns how many batches Plan yields for r, or 0 if the inputs are invalid
func Count(r models.TimeRange, window time.Duration) int {
	if check(r, window) != nil {
		return 0
	}
	span := r.Span()
	if span == 0 {
		return 1
	}
	n := span / window
	if span%window != 0 {
		n++
	}
	return int(n)
}

// DisplayEnd is the end of the last sample a batch can contain, one averaging
// interval before the exclusive request end. Only used for log output.
func DisplayEnd(sub models.TimeRange, averageInterval time.Duration) time.Time {
	return sub.End.Add(-averageInterval)
}

func check(r models.TimeRange, window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("window %s: %w", window, ErrInvalidWindow)
	}
	if !r.Valid() {
		return fmt.Errorf("%s: %w", r, ErrInvalidRange)
	}
	return nil
}
