package scheduler

import (
	"testing"
	"time"
)

func newTestBackoff(now *time.Time) *Backoff {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.now = func() time.Time { return *now }
	return b
}

func TestBackoffSequence(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBackoff(&now)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}

	for i, want := range expected {
		b.RecordFailure()
		if got := b.Delay(); got != want {
			t.Fatalf("failure %d: expected delay %s, got %s", i+1, want, got)
		}
	}
}

func TestBackoffResetOnSuccess(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBackoff(&now)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	if d := b.Delay(); d != 0 {
		t.Fatalf("expected no delay after success, got %s", d)
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failure streak to reset, got %d", b.Failures())
	}
}

func TestBackoffForgetsOldFailures(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBackoff(&now)

	b.RecordFailure()
	now = now.Add(b.resetThreshold + time.Minute)

	if d := b.Delay(); d != 0 {
		t.Fatalf("expected delay to lapse after reset threshold, got %s", d)
	}
	if !b.ShouldRun() {
		t.Fatalf("expected run to be allowed after reset threshold")
	}
}

func TestBackoffShouldRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBackoff(&now)

	if !b.ShouldRun() {
		t.Fatalf("expected run to be allowed without failures")
	}

	b.RecordFailure()
	b.RecordFailure()

	if b.ShouldRun() {
		t.Fatalf("expected run to be held back right after a failure")
	}

	now = now.Add(b.Delay())
	if !b.ShouldRun() {
		t.Fatalf("expected run to be allowed once the delay has elapsed")
	}
}
