package scheduler

import (
	"strconv"
	"testing"

	"github.com/1broseidon/airsync/pkg/models"
)

func TestRunHistoryWrapsAround(t *testing.T) {
	h := NewRunHistory(3)

	for i := 1; i <= 5; i++ {
		h.Add(&models.RunReport{ID: strconv.Itoa(i)})
	}
	h.Add(nil)

	if h.Len() != 3 {
		t.Fatalf("expected 3 reports, got %d", h.Len())
	}

	recent := h.Recent(0)
	var ids []string
	for _, r := range recent {
		ids = append(ids, r.ID)
	}
	if got := ids; len(got) != 3 || got[0] != "5" || got[1] != "4" || got[2] != "3" {
		t.Fatalf("expected newest first [5 4 3], got %v", got)
	}

	if latest := h.Latest(); latest == nil || latest.ID != "5" {
		t.Fatalf("expected latest report 5, got %+v", latest)
	}
	if r := h.Recent(2); len(r) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(r))
	}
	if h.Get("4") == nil || h.Get("1") != nil {
		t.Fatalf("expected Get to find retained reports only")
	}
}

func TestRunHistoryEmpty(t *testing.T) {
	h := NewRunHistory(0)

	if h.Latest() != nil {
		t.Fatalf("expected no latest report")
	}
	if r := h.Recent(10); len(r) != 0 {
		t.Fatalf("expected empty history, got %d", len(r))
	}
}
