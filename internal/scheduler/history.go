package scheduler

import (
	"sync"

	"github.com/1broseidon/airsync/pkg/models"
)

// RunHistory keeps the most recent run reports in a circular buffer
type RunHistory struct {
	reports []*models.RunReport
	index   int // next write position
	count   int
	mu      sync.RWMutex
}

// NewRunHistory creates a history holding up to size reports
func NewRunHistory(size int) *RunHistory {
	if size <= 0 {
		size = 50
	}
	return &RunHistory{reports: make([]*models.RunReport, size)}
}

// Add stores a report, overwriting the oldest one when full
func (h *RunHistory) Add(report *models.RunReport) {
	if report == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.reports[h.index] = report
	h.index = (h.index + 1) % len(h.reports)
	if h.count < len(h.reports) {
		h.count++
	}
}

// Recent returns up to limit reports, newest first. limit <= 0 returns all.
func (h *RunHistory) Recent(limit int) []*models.RunReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.count
	if limit > 0 && limit < count {
		count = limit
	}

	out := make([]*models.RunReport, 0, count)
	for i := 0; i < count; i++ {
		idx := (h.index - 1 - i + len(h.reports)) % len(h.reports)
		out = append(out, h.reports[idx])
	}
	return out
}

// Latest returns the newest report, or nil
func (h *RunHistory) Latest() *models.RunReport {
	if r := h.Recent(1); len(r) > 0 {
		return r[0]
	}
	return nil
}

// Get finds a report by run ID
func (h *RunHistory) Get(id string) *models.RunReport {
	for _, r := range h.Recent(0) {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Len returns the number of stored reports
func (h *RunHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
