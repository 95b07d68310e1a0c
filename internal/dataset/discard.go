package dataset

import (
	"context"
	"time"

	"github.com/1broseidon/airsync/pkg/models"
)

// DiscardBackend stores nothing. Every dataset looks empty, so a run with it
// walks the whole configured range and only counts requests and readings.
type DiscardBackend struct{}

// NewDiscardBackend creates a discard backend
func NewDiscardBackend() *DiscardBackend {
	return &DiscardBackend{}
}

// Dataset returns a dataset that drops every write
func (n *DiscardBackend) Dataset(models.Sensor) (Dataset, error) {
	return discardDataset{}, nil
}

// Name returns the backend name
func (n *DiscardBackend) Name() string {
	return string(BackendNone)
}

// Close does nothing
func (n *DiscardBackend) Close() error {
	return nil
}

type discardDataset struct{}

func (discardDataset) EnsureExists(context.Context) error { return nil }

func (discardDataset) LastTimestamp(context.Context) (time.Time, bool) { return time.Time{}, false }

func (discardDataset) IsEmpty(context.Context) (bool, error) { return true, nil }

func (discardDataset) FilterNew(_ context.Context, readings []models.Reading) ([]models.Reading, error) {
	return readings, nil
}

func (discardDataset) Append(context.Context, []string, []models.Reading) error { return nil }

func (discardDataset) Resort(context.Context) error { return nil }

func (discardDataset) Close() error { return nil }
