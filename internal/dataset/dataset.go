// Package dataset stores the per-sensor reading tables. The CSV backend is
// the default; Badger, InfluxDB and PostgreSQL hold the same rows keyed by
// sensor and timestamp.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

// Dataset is the table of readings for one sensor. Rows have unique
// timestamps and are kept in ascending order, except right after an append of
// rows older than the current maximum, which must be followed by Resort.
type Dataset interface {
	// EnsureExists creates the table if it is missing
	EnsureExists(ctx context.Context) error

	// LastTimestamp returns the greatest stored timestamp. An empty or
	// unreadable table yields (zero, false).
	LastTimestamp(ctx context.Context) (time.Time, bool)

	// IsEmpty reports whether the table holds no data at all
	IsEmpty(ctx context.Context) (bool, error)

	// FilterNew returns the readings whose timestamp is not yet stored,
	// keeping their order
	FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error)

	// Append stores readings, which must be in ascending order. The header
	// (column list) is written only if the table is empty.
	Append(ctx context.Context, fields []string, readings []models.Reading) error

	// Resort rewrites the table in ascending timestamp order. Idempotent.
	Resort(ctx context.Context) error

	// Close releases per-table resources
	Close() error
}

// Backend hands out datasets that share one storage connection
type Backend interface {
	Dataset(sensor models.Sensor) (Dataset, error)
	Name() string
	Close() error
}

// HealthChecker is implemented by backends that talk to a server
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ErrIO is matched by every storage failure
var ErrIO = errors.New("dataset i/o failure")

// ErrColumnMismatch indicates an append whose fields differ from the stored header
var ErrColumnMismatch = errors.New("columns do not match existing dataset")

// IOError describes a failed dataset operation
type IOError struct {
	Path string // file path, key prefix or table identity
	Op   string
	Err  error
}

// Error implements the error interface
func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dataset %s: %s failed: %v", e.Path, e.Op, e.Err)
	}
	return fmt.Sprintf("dataset %s: %s failed", e.Path, e.Op)
}

// Unwrap implements error unwrapping
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is allows error comparison
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func ioErr(path, op string, err error) error {
	return &IOError{Path: path, Op: op, Err: err}
}

// BackendType represents the type of storage backend
type BackendType string

const (
	// BackendCSV stores one CSV file per sensor under dataDir
	BackendCSV BackendType = "csv"
	// BackendBadger uses BadgerDB for embedded storage
	BackendBadger BackendType = "badger"
	// BackendInfluxDB uses InfluxDB for time-series storage
	BackendInfluxDB BackendType = "influxdb"
	// BackendPostgres uses PostgreSQL for persistent storage
	BackendPostgres BackendType = "postgres"
	// BackendNone fetches and counts but stores nothing (dry run)
	BackendNone BackendType = "none"
)

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg *config.StorageConfig, logger *logging.Logger) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	logger = logger.WithComponent(logging.ComponentDataset)

	backendType := BackendType(cfg.Backend)
	if backendType == "" {
		backendType = BackendCSV
	}

	switch backendType {
	case BackendCSV:
		logger.WithFields(map[string]interface{}{"dataDir": cfg.DataDir}).Info("Using CSV storage")
		return NewCSVBackend(cfg.DataDir, logger), nil

	case BackendBadger:
		logger.Info("Using BadgerDB storage")
		b, err := NewBadgerBackend(cfg.Badger.Path, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendInfluxDB:
		logger.Info("Using InfluxDB storage")
		b, err := NewInfluxDBBackend(cfg.InfluxDB, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendPostgres:
		logger.Info("Using PostgreSQL storage")
		b, err := NewPostgresBackend(cfg.Postgres.ConnString(), logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendNone:
		logger.Warn("Using discard storage - readings are fetched but not saved")
		return NewDiscardBackend(), nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (valid options: csv, badger, influxdb, postgres, none)", cfg.Backend)
	}
}
