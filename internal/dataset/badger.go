package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

const (
	readingKeyPrefix = "reading"
	fieldsKeyPrefix  = "fields"
)

// BadgerBackend stores every sensor in one BadgerDB. Reading keys end in the
// fixed-width timestamp so key order is time order.
type BadgerBackend struct {
	db     *badger.DB
	logger *logging.Logger
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// NewBadgerBackend opens (or creates) a BadgerDB at path
func NewBadgerBackend(path string, logger *logging.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, ioErr(path, "open badger", err)
	}

	b := &BadgerBackend{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	go b.runGC()

	logger.WithFields(map[string]interface{}{"path": path}).Info("BadgerDB storage initialized")

	return b, nil
}

// Dataset returns the key range of sensor
func (b *BadgerBackend) Dataset(sensor models.Sensor) (Dataset, error) {
	return &BadgerDataset{
		db:     b.db,
		sensor: sensor,
		prefix: fmt.Sprintf("%s:%s:%d:", readingKeyPrefix, sensor.Location, sensor.ID),
		logger: b.logger.WithSensor(sensor.Location, sensor.ID),
	}, nil
}

// Name returns the backend name
func (b *BadgerBackend) Name() string {
	return string(BackendBadger)
}

// Close stops garbage collection and closes the database
func (b *BadgerBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stopGC)
		<-b.gcDone
		b.logger.Info("Closing BadgerDB")
		err = b.db.Close()
	})
	return err
}

// runGC runs value log garbage collection periodically
func (b *BadgerBackend) runGC() {
	defer close(b.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.WithError(err).Debug("Garbage collection completed with notice")
			}
		case <-b.stopGC:
			return
		}
	}
}

// BadgerDataset is one sensor's key range inside a shared BadgerDB
type BadgerDataset struct {
	db     *badger.DB
	sensor models.Sensor
	prefix string
	logger *logging.Logger
}

type badgerRow struct {
	Values []string `json:"v"`
}

func (d *BadgerDataset) key(ts time.Time) []byte {
	return []byte(d.prefix + models.FormatTimestamp(ts))
}

func (d *BadgerDataset) fieldsKey() []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", fieldsKeyPrefix, d.sensor.Location, d.sensor.ID))
}

// EnsureExists is a no-op; key ranges need no setup
func (d *BadgerDataset) EnsureExists(ctx context.Context) error {
	return ctx.Err()
}

// LastTimestamp reads the last key of the range
func (d *BadgerDataset) LastTimestamp(ctx context.Context) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(d.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(d.prefix + "\xff")); it.ValidForPrefix([]byte(d.prefix)); it.Next() {
			ts, err := models.ParseTimestamp(strings.TrimPrefix(string(it.Item().Key()), d.prefix))
			if err != nil {
				continue
			}
			last, found = ts, true
			return nil
		}
		return nil
	})
	if err != nil {
		d.logger.WithError(err).Warn("Could not read dataset, treating it as having no prior data")
		return time.Time{}, false
	}
	return last, found
}

// IsEmpty reports whether the range holds no keys
func (d *BadgerDataset) IsEmpty(ctx context.Context) (bool, error) {
	empty := true
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(d.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	if err != nil {
		return false, ioErr(d.prefix, "scan", err)
	}
	return empty, nil
}

// FilterNew drops readings whose key already exists
func (d *BadgerDataset) FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fresh := make([]models.Reading, 0, len(readings))
	err := d.db.View(func(txn *badger.Txn) error {
		for _, r := range readings {
			_, err := txn.Get(d.key(r.Timestamp))
			if errors.Is(err, badger.ErrKeyNotFound) {
				fresh = append(fresh, r)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, ioErr(d.prefix, "read", err)
	}
	return fresh, nil
}

// Append stores the readings and records the column list on first write
func (d *BadgerDataset) Append(ctx context.Context, fields []string, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.checkFields(fields); err != nil {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range readings {
		if len(r.Values) != len(fields) {
			return ioErr(d.prefix, "append", fmt.Errorf("reading at %s has %d values, expected %d",
				models.FormatTimestamp(r.Timestamp), len(r.Values), len(fields)))
		}
		value, err := json.Marshal(badgerRow{Values: r.Values})
		if err != nil {
			return ioErr(d.prefix, "append", err)
		}
		if err := wb.Set(d.key(r.Timestamp), value); err != nil {
			return ioErr(d.prefix, "append", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return ioErr(d.prefix, "append", err)
	}
	return nil
}

func (d *BadgerDataset) checkFields(fields []string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(d.fieldsKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			value, err := json.Marshal(fields)
			if err != nil {
				return ioErr(d.prefix, "append", err)
			}
			return txn.Set(d.fieldsKey(), value)
		}
		if err != nil {
			return ioErr(d.prefix, "read header", err)
		}

		var stored []string
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return ioErr(d.prefix, "read header", err)
		}
		if !slices.Equal(stored, fields) {
			return ioErr(d.prefix, "append", fmt.Errorf("%w: have %v, appending %v", ErrColumnMismatch, stored, fields))
		}
		return nil
	})
}

// Resort is a no-op: keys are kept in time order by the LSM tree
func (d *BadgerDataset) Resort(ctx context.Context) error {
	return ctx.Err()
}

// Close does nothing; the database belongs to the backend
func (d *BadgerDataset) Close() error {
	return nil
}

// badgerLogger adapts our logger to BadgerDB's logger interface
type badgerLogger struct {
	logger *logging.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.Errorf(strings.TrimSpace(format), args...)
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.Warnf(strings.TrimSpace(format), args...)
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.Debugf(strings.TrimSpace(format), args...)
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.Debugf(strings.TrimSpace(format), args...)
}
