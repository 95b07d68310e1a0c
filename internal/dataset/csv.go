package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

var errNoTimestampColumn = errors.New("header has no " + models.TimestampField + " column")

// CSVBackend lays datasets out as <root>/<location>/<sensor_id>.csv
type CSVBackend struct {
	root   string
	logger *logging.Logger
}

// NewCSVBackend creates a CSV backend rooted at root
func NewCSVBackend(root string, logger *logging.Logger) *CSVBackend {
	return &CSVBackend{root: root, logger: logger}
}

// Path returns the file backing a sensor's dataset
func (b *CSVBackend) Path(sensor models.Sensor) string {
	return filepath.Join(b.root, sensor.Location, strconv.Itoa(sensor.ID)+".csv")
}

// Dataset returns the CSV dataset of sensor
func (b *CSVBackend) Dataset(sensor models.Sensor) (Dataset, error) {
	return NewCSVDataset(b.Path(sensor), b.logger.WithSensor(sensor.Location, sensor.ID)), nil
}

// Name returns the backend name
func (b *CSVBackend) Name() string {
	return string(BackendCSV)
}

// Close does nothing; files are opened per operation
func (b *CSVBackend) Close() error {
	return nil
}

// CSVDataset is a single append-only CSV file whose first column is time_stamp
type CSVDataset struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
	known  map[int64]struct{} // stored timestamps, loaded on first FilterNew
}

// NewCSVDataset returns a dataset backed by the file at path
func NewCSVDataset(path string, logger *logging.Logger) *CSVDataset {
	return &CSVDataset{path: path, logger: logger}
}

// Path returns the backing file path
func (d *CSVDataset) Path() string {
	return d.path
}

// EnsureExists creates the parent directory and an empty file if missing
func (d *CSVDataset) EnsureExists(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return ioErr(d.path, "create directory", err)
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr(d.path, "create", err)
	}
	if err := f.Close(); err != nil {
		return ioErr(d.path, "create", err)
	}
	return nil
}

// LastTimestamp scans the time_stamp column for its maximum. Rows that do not
// parse are ignored; a missing or unreadable file yields false.
func (d *CSVDataset) LastTimestamp(ctx context.Context) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		last  time.Time
		found bool
	)
	err := d.scanTimestamps(func(ts time.Time) {
		if !found || ts.After(last) {
			last, found = ts, true
		}
	})
	if err != nil {
		d.logger.WithError(err).WithFields(map[string]interface{}{"path": d.path}).
			Warn("Could not read dataset, treating it as having no prior data")
		return time.Time{}, false
	}
	return last, found
}

// IsEmpty reports whether the file has zero bytes (or does not exist)
func (d *CSVDataset) IsEmpty(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isEmptyLocked()
}

func (d *CSVDataset) isEmptyLocked() (bool, error) {
	fi, err := os.Stat(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, ioErr(d.path, "stat", err)
	}
	return fi.Size() == 0, nil
}

// FilterNew drops readings whose timestamp is already in the file
func (d *CSVDataset) FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.known == nil {
		known := make(map[int64]struct{})
		err := d.scanTimestamps(func(ts time.Time) {
			known[ts.Unix()] = struct{}{}
		})
		if err != nil && !errors.Is(err, errNoTimestampColumn) {
			return nil, ioErr(d.path, "read", err)
		}
		d.known = known
	}

	fresh := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := d.known[r.Timestamp.Unix()]; !ok {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}

// Append writes readings after the existing rows. The header is written only
// when the file is empty; otherwise fields must match it. The rows are
// written in one call and fsync'd; on failure the file is truncated back to
// its previous size.
func (d *CSVDataset) Append(ctx context.Context, fields []string, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	header := append([]string{models.TimestampField}, fields...)

	empty, err := d.isEmptyLocked()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if empty {
		if err := w.Write(header); err != nil {
			return ioErr(d.path, "append", err)
		}
	} else {
		stored, err := d.readHeader()
		if err != nil {
			return ioErr(d.path, "read header", err)
		}
		if !slices.Equal(stored, header) {
			return ioErr(d.path, "append", fmt.Errorf("%w: have %v, appending %v", ErrColumnMismatch, stored, header))
		}
	}

	record := make([]string, len(header))
	for _, r := range readings {
		if len(r.Values) != len(fields) {
			return ioErr(d.path, "append", fmt.Errorf("reading at %s has %d values, expected %d",
				models.FormatTimestamp(r.Timestamp), len(r.Values), len(fields)))
		}
		record[0] = models.FormatTimestamp(r.Timestamp)
		copy(record[1:], r.Values)
		if err := w.Write(record); err != nil {
			return ioErr(d.path, "append", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ioErr(d.path, "append", err)
	}

	if err := d.writeTail(buf.Bytes()); err != nil {
		return ioErr(d.path, "append", err)
	}

	if d.known != nil {
		for _, r := range readings {
			d.known[r.Timestamp.Unix()] = struct{}{}
		}
	}
	return nil
}

func (d *CSVDataset) writeTail(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if err := appendTail(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// tailFile is the part of *os.File used by appendTail
type tailFile interface {
	Stat() (fs.FileInfo, error)
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
}

// appendTail writes data at the end of f and syncs it. If either step fails
// f is truncated back to its previous size.
func appendTail(f tailFile, data []byte) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	if _, err := f.Write(data); err != nil {
		_ = f.Truncate(size)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Truncate(size)
		return err
	}
	return nil
}

type csvRow struct {
	ts     time.Time
	ok     bool
	record []string
}

// Resort rewrites the file ordered by time_stamp through a temp file in the
// same directory and an atomic rename. Rows whose timestamp does not parse
// keep their relative order at the end.
func (d *CSVDataset) Resort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	header, rows, err := d.readAll()
	if err != nil {
		return ioErr(d.path, "resort", err)
	}
	if len(rows) < 2 {
		return nil
	}

	cmp := func(a, b csvRow) int {
		switch {
		case a.ok && b.ok:
			return a.ts.Compare(b.ts)
		case a.ok:
			return -1
		case b.ok:
			return 1
		default:
			return 0
		}
	}
	if slices.IsSortedFunc(rows, cmp) {
		return nil
	}
	slices.SortStableFunc(rows, cmp)

	if err := d.replace(header, rows); err != nil {
		return ioErr(d.path, "resort", err)
	}

	d.logger.WithFields(map[string]interface{}{
		"path": d.path,
		"rows": len(rows),
	}).Debug("Dataset rewritten in timestamp order")
	return nil
}

func (d *CSVDataset) replace(header []string, rows []csvRow) error {
	dir, base := filepath.Split(d.path)
	tmp, err := os.CreateTemp(dir, "."+base+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bufw := bufio.NewWriterSize(tmp, 1<<20)
	w := csv.NewWriter(bufw)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, r := range rows {
		if err := w.Write(r.record); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := bufw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, d.path)
}

// Close drops the cached timestamp index
func (d *CSVDataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known = nil
	return nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	return cr
}

func cleanHeader(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}

func (d *CSVDataset) readHeader() ([]string, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := newReader(f).Read()
	if err != nil {
		return nil, err
	}
	return cleanHeader(header), nil
}

// scanTimestamps calls fn with every parseable time_stamp value
func (d *CSVDataset) scanTimestamps(fn func(time.Time)) error {
	f, err := os.Open(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := newReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	col := slices.Index(cleanHeader(header), models.TimestampField)
	if col < 0 {
		return errNoTimestampColumn
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if col >= len(row) {
			continue
		}
		if ts, err := models.ParseTimestamp(row[col]); err == nil {
			fn(ts)
		}
	}
}

func (d *CSVDataset) readAll() ([]string, []csvRow, error) {
	f, err := os.Open(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	header = cleanHeader(header)
	col := slices.Index(header, models.TimestampField)
	if col < 0 {
		return nil, nil, errNoTimestampColumn
	}

	var rows []csvRow
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := csvRow{record: record}
		if col < len(record) {
			if ts, err := models.ParseTimestamp(record[col]); err == nil {
				row.ts, row.ok = ts, true
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
