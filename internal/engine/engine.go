// Package engine runs a synchronization: for every target sensor it plans the
// missing time range into batches, fetches each batch with a credential from
// the pool, merges new readings into the sensor's dataset and re-sorts the
// dataset after a backfill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1broseidon/airsync/internal/config"
	"github.com/1broseidon/airsync/internal/credentials"
	"github.com/1broseidon/airsync/internal/dataset"
	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/internal/metrics"
	"github.com/1broseidon/airsync/internal/planner"
	"github.com/1broseidon/airsync/internal/purpleair"
	"github.com/1broseidon/airsync/pkg/models"
)

// Fetcher performs one history request
type Fetcher interface {
	Fetch(ctx context.Context, req purpleair.Request) (*models.Batch, error)
}

// Pacer is implemented by fetchers that throttle requests. Wait is called
// before a request is charged to a key, so a wait cut short costs nothing.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Target is one sensor and the dataset its readings are merged into
type Target struct {
	models.Sensor
	Dataset dataset.Dataset
}

// Overrides replaces the computed range bounds for every target of a run.
// Zero values mean "not set".
type Overrides struct {
	Start time.Time
	End   time.Time
}

// Options holds everything a run needs besides the targets
type Options struct {
	Keys            []string
	Budget          int           // requests per key
	Window          time.Duration // batch size
	Average         int           // minutes, sent with every request
	AverageInterval time.Duration // resume step after the last stored sample
	DefaultStart    time.Time
	Fields          []string
	FailFast        bool
	Concurrency     int
	Now             func() time.Time
}

// OptionsFromConfig derives run options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	start, err := cfg.PurpleAir.DefaultStart()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Keys:            cfg.PurpleAir.ReadKeys,
		Budget:          cfg.PurpleAir.MaxRequestsPerKey,
		Window:          cfg.PurpleAir.BatchWindow(),
		Average:         cfg.PurpleAir.Average,
		AverageInterval: cfg.PurpleAir.AverageInterval(),
		DefaultStart:    start,
		Fields:          cfg.PurpleAir.Fields,
		FailFast:        cfg.Sync.FailFast,
		Concurrency:     cfg.Sync.Concurrency,
	}, nil
}

// Engine executes runs. It is safe to call Run again after a previous run has
// returned; each run gets a fresh credential pool and fresh counters.
type Engine struct {
	fetcher Fetcher
	opts    Options
	logger  *logging.Logger
	keyLog  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an engine
func New(fetcher Fetcher, opts Options, logger *logging.Logger, m *metrics.Metrics) (*Engine, error) {
	if _, err := credentials.NewPool(opts.Keys); err != nil {
		return nil, err
	}
	if opts.Budget < 1 {
		return nil, fmt.Errorf("request budget must be at least 1, got %d", opts.Budget)
	}
	if opts.Window <= 0 {
		return nil, planner.ErrInvalidWindow
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.WithComponent(logging.ComponentEngine),
		keyLog:  logger.WithComponent(logging.ComponentCredentials),
		metrics: m,
	}, nil
}

// run is the state shared by all sensors of one run
type run struct {
	pool   *credentials.Pool
	logger *logging.Logger

	mu        sync.Mutex
	requests  int
	rotations int
}

func (r *run) countRequest() {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
}

// Run synchronizes every target. The report is always returned, with the
// counters accumulated so far, also when the run fails.
func (e *Engine) Run(ctx context.Context, targets []Target, ov Overrides) (*models.RunReport, error) {
	report := &models.RunReport{
		ID:        uuid.NewString(),
		Status:    models.RunRunning,
		StartedAt: e.opts.Now().UTC(),
	}

	pool, err := credentials.NewPool(e.opts.Keys)
	if err != nil {
		report.Status = models.RunFailed
		report.Error = err.Error()
		return report, err
	}

	rs := &run{
		pool:   pool,
		logger: e.logger.WithFields(map[string]interface{}{"run_id": report.ID}),
	}

	keyLog := e.keyLog.WithFields(map[string]interface{}{"run_id": report.ID})
	pool.OnRotate(func(from, to credentials.Credential) {
		rs.rotations++
		e.metrics.RecordRotation()
		keyLog.WithEvent(logging.EventKeyRotated).WithFields(map[string]interface{}{
			"from":           from.String(),
			"to":             to.String(),
			"keys_remaining": len(e.opts.Keys) - to.Index - 1,
		}).Info("Request budget reached, switching to next key")
	})

	rs.logger.WithEvent(logging.EventSyncStarted).WithFields(map[string]interface{}{
		"sensors":     len(targets),
		"keys":        len(e.opts.Keys),
		"concurrency": e.opts.Concurrency,
	}).Info("Synchronization started")

	e.metrics.SetRunInProgress(true)
	defer e.metrics.SetRunInProgress(false)

	sensors := make([]*models.SensorReport, len(targets))
	var (
		errMu        sync.Mutex
		sensorErrors []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for i, target := range targets {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			sr, err := e.syncSensor(gctx, rs, target, ov)
			sensors[i] = sr
			if err == nil {
				return nil
			}

			sr.Error = err.Error()
			e.metrics.RecordSensorError(target.Location, errorType(err))

			if e.opts.FailFast || isRunFatal(ctx, err) {
				return err
			}

			rs.logger.WithSensor(target.Location, target.ID).WithError(err).
				Error("Sensor failed, continuing with remaining sensors")
			errMu.Lock()
			sensorErrors = append(sensorErrors, err)
			errMu.Unlock()
			return nil
		})
	}

	runErr := g.Wait()
	if runErr == nil && len(sensorErrors) > 0 {
		runErr = errors.Join(sensorErrors...)
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	for _, sr := range sensors {
		if sr != nil {
			report.Sensors = append(report.Sensors, *sr)
		}
	}

	rs.mu.Lock()
	report.TotalRequests = rs.requests
	rs.mu.Unlock()
	report.Rotations = rs.rotations
	report.KeyRequests = pool.Used()
	report.KeyIndex = pool.Current().Index
	report.FinishedAt = e.opts.Now().UTC()
	report.Duration = models.Duration(report.FinishedAt.Sub(report.StartedAt))

	e.metrics.RecordRun(runErr == nil, time.Duration(report.Duration))

	done := rs.logger.WithFields(map[string]interface{}{
		"total_requests": report.TotalRequests,
		"key_requests":   report.KeyRequests,
		"key_index":      report.KeyIndex,
		"keys_remaining": pool.Remaining(),
		"saved":          report.Saved(),
		"duration":       report.Duration.String(),
	})

	if runErr != nil {
		report.Status = models.RunFailed
		report.Error = runErr.Error()
		done.WithEvent(logging.EventSyncFailed).WithError(runErr).Error("Synchronization failed")
		return report, runErr
	}

	report.Status = models.RunSucceeded
	done.WithEvent(logging.EventSyncCompleted).Info("Synchronization completed")
	return report, nil
}

// syncSensor brings one dataset up to date. The returned report is never nil.
func (e *Engine) syncSensor(ctx context.Context, rs *run, t Target, ov Overrides) (*models.SensorReport, error) {
	sr := &models.SensorReport{Sensor: t.Sensor}
	log := rs.logger.WithSensor(t.Location, t.ID)
	ds := t.Dataset

	if err := ds.EnsureExists(ctx); err != nil {
		return sr, err
	}

	lastStored, hasLast := ds.LastTimestamp(ctx)

	start := e.opts.DefaultStart
	switch {
	case !ov.Start.IsZero():
		start = ov.Start
	case hasLast:
		start = lastStored.Add(e.opts.AverageInterval)
	}

	end := ov.End
	if end.IsZero() {
		end = e.opts.Now().UTC().Truncate(time.Hour)
	}

	sr.Start, sr.End = start, end

	if start.After(end) {
		sr.Skipped = true
		log.WithEvent(logging.EventSensorSkipped).WithFields(map[string]interface{}{
			"start": models.FormatTimestamp(start),
			"end":   models.FormatTimestamp(end),
		}).Info("Dataset is up to date, nothing to fetch")
		return sr, nil
	}

	r := models.TimeRange{Start: start, End: end}
	batches, err := planner.Plan(r, e.opts.Window)
	if err != nil {
		return sr, err
	}

	backfill := hasLast && start.Before(lastStored)

	log.WithEvent(logging.EventSensorStarted).WithFields(map[string]interface{}{
		"start":    models.FormatTimestamp(start),
		"end":      models.FormatTimestamp(end),
		"batches":  planner.Count(r, e.opts.Window),
		"backfill": backfill,
	}).Info("Synchronizing sensor")

	for sub := range batches {
		if err := ctx.Err(); err != nil {
			return e.finishBackfill(ctx, log, t, sr, backfill, err)
		}
		if err := e.syncBatch(ctx, rs, log, t, sub, sr); err != nil {
			return e.finishBackfill(ctx, log, t, sr, backfill, err)
		}
	}

	if backfill {
		if err := e.resort(ctx, log, t, sr); err != nil {
			return sr, err
		}
	}
	return sr, nil
}

// syncBatch fetches one sub-range and appends whatever is not stored yet
func (e *Engine) syncBatch(ctx context.Context, rs *run, log *logging.Logger, t Target, sub models.TimeRange, sr *models.SensorReport) error {
	began := time.Now()

	if p, ok := e.fetcher.(Pacer); ok {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}

	cred, err := rs.pool.Reserve(e.opts.Budget)
	if err != nil {
		return err
	}
	rs.countRequest()

	batch, fetchErr := e.fetcher.Fetch(ctx, purpleair.Request{
		SensorID:   t.ID,
		Range:      sub,
		Credential: cred,
		Fields:     e.opts.Fields,
		Average:    e.opts.Average,
	})
	if fetchErr != nil {
		return fetchErr
	}

	// Running out of keys stops the run, but only after the batch that used
	// the last request has been stored.
	_, exhausted := rs.pool.RotateIfExhausted(e.opts.Budget)

	sr.Batches++

	if dups := duplicateTimestamps(batch.Readings); dups > 0 {
		log.WithFields(map[string]interface{}{
			"range":      sub.String(),
			"duplicates": dups,
		}).Warn("Response contains repeated timestamps; they are stored as separate rows")
	}

	fresh, err := t.Dataset.FilterNew(ctx, batch.Readings)
	if err != nil {
		return errors.Join(err, exhausted)
	}
	models.SortReadings(fresh)

	if err := t.Dataset.Append(ctx, batch.Fields, fresh); err != nil {
		return errors.Join(err, exhausted)
	}

	measurements := len(batch.Readings)
	saved := len(fresh)
	existing := measurements - saved

	sr.Measurements += measurements
	sr.Existing += existing
	sr.Saved += saved

	took := time.Since(began)
	log.BatchResult(sub.Start, planner.DisplayEnd(sub, e.opts.AverageInterval), measurements, existing, saved, took)
	e.metrics.RecordBatch(t.Location, t.ID, measurements, existing, saved, took)
	return exhausted
}

// finishBackfill re-sorts a dataset that already received backfilled rows
// before the sensor failed, then returns cause
func (e *Engine) finishBackfill(ctx context.Context, log *logging.Logger, t Target, sr *models.SensorReport, backfill bool, cause error) (*models.SensorReport, error) {
	if !backfill || sr.Saved == 0 {
		return sr, cause
	}
	if err := e.resort(context.WithoutCancel(ctx), log, t, sr); err != nil {
		log.WithError(err).Error("Failed to re-sort partially backfilled dataset")
	}
	return sr, cause
}

func (e *Engine) resort(ctx context.Context, log *logging.Logger, t Target, sr *models.SensorReport) error {
	if err := t.Dataset.Resort(ctx); err != nil {
		return err
	}
	sr.Resorted = true
	e.metrics.RecordResort(t.Location, t.ID)
	log.WithEvent(logging.EventDatasetResorted).Info("Backfilled rows older than the last stored sample, dataset re-sorted")
	return nil
}

func duplicateTimestamps(readings []models.Reading) int {
	seen := make(map[int64]struct{}, len(readings))
	dups := 0
	for _, r := range readings {
		k := r.Timestamp.Unix()
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// isRunFatal reports errors that stop the run even in isolation mode. A
// request timeout is a sensor failure; cancellation of the run itself is not.
func isRunFatal(ctx context.Context, err error) bool {
	return errors.Is(err, credentials.ErrCredentialsExhausted) || ctx.Err() != nil
}

func errorType(err error) string {
	var fe *purpleair.FetchError
	switch {
	case errors.Is(err, credentials.ErrCredentialsExhausted):
		return "credentials_exhausted"
	case errors.As(err, &fe):
		return fe.Status()
	case errors.Is(err, dataset.ErrIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
