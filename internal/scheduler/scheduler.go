// Package scheduler repeats synchronization runs on an interval in daemon
// mode and keeps a short history of their reports.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/1broseidon/airsync/internal/logging"
	"github.com/1broseidon/airsync/pkg/models"
)

// ErrRunInProgress is returned when a run is requested while one is active
var ErrRunInProgress = errors.New("a synchronization run is already in progress")

// RunFunc performs one synchronization run
type RunFunc func(ctx context.Context) (*models.RunReport, error)

// Scheduler runs RunFunc every interval. At most one run is active at a time,
// whether it was started by the schedule or on request.
type Scheduler struct {
	cron     *gocron.Scheduler
	run      RunFunc
	interval time.Duration
	history  *RunHistory
	backoff  *Backoff
	logger   *logging.Logger

	runMu sync.Mutex // held for the duration of a run
	wg    sync.WaitGroup

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	running bool
}

// New creates a scheduler. historySize bounds RunHistory.
func New(run RunFunc, interval time.Duration, historySize int, logger *logging.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		run:      run,
		interval: interval,
		history:  NewRunHistory(historySize),
		backoff:  NewBackoff(interval/2, 24*time.Hour),
		logger:   logger.WithComponent(logging.ComponentScheduler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the job and runs it once right away
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	_, err := s.cron.Every(s.interval).SingletonMode().Do(s.scheduled)
	if err != nil {
		return err
	}
	s.cron.StartAsync()
	s.started = true

	s.logger.WithFields(map[string]interface{}{
		"interval": s.interval.String(),
	}).Info("Scheduler started")
	return nil
}

// Stop cancels an active run, stops the schedule and waits for the run to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	// cron.Stop waits for an active job, so the run is canceled first
	s.cancel()
	if started {
		s.cron.Stop()
	}
	s.wg.Wait()

	s.logger.Info("Scheduler stopped")
}

// scheduled is the gocron job
func (s *Scheduler) scheduled() {
	if !s.backoff.ShouldRun() {
		s.logger.WithFields(map[string]interface{}{
			"failures": s.backoff.Failures(),
			"delay":    s.backoff.Delay().String(),
		}).Warn("Skipping scheduled run after repeated failures")
		return
	}

	if _, err := s.TriggerNow(s.ctx); errors.Is(err, ErrRunInProgress) {
		s.logger.Debug("Previous run still active, skipping scheduled run")
	}
}

// TriggerNow runs synchronously and returns the report. It fails with
// ErrRunInProgress instead of waiting for an active run.
func (s *Scheduler) TriggerNow(ctx context.Context) (*models.RunReport, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.runMu.Unlock()

	return s.execute(ctx)
}

// TriggerAsync starts a run in the background and returns immediately
func (s *Scheduler) TriggerAsync() error {
	if !s.runMu.TryLock() {
		return ErrRunInProgress
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.runMu.Unlock()
		s.execute(s.ctx)
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context) (*models.RunReport, error) {
	s.setRunning(true)
	defer s.setRunning(false)

	report, err := s.run(ctx)
	s.history.Add(report)

	if err != nil {
		s.backoff.RecordFailure()
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"failures": s.backoff.Failures(),
		}).Error("Synchronization run failed")
		return report, err
	}

	s.backoff.RecordSuccess()
	return report, nil
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Running reports whether a run is active
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// History returns the run history
func (s *Scheduler) History() *RunHistory {
	return s.history
}

// NextRun returns when the schedule fires next, or zero if not started
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return time.Time{}
	}
	_, next := s.cron.NextRun()
	return next
}
