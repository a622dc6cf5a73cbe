package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/config"
	"fiscal-inbox-go/internal/ingest"
)

// CycleRunner runs one ingestion cycle
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string) (*ingest.CycleReport, error)
}

// Scheduler triggers ingestion cycles on the configured cron schedule
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	runner    CycleRunner
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	lastReport *ingest.CycleReport
	lastErr    error
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.SchedulerConfig, runner CycleRunner) *Scheduler {
	return &Scheduler{
		config: cfg,
		runner: runner,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	entryID, err := c.AddFunc(s.config.Cron, s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = c
	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with schedule: %s", s.config.Cron)
	return nil
}

// Stop stops the scheduler and waits for a running cycle to wind down
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.isRunning = false
	s.mu.Unlock()

	// a finishing cycle takes s.mu in record, so wait without holding it
	cancel()
	ctx := c.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) runScheduled() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping ingestion cycle")
		return
	}
	parent := s.ctx
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(parent, s.config.CycleTimeout)
	defer cancel()

	report, err := s.runner.RunCycle(ctx, ingest.TriggerSchedule)
	if errors.Is(err, ingest.ErrCycleInProgress) {
		logrus.Info("Previous ingestion cycle still running, skipping")
		return
	}
	s.record(report, err)
}

// RunOnce runs a cycle immediately, outside the schedule
func (s *Scheduler) RunOnce(ctx context.Context) (*ingest.CycleReport, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	logrus.Info("Running ingestion cycle once")

	ctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	report, err := s.runner.RunCycle(ctx, ingest.TriggerManual)
	if !errors.Is(err, ingest.ErrCycleInProgress) {
		s.record(report, err)
	}
	return report, err
}

func (s *Scheduler) record(report *ingest.CycleReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = report
	s.lastErr = err
}

// LastReport returns the outcome of the most recent cycle, if any
func (s *Scheduler) LastReport() (*ingest.CycleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport, s.lastErr
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last scheduled run
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait waits for running cycles to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
