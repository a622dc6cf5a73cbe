package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscal-inbox-go/internal/config"
	"fiscal-inbox-go/internal/ingest"
)

type stubRunner struct {
	mu       sync.Mutex
	triggers []string
	deadline bool
	err      error
}

func (r *stubRunner) RunCycle(ctx context.Context, trigger string) (*ingest.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	_, r.deadline = ctx.Deadline()
	if r.err != nil {
		return nil, r.err
	}
	return &ingest.CycleReport{CycleID: "c-1", Trigger: trigger, Imported: 3}, nil
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func TestSchedulerRestart(t *testing.T) {
	cfg := &config.SchedulerConfig{Cron: "0 0 * * * *", CycleTimeout: time.Minute}
	sched := NewScheduler(cfg, &stubRunner{})

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start())
	assert.False(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	// a restart must hand out a live context
	assert.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err())
	require.NoError(t, sched.Stop())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	sched := NewScheduler(&config.SchedulerConfig{Cron: "hourly", CycleTimeout: time.Minute}, &stubRunner{})
	assert.Error(t, sched.Start())
	assert.False(t, sched.IsRunning())
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	runner := &stubRunner{}
	sched := NewScheduler(&config.SchedulerConfig{Cron: "* * * * * *", CycleTimeout: time.Minute}, runner)

	require.NoError(t, sched.Start())
	defer sched.Stop()

	assert.Eventually(t, func() bool { return runner.count() > 0 }, 3*time.Second, 50*time.Millisecond)

	runner.mu.Lock()
	assert.Equal(t, ingest.TriggerSchedule, runner.triggers[0])
	assert.True(t, runner.deadline)
	runner.mu.Unlock()
}

type blockingRunner struct {
	entered chan struct{}
	once    sync.Once
}

func (r *blockingRunner) RunCycle(ctx context.Context, trigger string) (*ingest.CycleReport, error) {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	return &ingest.CycleReport{CycleID: "c-blocked", Trigger: trigger}, ctx.Err()
}

func TestStopDuringRunningCycle(t *testing.T) {
	runner := &blockingRunner{entered: make(chan struct{})}
	sched := NewScheduler(&config.SchedulerConfig{Cron: "* * * * * *", CycleTimeout: time.Minute}, runner)
	require.NoError(t, sched.Start())

	select {
	case <-runner.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("cycle never started")
	}

	start := time.Now()
	require.NoError(t, sched.Stop())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, sched.IsRunning())

	last, lastErr := sched.LastReport()
	require.NotNil(t, last)
	assert.Equal(t, "c-blocked", last.CycleID)
	assert.True(t, errors.Is(lastErr, context.Canceled))

	// stopping twice is a no-op
	require.NoError(t, sched.Stop())
}

func TestRunOnce(t *testing.T) {
	runner := &stubRunner{}
	sched := NewScheduler(&config.SchedulerConfig{Cron: "0 0 * * * *", CycleTimeout: time.Minute}, runner)

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, []string{ingest.TriggerManual}, runner.triggers)

	last, lastErr := sched.LastReport()
	assert.NoError(t, lastErr)
	assert.Equal(t, report, last)
}

func TestRunOnceInProgressKeepsLastReport(t *testing.T) {
	runner := &stubRunner{}
	sched := NewScheduler(&config.SchedulerConfig{Cron: "0 0 * * * *", CycleTimeout: time.Minute}, runner)

	_, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	runner.err = ingest.ErrCycleInProgress
	_, err = sched.RunOnce(context.Background())
	assert.True(t, errors.Is(err, ingest.ErrCycleInProgress))

	last, lastErr := sched.LastReport()
	assert.NoError(t, lastErr)
	assert.NotNil(t, last)
}
