package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/pkg/config"
	"github.com/fatflowers/vpnbilling/pkg/config/configtest"
)

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	started chan string
	release chan struct{}
	err     error
}

func (r *fakeRunner) RunJob(ctx context.Context, name string) (*reconcile.JobReport, error) {
	r.mu.Lock()
	r.runs = append(r.runs, name)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- name
	}
	if r.release != nil {
		<-r.release
	}
	return &reconcile.JobReport{Job: name}, r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newScheduler(t *testing.T, runner Runner, locker Locker, mutate func(*config.SchedulerConfig)) *Scheduler {
	t.Helper()
	cfg := configtest.New()
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, LockTTL: time.Minute}
	if mutate != nil {
		mutate(&cfg.Scheduler)
	}
	return New(cfg, zap.NewNop().Sugar(), runner, locker)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	token, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.TryLock(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l.Unlock(ctx, "k", "someone-else"))
	_, err = l.TryLock(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l.Unlock(ctx, "k", token))
	_, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "expired", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = l.TryLock(ctx, "expired", time.Minute)
	require.NoError(t, err)
}

func TestRunOnce_SkipsWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	runner := &fakeRunner{}
	s := newScheduler(t, runner, locker, nil)

	token, err := locker.TryLock(ctx, lockPrefix+reconcile.JobAutoRenew, time.Minute)
	require.NoError(t, err)
	_, err = s.RunOnce(ctx, reconcile.JobAutoRenew)
	require.ErrorIs(t, err, ErrLockHeld)
	require.Zero(t, runner.count())

	require.NoError(t, locker.Unlock(ctx, lockPrefix+reconcile.JobAutoRenew, token))
	report, err := s.RunOnce(ctx, reconcile.JobAutoRenew)
	require.NoError(t, err)
	require.Equal(t, reconcile.JobAutoRenew, report.Job)

	// released after the run
	_, err = s.RunOnce(ctx, reconcile.JobAutoRenew)
	require.NoError(t, err)
	require.Equal(t, 2, runner.count())
}

func TestRunOnce_ReleasesLockOnError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s := newScheduler(t, runner, NewLocalLocker(), nil)

	_, err := s.RunOnce(context.Background(), reconcile.JobPendingPoll)
	require.EqualError(t, err, "boom")
	_, err = s.RunOnce(context.Background(), reconcile.JobPendingPoll)
	require.EqualError(t, err, "boom")
	require.Equal(t, 2, runner.count())
}

func TestRegister(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, NewLocalLocker(), func(c *config.SchedulerConfig) {
		c.AutoRenew = "30 * * * *"
		c.PendingPoll = "*/10 * * * *"
	})
	require.NoError(t, s.Register())
	require.Len(t, s.cron.Entries(), 2)

	bad := newScheduler(t, &fakeRunner{}, NewLocalLocker(), func(c *config.SchedulerConfig) {
		c.RemoteSync = "every day"
	})
	require.Error(t, bad.Register())
}

func TestStop_WaitsForRunningTick(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 1), release: make(chan struct{})}
	s := newScheduler(t, runner, NewLocalLocker(), func(c *config.SchedulerConfig) {
		c.AutoRenew = "@every 1s"
	})
	require.NoError(t, s.Register())
	s.Start()

	select {
	case name := <-runner.started:
		require.Equal(t, reconcile.JobAutoRenew, name)
	case <-time.After(5 * time.Second):
		t.Fatal("job never ticked")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a job was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestStop_TimesOutAndCancels(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 1), release: make(chan struct{})}
	s := newScheduler(t, runner, NewLocalLocker(), func(c *config.SchedulerConfig) {
		c.AutoRenew = "@every 1s"
	})
	require.NoError(t, s.Register())
	s.Start()
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	require.Error(t, s.ctx.Err())
	close(runner.release)
}
