// Package scheduler runs the reconciliation jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/pkg/config"
)

const lockPrefix = "vpnbilling:job:"

type Runner interface {
	RunJob(ctx context.Context, name string) (*reconcile.JobReport, error)
}

type Scheduler struct {
	cfg    config.SchedulerConfig
	log    *zap.SugaredLogger
	runner Runner
	locker Locker
	cron   *cron.Cron

	// ctx is handed to every tick and canceled when Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, log *zap.SugaredLogger, runner Runner, locker Locker) *Scheduler {
	log = log.Named("scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg.Scheduler,
		log:    log,
		runner: runner,
		locker: locker,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) specs() map[string]string {
	return map[string]string{
		reconcile.JobRemoteSync:   s.cfg.RemoteSync,
		reconcile.JobExpiryNotify: s.cfg.ExpiryNotify,
		reconcile.JobAutoRenew:    s.cfg.AutoRenew,
		reconcile.JobPendingPoll:  s.cfg.PendingPoll,
	}
}

// Register adds every job with a non-empty schedule.
func (s *Scheduler) Register() error {
	for _, name := range reconcile.JobNames() {
		spec := s.specs()[name]
		if spec == "" {
			s.log.Infow("job not scheduled", "job", name)
			continue
		}
		if _, err := s.cron.AddFunc(spec, func() { s.tick(name) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		s.log.Infow("job scheduled", "job", name, "schedule", spec)
	}
	return nil
}

func (s *Scheduler) tick(name string) {
	if _, err := s.RunOnce(s.ctx, name); err != nil && !errors.Is(err, ErrLockHeld) {
		s.log.Errorw("job run failed", "job", name, "error", err)
	}
}

// RunOnce runs the job now under its lock. ErrLockHeld means another run is in progress.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*reconcile.JobReport, error) {
	key := lockPrefix + name
	token, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			s.log.Infow("job skipped: lock held", "job", name)
		}
		return nil, err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, key, token); err != nil {
			s.log.Warnw("job unlock failed", "job", name, "error", err)
		}
	}()
	return s.runner.RunJob(ctx, name)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infow("scheduler started", "entries", len(s.cron.Entries()))
}

// Stop prevents new ticks and waits for running ones until ctx expires. On expiry the
// running ticks are canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.log.Infow("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warnw("scheduler stop timed out, running jobs canceled")
		return ctx.Err()
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

func newLocker(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger) Locker {
	if cfg.Redis.Addr == "" {
		log.Infow("redis not configured, job locks are process-local")
		return NewLocalLocker()
	}
	cli := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return cli.Close() },
	})
	return NewRedisLocker(cli)
}

func newRunner(e *reconcile.Engine) Runner { return e }

func run(lc fx.Lifecycle, cfg *config.Config, s *Scheduler) error {
	if !cfg.Scheduler.Enabled {
		s.log.Infow("scheduler disabled")
		return nil
	}
	if err := s.Register(); err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if t := cfg.Scheduler.StopTimeout; t > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, t)
				defer cancel()
			}
			return s.Stop(ctx)
		},
	})
	return nil
}

var Module = fx.Options(
	fx.Provide(newLocker, newRunner, New),
	fx.Invoke(run),
)
