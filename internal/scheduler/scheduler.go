// Package scheduler runs the background loops on fixed intervals. Every job
// gets a context that is cancelled on Stop, and a run that is still going
// when its next tick fires is skipped.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

type Job func(ctx context.Context) error

type Scheduler struct {
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	log := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn to run every interval. Errors are logged and counted
// under name; they never stop the schedule.
func (s *Scheduler) Add(name string, every time.Duration, fn Job) error {
	if every < time.Second {
		return fmt.Errorf("scheduler: %s interval %v is below one second", name, every)
	}
	_, err := s.c.AddFunc("@every "+every.String(), func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	logx.L().Infow("scheduler_job_added", "job", name, "every", every.String())
	return nil
}

func (s *Scheduler) run(name string, fn Job) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := fn(s.ctx); err != nil {
		metrics.BackgroundErrorsTotal.WithLabelValues(name).Inc()
		logx.L().Warnw("scheduler_job_error", "job", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logx.L().Debugw("scheduler_job_done", "job", name, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop cancels running jobs and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logx.L().Debugw("cron_"+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logx.L().Errorw("cron_"+msg, append(keysAndValues, "error", err)...)
}
