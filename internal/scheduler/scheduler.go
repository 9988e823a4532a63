// Package scheduler runs monitor collection cycles on a cron spec.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"lookout/internal/jobs"
	"lookout/internal/lock"
	"lookout/internal/logging"
)

// Cycle runs one collection pass over all monitors.
type Cycle interface {
	RunAll(ctx context.Context, sample bool) (map[string][]jobs.TaskReport, error)
}

// Scheduler wraps robfig/cron. Overlapping ticks are skipped, and when a
// shared locker is set only one process runs a given cycle.
type Scheduler struct {
	cron   *cron.Cron
	cycle  Cycle
	locker lock.Locker
	spec   string // e.g. "@every 6h"
	sample bool
}

func New(spec string, sample bool, cycle Cycle, locker lock.Locker) *Scheduler {
	l := cronLogger{}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		cycle:  cycle,
		locker: locker,
		spec:   spec,
		sample: sample,
	}
}

// Start registers the cycle and starts the cron loop. One cycle also runs
// right away so a fresh deployment does not wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.runCycle(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", s.spec, err)
	}
	s.cron.Start()
	logging.Info("scheduler_started", map[string]any{"spec": s.spec, "sample": s.sample})
	go s.runCycle(ctx)
	return nil
}

// Stop stops the cron loop and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Info("scheduler_stopped", nil)
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if s.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, time.Second)
		unlock, err := s.locker.Lock(lockCtx, "cycle")
		cancel()
		if err != nil {
			logging.Info("cycle_skipped", map[string]any{"reason": "another cycle holds the lock"})
			return
		}
		defer unlock()
	}
	reports, err := s.cycle.RunAll(ctx, s.sample)
	tasks, failed := 0, 0
	for _, rs := range reports {
		for _, r := range rs {
			tasks++
			if r.Err != nil {
				failed++
			}
		}
	}
	fields := map[string]any{"monitors": len(reports), "tasks": tasks, "failed": failed}
	if err != nil && !errors.Is(err, context.Canceled) {
		fields["error"] = err.Error()
		logging.Error("cycle_failed", fields)
		return
	}
	logging.Info("cycle_done", fields)
}

// cronLogger routes robfig/cron's logr-style calls into logging.
type cronLogger struct{}

func kv(keysAndValues []interface{}) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron_"+msg, kv(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kv(keysAndValues)
	f["error"] = err.Error()
	logging.Error("cron_"+msg, f)
}
