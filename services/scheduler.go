// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type SchedulerConfig struct {
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	ReminderInterval  time.Duration
	// Archiver is optional; the nightly archive job is skipped without it.
	Archiver Archiver
	// JobTimeout bounds one run of any job.
	JobTimeout time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = 15 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

// StartScheduler runs the reconciliation sweep, the deadline reminders and
// the nightly FAILED archive. The caller owns the returned scheduler and
// must Shutdown it.
func (s *BountyService) StartScheduler(cfg SchedulerConfig) (gocron.Scheduler, error) {
	cfg = cfg.withDefaults()
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	run := func(name string, fn func(ctx context.Context) error) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
			defer cancel()
			if err := fn(ctx); err != nil {
				log.Printf("[Scheduler] %s failed: %v", name, err)
			}
		}
	}

	// Every interval: settle open ledger operations
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ReconcileInterval),
		gocron.NewTask(run("reconcile", func(ctx context.Context) error {
			_, err := s.Sweep(ctx, cfg.StaleAfter)
			return err
		})),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reconcile"),
	); err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.ReminderInterval),
		gocron.NewTask(run("deadline reminders", func(ctx context.Context) error {
			_, err := s.RemindOverdue(ctx)
			return err
		})),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("deadline-reminders"),
	); err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	if cfg.Archiver != nil {
		// 03:00 UTC: archive FAILED bounties for manual reconciliation
		if _, err := sched.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
			gocron.NewTask(run("failed archive", func(ctx context.Context) error {
				n, err := s.ArchiveFailed(ctx, cfg.Archiver)
				if n > 0 {
					log.Printf("📦 [Scheduler] archived %d FAILED bounties", n)
				}
				return err
			})),
			gocron.WithName("failed-archive"),
		); err != nil {
			_ = sched.Shutdown()
			return nil, err
		}
	}

	sched.Start()
	log.Printf("[Scheduler] started (reconcile every %s, stale after %s)", cfg.ReconcileInterval, cfg.StaleAfter)
	return sched, nil
}
