// Package scheduler drives the periodic jobs: order monitoring, auto-verification, credential
// refresh and the daily report. All jobs run on a single goroutine so they never overlap.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
	"github.com/vasiliy-maslov/autoverify/internal/notify"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
)

const (
	JobMonitor      = "monitor"
	JobAutoVerify   = "auto_verify"
	JobTokenRefresh = "token_refresh"
	JobDailyReport  = "daily_report"

	tokenCheckInterval = 5 * time.Minute
)

type Monitor interface {
	Monitor(ctx context.Context) (order.MonitorReport, error)
}

type AutoVerifier interface {
	AutoVerifyUnverified(ctx context.Context) (redemption.AutoReport, error)
}

type TokenRefresher interface {
	RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (order.Stats, error)
}

// Jobs holds the collaborators. Refresher and Stats are optional.
type Jobs struct {
	Monitor   Monitor
	Verifier  AutoVerifier
	Refresher TokenRefresher
	Stats     StatsSource
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	jobs     Jobs
	notifier notify.Notifier
	now      func() time.Time
}

func New(cfg config.SchedulerConfig, jobs Jobs, notifier notify.Notifier) *Scheduler {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Scheduler{cfg: cfg, jobs: jobs, notifier: notifier, now: time.Now}
}

// Run blocks until ctx is cancelled. Monitoring runs once immediately, then on every tick.
func (s *Scheduler) Run(ctx context.Context) error {
	monitorTicker := time.NewTicker(s.cfg.CheckInterval)
	defer monitorTicker.Stop()
	verifyTicker := time.NewTicker(s.cfg.AutoVerifyInterval)
	defer verifyTicker.Stop()

	var tokenC <-chan time.Time
	if s.jobs.Refresher != nil {
		t := time.NewTicker(tokenCheckInterval)
		defer t.Stop()
		tokenC = t.C
	}

	var reportC <-chan time.Time
	var reportTimer *time.Timer
	if s.jobs.Stats != nil && s.cfg.DailyReportHour >= 0 {
		reportTimer = time.NewTimer(nextDailyRun(s.now(), s.cfg.DailyReportHour).Sub(s.now()))
		defer reportTimer.Stop()
		reportC = reportTimer.C
	}

	log.Info().
		Dur("check_interval", s.cfg.CheckInterval).
		Dur("auto_verify_interval", s.cfg.AutoVerifyInterval).
		Int("daily_report_hour", s.cfg.DailyReportHour).
		Msg("scheduler: started")

	s.runMonitor(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: stopped")
			return nil
		case <-monitorTicker.C:
			s.runMonitor(ctx)
		case <-verifyTicker.C:
			s.runAutoVerify(ctx)
		case <-tokenC:
			s.runTokenRefresh(ctx)
		case <-reportC:
			s.runDailyReport(ctx)
			reportTimer.Reset(nextDailyRun(s.now(), s.cfg.DailyReportHour).Sub(s.now()))
		}
	}
}

// RunOnce runs one monitoring pass followed by one auto-verification pass. Both run even
// when the first fails.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	monitorErr := s.runMonitor(ctx)
	verifyErr := s.runAutoVerify(ctx)
	return errors.Join(monitorErr, verifyErr)
}

func (s *Scheduler) runMonitor(ctx context.Context) error {
	return s.runJob(ctx, JobMonitor, func(ctx context.Context) error {
		_, err := s.jobs.Monitor.Monitor(ctx)
		return err
	})
}

func (s *Scheduler) runAutoVerify(ctx context.Context) error {
	return s.runJob(ctx, JobAutoVerify, func(ctx context.Context) error {
		_, err := s.jobs.Verifier.AutoVerifyUnverified(ctx)
		return err
	})
}

func (s *Scheduler) runTokenRefresh(ctx context.Context) error {
	return s.runJob(ctx, JobTokenRefresh, func(ctx context.Context) error {
		_, err := s.jobs.Refresher.RefreshIfExpiring(ctx, s.cfg.TokenRefreshWindow)
		return err
	})
}

func (s *Scheduler) runDailyReport(ctx context.Context) error {
	return s.runJob(ctx, JobDailyReport, func(ctx context.Context) error {
		st, err := s.jobs.Stats.Stats(ctx)
		if err != nil {
			return err
		}
		s.notifier.Notify(ctx, notify.DailyReport(s.now(), st))
		return nil
	})
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	runID := ""
	if id, idErr := uuid.NewV4(); idErr == nil {
		runID = id.String()
	}
	logger := log.With().Str("job", name).Str("run_id", runID).Logger()
	start := s.now()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic_value", p).Msg("scheduler: panic recovered in job")
			err = errors.New("scheduler: job panicked")
		}
		status := "ok"
		if err != nil {
			status = "error"
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("scheduler: job failed")
			if !errors.Is(err, context.Canceled) {
				s.notifier.Notify(ctx, notify.Failure(name, err))
			}
		} else {
			logger.Debug().Dur("duration", time.Since(start)).Msg("scheduler: job finished")
		}
		metrics.SchedulerRunsTotal.WithLabelValues(name, status).Inc()
	}()

	return fn(ctx)
}

// nextDailyRun returns the next time at hour:00 local to now, strictly after now.
func nextDailyRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
