// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package scheduler triggers reconciliation passes on a cron or interval
// cadence and on demand, running at most one pass at a time.
//
// A trigger that arrives while a pass is running is folded into a single
// pending re-run; any number of triggers during one pass cause exactly one
// follow-up pass.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/reconcile"
)

// Trigger sources.
const (
	SourceSchedule  = "schedule"
	SourceStartup   = "startup"
	SourceManual    = "manual"
	SourceCoalesced = "coalesced"
)

// TriggerOutcome says what happened to a trigger.
type TriggerOutcome string

const (
	// TriggerStarted means a pass will start immediately.
	TriggerStarted TriggerOutcome = "started"
	// TriggerQueued means a pass is running and one re-run is now pending.
	TriggerQueued TriggerOutcome = "queued"
	// TriggerCoalesced means a re-run was already pending.
	TriggerCoalesced TriggerOutcome = "coalesced"
	// TriggerSkipped means a scheduled trigger fell inside min_interval of
	// the last completed pass.
	TriggerSkipped TriggerOutcome = "skipped"
)

// PassRunner executes one pass.
type PassRunner interface {
	Run(ctx context.Context) (*models.PassReport, error)
}

// MarkLoader reads the last completed pass.
type MarkLoader interface {
	LoadMark(ctx context.Context) (models.RunMark, error)
}

// Config controls the cadence.
type Config struct {
	// Cron takes precedence over Interval when set.
	Cron        string
	Interval    time.Duration
	Timezone    string
	RunOnStart  bool
	MinInterval time.Duration
}

// Scheduler owns the single-pass guard.
type Scheduler struct {
	runner PassRunner
	marks  MarkLoader
	cfg    Config
	cron   *Cron
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time

	busy    atomic.Bool
	pending atomic.Bool
	kick    chan string
	nextRun atomic.Int64
}

// New builds a Scheduler. marks may be nil, which disables min_interval
// suppression.
func New(runner PassRunner, marks MarkLoader, cfg Config) (*Scheduler, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		runner: runner,
		marks:  marks,
		cfg:    cfg,
		loc:    loc,
		logger: logging.WithComponent("scheduler"),
		now:    time.Now,
		kick:   make(chan string, 1),
	}
	if cfg.Cron != "" {
		if s.cron, err = ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("schedule.cron: %w", err)
		}
	} else if cfg.Interval <= 0 {
		return nil, fmt.Errorf("schedule needs a cron expression or a positive interval")
	}
	return s, nil
}

// Busy reports whether a pass is running.
func (s *Scheduler) Busy() bool { return s.busy.Load() }

// NextRun returns the next scheduled trigger time, or zero before Serve.
func (s *Scheduler) NextRun() time.Time {
	n := s.nextRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).In(s.loc)
}

func (s *Scheduler) next(after time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(after, s.loc)
	}
	return after.Add(s.cfg.Interval)
}

// Serve runs the trigger loop until ctx is done. It implements
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.cron != nil {
		s.logger.Info().Str("cron", s.cron.String()).Str("timezone", s.loc.String()).Msg("Scheduler starting")
	} else {
		s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Scheduler starting")
	}

	if s.cfg.RunOnStart {
		s.Trigger(SourceStartup)
	}

	next := s.next(s.now())
	if next.IsZero() {
		return fmt.Errorf("cron expression %q never fires", s.cfg.Cron)
	}
	s.nextRun.Store(next.UnixNano())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case source := <-s.kick:
			s.execute(ctx, source)
		case <-timer.C:
			s.Trigger(SourceSchedule)
			next = s.next(s.now())
			s.nextRun.Store(next.UnixNano())
			timer.Reset(time.Until(next))
			s.logger.Debug().Time("next_run", next).Msg("Next scheduled pass")
		}
	}
}

// Trigger requests a pass. It never blocks.
func (s *Scheduler) Trigger(source string) TriggerOutcome {
	outcome := s.trigger(source)
	metrics.RecordTrigger(source, string(outcome))
	s.logger.Debug().Str("source", source).Str("outcome", string(outcome)).Msg("Pass triggered")
	return outcome
}

func (s *Scheduler) trigger(source string) TriggerOutcome {
	if source == SourceSchedule && s.suppressed() {
		return TriggerSkipped
	}

	if s.busy.Load() {
		outcome := TriggerQueued
		if s.pending.Swap(true) {
			outcome = TriggerCoalesced
		}
		// The pass may have finished between the two loads.
		if !s.busy.Load() && s.pending.CompareAndSwap(true, false) {
			return s.send(source)
		}
		return outcome
	}
	return s.send(source)
}

func (s *Scheduler) send(source string) TriggerOutcome {
	select {
	case s.kick <- source:
		return TriggerStarted
	default:
		return TriggerCoalesced
	}
}

// suppressed reports whether the last completed pass is within
// MinInterval.
func (s *Scheduler) suppressed() bool {
	if s.cfg.MinInterval <= 0 || s.marks == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mark, err := s.marks.LoadMark(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load run mark")
		return false
	}
	if mark.IsZero() {
		return false
	}
	if since := s.now().Sub(mark.CompletedAt); since < s.cfg.MinInterval {
		s.logger.Info().Dur("since_last", since).Dur("min_interval", s.cfg.MinInterval).
			Msg("Skipping scheduled pass, last pass is too recent")
		return true
	}
	return false
}

// execute runs one pass, then one more for every pending re-run.
func (s *Scheduler) execute(ctx context.Context, source string) {
	for {
		s.busy.Store(true)
		metrics.SetSchedulerBusy(true)
		s.runPass(ctx, source)
		s.busy.Store(false)
		metrics.SetSchedulerBusy(false)

		if !s.pending.Swap(false) || ctx.Err() != nil {
			return
		}
		source = SourceCoalesced
	}
}

func (s *Scheduler) runPass(ctx context.Context, source string) {
	ctx = logging.ContextWithNewCorrelationID(reconcile.ContextWithTrigger(ctx, source))
	report, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("source", source).Msg("Pass failed")
		return
	}
	if report != nil {
		s.logger.Debug().Str("pass_id", report.ID).Str("status", string(report.Status)).Msg("Pass returned")
	}
}

// RunOnce runs a single pass in the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.PassReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("a pass is already running")
	}
	defer s.busy.Store(false)
	metrics.SetSchedulerBusy(true)
	defer metrics.SetSchedulerBusy(false)

	ctx = logging.ContextWithNewCorrelationID(reconcile.ContextWithTrigger(ctx, SourceStartup))
	return s.runner.Run(ctx)
}

// String identifies the service in supervisor logs.
func (s *Scheduler) String() string { return "scheduler" }
