// Package scheduler runs the reminder loop: every tick it fetches upcoming
// events, announces the reminders that are due, records them in the dedup
// store and feeds the health monitor.
//
// Usage:
//
//	sched := scheduler.New(scheduler.Config{
//	    Source:    calendarSource,
//	    Announcer: haClient,
//	    Store:     store,
//	    Health:    monitor,
//	    Target:    "script.speaker_say",
//	    Interval:  time.Minute,
//	})
//	err := sched.Run(ctx) // returns ctx.Err() on shutdown
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calremind/internal/dedup"
	"calremind/internal/health"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/reminder"
)

const (
	DefaultInterval       = time.Minute
	DefaultLookahead      = time.Hour
	DefaultMaxResults     = 50
	DefaultRequestTimeout = 10 * time.Second
)

// EventSource lists calendar events starting within [timeMin, timeMax].
// Failures should wrap model.ErrSourceUnavailable.
type EventSource interface {
	FetchEvents(ctx context.Context, timeMin, timeMax time.Time, maxResults int) ([]model.CalendarEvent, error)
}

// Announcer speaks a message on a target device. Failures should wrap
// model.ErrNotificationFailed.
type Announcer interface {
	Announce(ctx context.Context, target, message string) error
}

// Config configures a Scheduler.
type Config struct {
	Source    EventSource
	Announcer Announcer
	Store     *dedup.Store
	Health    *health.Monitor

	// Target is the notification target id (e.g. "script.speaker_say").
	Target string
	// Template supports {event_name} and {minutes}.
	Template string

	Interval       time.Duration
	Lookahead      time.Duration
	MaxResults     int
	RequestTimeout time.Duration

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// TickReport summarizes one tick.
type TickReport struct {
	Start          time.Time        `json:"start"`
	Events         int              `json:"events"`
	Fired          int              `json:"fired"`
	NotifyFailures int              `json:"notify_failures"`
	FetchErr       error            `json:"-"`
	Alert          *health.Decision `json:"-"`
	AlertSent      bool             `json:"alert_sent"`
	Evicted        bool             `json:"evicted"`
	Errors         []error          `json:"-"`
}

// Scheduler owns the per-tick pipeline.
type Scheduler struct {
	cfg      Config
	schedule cron.Schedule

	mu       sync.Mutex
	lastTick TickReport
}

// New builds a Scheduler, filling defaults for zero values.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Template == "" {
		cfg.Template = reminder.DefaultTemplate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Health == nil {
		cfg.Health = health.New(health.Config{CheckInterval: cfg.Interval})
	}

	return &Scheduler{
		cfg:      cfg,
		schedule: cron.Every(cfg.Interval),
	}
}

// LastTick returns the report of the most recently completed tick.
func (s *Scheduler) LastTick() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Run ticks until ctx is cancelled. Each tick starts one interval after the
// previous tick started; a slow tick shortens the following wait. It
// returns ctx.Err() once cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	appLog.Info("scheduler started",
		"interval", s.cfg.Interval,
		"lookahead", s.cfg.Lookahead,
		"failure_threshold", s.cfg.Health.FailureThreshold(),
		"target", s.cfg.Target,
	)
	defer s.flush()

	for {
		tickStart := s.cfg.Now()
		s.safeTick(ctx)

		next := s.schedule.Next(tickStart)
		wait := next.Sub(s.cfg.Now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			appLog.Info("scheduler stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("scheduler tick panicked", fmt.Errorf("%v", r))
		}
	}()
	s.Tick(ctx)
}

func (s *Scheduler) flush() {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Flush(); err != nil {
		appLog.Error("dedup state flush on shutdown failed", err, "path", s.cfg.Store.Path())
	}
}

// Tick runs one fetch → plan → detect → notify → persist pass.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	now := s.cfg.Now()
	report := TickReport{Start: now}
	defer func() {
		s.mu.Lock()
		s.lastTick = report
		s.mu.Unlock()
	}()

	timeMax := now.Add(s.cfg.Lookahead)
	appLog.Debug("querying calendar",
		"time_min", now.UTC().Format(time.RFC3339),
		"time_max", timeMax.UTC().Format(time.RFC3339),
	)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	events, err := s.cfg.Source.FetchEvents(fetchCtx, now, timeMax, s.cfg.MaxResults)
	cancel()
	if err != nil {
		report.FetchErr = err
		if ctx.Err() != nil {
			// Shutdown interrupted the query; not a calendar outage.
			appLog.Info("calendar query abandoned", "reason", ctx.Err())
			return report
		}
		s.handleFetchFailure(ctx, now, err, &report)
		return report
	}

	if prev := s.cfg.Health.RecordSuccess(now); prev > 0 {
		appLog.Info("calendar query recovered", "previous_failures", prev)
	}

	report.Events = len(events)
	if len(events) == 0 {
		appLog.Debug("no upcoming events")
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			// Shutting down; untouched events keep their windows for next run.
			break
		}
		if err := s.processEvent(ctx, ev, &report); err != nil {
			report.Errors = append(report.Errors, err)
			appLog.Error("event processing failed", err, "event_id", ev.ID, "title", ev.Title)
		}
	}

	evicted, err := s.cfg.Store.EvictIfOversized()
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	report.Evicted = evicted

	if report.Fired > 0 || len(report.Errors) > 0 {
		appLog.Info("tick completed",
			"events", report.Events,
			"fired", report.Fired,
			"notify_failures", report.NotifyFailures,
			"errors", len(report.Errors),
		)
	}

	return report
}

func (s *Scheduler) handleFetchFailure(ctx context.Context, now time.Time, err error, report *TickReport) {
	failures := s.cfg.Health.RecordFailure()
	appLog.Error("calendar query failed", err,
		"consecutive_failures", failures,
		"threshold", s.cfg.Health.FailureThreshold(),
	)

	decision := s.cfg.Health.Evaluate(now)
	report.Alert = &decision

	switch decision {
	case health.DecisionBelowThreshold:
		return
	case health.DecisionQuietHours:
		appLog.Info("health alert suppressed by quiet hours", "consecutive_failures", failures)
		return
	case health.DecisionCooldown:
		appLog.Debug("health alert suppressed by re-alert interval", "consecutive_failures", failures)
		return
	}

	message := s.cfg.Health.AlertMessage()
	appLog.Info("sending health alert", "consecutive_failures", failures, "message", message)

	if err := s.announce(ctx, message); err != nil {
		appLog.Error("health alert failed", err, "target", s.cfg.Target)
		return
	}
	s.cfg.Health.MarkAlerted(now)
	report.AlertSent = true
}

// processEvent announces every due offset of ev. An offset is marked fired
// once the announcement was attempted, whatever its outcome.
func (s *Scheduler) processEvent(ctx context.Context, ev model.CalendarEvent, report *TickReport) error {
	if ev.ID == "" {
		return errors.New("event has no id")
	}

	now := s.cfg.Now()
	minutesUntil := ev.MinutesUntil(now)
	offsets := reminder.Plan(ev.Title)
	due := reminder.Due(offsets, minutesUntil, s.cfg.Store.Fired(ev.ID))

	appLog.Debug("event checked",
		"event_id", ev.ID,
		"title", ev.Title,
		"start", ev.Start.Format(time.RFC3339),
		"minutes_until", fmt.Sprintf("%.2f", minutesUntil),
		"offsets", offsets,
		"due", due,
	)

	var errs []error
	for _, offset := range due {
		message := reminder.Format(s.cfg.Template, ev.Title, minutesUntil)

		if err := s.announce(ctx, message); err != nil {
			report.NotifyFailures++
			appLog.Error("reminder announce failed", err, "event_id", ev.ID, "offset", offset)
		} else {
			appLog.Info("reminder sent", "event_id", ev.ID, "offset", offset, "message", message)
		}
		report.Fired++

		if err := s.cfg.Store.MarkFired(ev.ID, offset); err != nil {
			errs = append(errs, fmt.Errorf("mark offset %d: %w", offset, err))
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) announce(ctx context.Context, message string) error {
	actx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.cfg.Announcer.Announce(actx, s.cfg.Target, message)
}
