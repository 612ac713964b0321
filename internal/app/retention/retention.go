// Package retention prunes finished tasks and old system log rows on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Parser accepts standard five-field specs, an optional seconds field and
// descriptors such as "@every 1h".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return nil
}

// Store deletes rows older than a cutoff.
type Store interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config selects when pruning runs and how much history is kept.
type Config struct {
	Schedule string
	KeepFor  time.Duration
}

// Result counts what one prune removed.
type Result struct {
	Cutoff time.Time
	Tasks  int64
	Logs   int64
}

// Service runs the prune job.
type Service struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a retention service.
func New(store Store, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.KeepFor <= 0 {
		cfg.KeepFor = 7 * 24 * time.Hour
	}
	return &Service{store: store, cfg: cfg, log: log, now: time.Now}
}

// RunOnce deletes terminal tasks and log rows older than the retention window.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().Add(-s.cfg.KeepFor)}
	var err error
	if res.Tasks, err = s.store.DeleteTerminalBefore(ctx, res.Cutoff); err != nil {
		return res, err
	}
	if res.Logs, err = s.store.DeleteLogsBefore(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("prune system log: %w", err)
	}
	if res.Tasks > 0 || res.Logs > 0 {
		s.log.Info("retention prune",
			zap.Time("cutoff", res.Cutoff),
			zap.Int64("tasks", res.Tasks),
			zap.Int64("logs", res.Logs))
	}
	return res, nil
}

// Start schedules RunOnce. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(Parser))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retention prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("retention scheduled", zap.String("schedule", s.cfg.Schedule), zap.Duration("keep_for", s.cfg.KeepFor))
	return nil
}

// Stop halts the schedule and waits for a running prune.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
