// Package schedule starts a fixed target list on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Starter begins a run. The engine satisfies it.
type Starter interface {
	Start(ctx context.Context, items []queue.WorkItem, concurrency int) (queue.StartResult, error)
}

// Config describes the scheduled run.
type Config struct {
	Spec        string
	Targets     []string
	Concurrency int
	// Timeout bounds each Start call. Defaults to 30s.
	Timeout time.Duration
}

const defaultStartTimeout = 30 * time.Second

// Scheduler fires Start on every tick of Spec. A tick that lands while a run
// is still active is skipped.
type Scheduler struct {
	cfg     Config
	items   []queue.WorkItem
	starter Starter
	cron    *cron.Cron
	logger  *zap.Logger
}

// New validates the cron expression and target list.
func New(cfg Config, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("scheduler requires a starter")
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", cfg.Spec, err)
	}
	items := make([]queue.WorkItem, 0, len(cfg.Targets))
	for _, target := range cfg.Targets {
		if target = strings.TrimSpace(target); target != "" {
			items = append(items, queue.WorkItem{Target: target})
		}
	}
	if len(items) == 0 {
		return nil, errors.New("scheduler requires at least one target")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		items:   items,
		starter: starter,
		cron:    cron.New(),
		logger:  logger.Named("schedule"),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, func() { s.fire(context.Background()) }); err != nil {
		return nil, fmt.Errorf("add cron job: %w", err)
	}
	return s, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("schedule started",
		zap.String("cron", s.cfg.Spec),
		zap.Int("targets", len(s.items)),
		zap.Time("next", s.Next()),
	)
}

// Stop halts ticking and waits for an in-progress Start to return or ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop schedule: %w", ctx.Err())
	}
}

// Next returns the next activation, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) fire(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()
	res, err := s.starter.Start(ctx, s.items, s.cfg.Concurrency)
	switch {
	case errors.Is(err, queue.ErrAlreadyRunning):
		s.logger.Info("scheduled run skipped: previous run still active")
	case err != nil:
		s.logger.Error("scheduled run failed to start", zap.Error(err))
	default:
		s.logger.Info("scheduled run started", zap.String("run_id", res.RunID), zap.Int("total", res.Total))
	}
}
