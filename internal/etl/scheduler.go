package etl

import (
	"context"
	"time"

	"coinsync/config"

	"go.uber.org/zap"
)

// FeedGenerator regenerates the CSV feed the csvfeed source reads.
type FeedGenerator interface {
	Generate(ctx context.Context) error
}

// Scheduler drives two independent periodic jobs: feed regeneration and the
// ETL run-all sweep. Periodic and manual triggers share the runner's
// per-source locks, so a tick that lands while a run is in flight is simply
// skipped rather than queued.
type Scheduler struct {
	cfg    config.SchedulerConfig
	runner *Runner
	feed   FeedGenerator
	logger *zap.Logger
	stop   chan struct{}
}

func NewScheduler(cfg config.SchedulerConfig, runner *Runner, feed FeedGenerator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		feed:   feed,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start launches the periodic loops. When the scheduler is disabled no
// ticks fire, but manual and background triggers stay available through
// the runner.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled, periodic runs off")
		return
	}

	s.logger.Info("scheduler started",
		zap.Duration("feed_interval", s.cfg.FeedInterval),
		zap.Duration("etl_interval", s.cfg.ETLInterval))

	go s.feedLoop()
	go s.etlLoop()
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

// feedLoop regenerates the feed immediately at startup so the first ETL
// tick observes a snapshot, then on every interval.
func (s *Scheduler) feedLoop() {
	s.generateFeed()

	ticker := time.NewTicker(s.cfg.FeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.generateFeed()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) generateFeed() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FeedInterval)
	defer cancel()

	if err := s.feed.Generate(ctx); err != nil {
		s.logger.Error("feed regeneration failed", zap.Error(err))
	}
}

func (s *Scheduler) etlLoop() {
	ticker := time.NewTicker(s.cfg.ETLInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			results := s.runner.RunAll(context.Background())
			for _, res := range results {
				if res.Status == StatusRejected {
					s.logger.Info("periodic tick skipped, run in flight",
						zap.String("source", res.Source))
				}
			}
		case <-s.stop:
			return
		}
	}
}
