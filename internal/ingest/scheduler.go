package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/config"
)

// Scheduler owns the three recurring ingestion jobs. Each job is wrapped
// with SkipIfStillRunning so a tick that overlaps a slow predecessor is
// skipped, never queued.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	spot    *SpotIngester
	futures *FuturesIngester
	lending *LendingIngester
	log     zerolog.Logger
}

func NewScheduler(cfg *config.Config, spot *SpotIngester, futures *FuturesIngester, lending *LendingIngester, log zerolog.Logger) *Scheduler {
	schedLog := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{schedLog}),
			cron.Recover(cronLogger{schedLog}),
		)),
		cfg:     cfg,
		spot:    spot,
		futures: futures,
		lending: lending,
		log:     schedLog,
	}
}

// Start registers the periodic jobs and launches the startup sequence:
// backfill once (respecting completion state), an immediate catch-up, then
// the periodic loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(every(s.cfg.FetchIntervalHours), func() { s.spotTick(ctx) }); err != nil {
		return fmt.Errorf("register spot job: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.cfg.FuturesFundingIntervalHrs), func() { s.futuresTick(ctx) }); err != nil {
		return fmt.Errorf("register futures job: %w", err)
	}
	if s.lending != nil {
		if _, err := s.cron.AddFunc(every(s.cfg.LendingFetchIntervalHours), func() { s.lendingTick(ctx) }); err != nil {
			return fmt.Errorf("register lending job: %w", err)
		}
	} else {
		s.log.Warn().Msg("lending ingester unavailable, lending job not scheduled")
	}

	go s.startupSequence(ctx)

	s.cron.Start()
	s.log.Info().
		Int("spot_interval_hours", s.cfg.FetchIntervalHours).
		Int("futures_interval_hours", s.cfg.FuturesFundingIntervalHrs).
		Int("lending_interval_hours", s.cfg.LendingFetchIntervalHours).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) startupSequence(ctx context.Context) {
	if s.cfg.InitialBackfillDays > 0 {
		s.log.Info().Msg("running initial backfill")
		s.spot.BackfillAll(ctx, false)
		s.futures.BackfillAll(ctx, false)
		if s.lending != nil {
			if _, err := s.lending.Backfill(ctx, false); err != nil {
				s.log.Error().Err(err).Msg("lending backfill failed")
			}
		}
		s.log.Info().Msg("initial backfill finished")
	}

	if ctx.Err() != nil {
		return
	}

	s.spotTick(ctx)
	s.futuresTick(ctx)
	if s.lending != nil {
		s.lendingTick(ctx)
	}
}

func (s *Scheduler) spotTick(ctx context.Context) {
	start := time.Now()
	results := s.spot.CatchUpAll(ctx)

	var total int64
	for _, count := range results {
		total += count
	}
	s.log.Info().Int64("new_rows", total).Dur("took", time.Since(start)).Msg("spot fetch tick finished")
}

func (s *Scheduler) futuresTick(ctx context.Context) {
	start := time.Now()
	results := s.futures.CatchUpAll(ctx)

	var total int64
	for _, metrics := range results {
		for _, count := range metrics {
			total += count
		}
	}
	s.log.Info().Int64("new_rows", total).Dur("took", time.Since(start)).Msg("futures fetch tick finished")
}

func (s *Scheduler) lendingTick(ctx context.Context) {
	start := time.Now()
	results, err := s.lending.FetchAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("lending fetch tick failed")
		return
	}

	var total int64
	for _, count := range results {
		total += count
	}
	s.log.Info().Int64("new_rows", total).Dur("took", time.Since(start)).Msg("lending fetch tick finished")
}

func every(hours int) string {
	if hours <= 0 {
		hours = 12
	}
	return fmt.Sprintf("@every %dh", hours)
}

// cronLogger adapts zerolog to the cron logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
