// Package ingest implements the backfill, catch-up, and gap-fill flows per
// metric, plus the cron scheduler that drives them. Failures are isolated per
// (asset, metric): one asset can never abort another's tick.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/binance"
	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

const spotInterval = 12 * time.Hour

// SpotIngester keeps the spot_ohlcv table current for the tracked assets.
type SpotIngester struct {
	client MarketData
	repo   Storage
	cfg    *config.Config
	log    zerolog.Logger
}

func NewSpotIngester(client MarketData, repo Storage, cfg *config.Config, log zerolog.Logger) *SpotIngester {
	return &SpotIngester{
		client: client,
		repo:   repo,
		cfg:    cfg,
		log:    log.With().Str("component", "spot_ingester").Logger(),
	}
}

// FetchAndStoreRange fetches one asset's candles for [start, end] and
// upserts them. Records are written in ascending timestamp order.
func (s *SpotIngester) FetchAndStoreRange(ctx context.Context, asset string, start, end time.Time) (int64, error) {
	candles, err := s.client.GetKlinesPaginated(ctx, binance.Symbol(asset), "12h", start, end)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		s.log.Warn().Str("asset", asset).Time("start", start).Time("end", end).Msg("no candles returned")
		return 0, nil
	}

	stored, err := s.repo.UpsertSpotCandles(ctx, asset, candles)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("asset", asset).Int64("stored", stored).
		Time("start", start).Time("end", end).Msg("stored spot candles")
	return stored, nil
}

// CatchUp fetches from (latest stored + 12h) to now. Returns 0 when the next
// expected candle is still in the future or no data exists yet.
func (s *SpotIngester) CatchUp(ctx context.Context, asset string) (int64, error) {
	latest, err := s.repo.LatestTimestamp(ctx, asset, models.MetricSpotOHLCV)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		s.log.Info().Str("asset", asset).Msg("no existing spot data, backfill required first")
		return 0, nil
	}

	next := latest.Add(spotInterval)
	now := time.Now().UTC()
	if next.After(now) {
		return 0, nil
	}

	s.log.Info().Str("asset", asset).Time("from", next).Msg("catching up spot data")
	return s.FetchAndStoreRange(ctx, asset, next, now)
}

// FillGaps fetches every missing grid range. A failed gap is logged and
// skipped; the remaining gaps still run.
func (s *SpotIngester) FillGaps(ctx context.Context, asset string) (int64, error) {
	gaps, err := s.repo.DetectGaps(ctx, asset, models.MetricSpotOHLCV, spotInterval)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		return 0, nil
	}

	s.log.Info().Str("asset", asset).Int("gaps", len(gaps)).Msg("filling spot gaps")

	var total int64
	for _, gap := range gaps {
		count, err := s.FetchAndStoreRange(ctx, asset, gap.Start, gap.End)
		if err != nil {
			s.log.Error().Err(err).Str("asset", asset).
				Time("gap_start", gap.Start).Time("gap_end", gap.End).Msg("failed to fill gap")
			continue
		}
		total += count
	}
	return total, nil
}

// Backfill covers the configured lookback for one asset, idempotently.
func (s *SpotIngester) Backfill(ctx context.Context, asset string, force bool) (int64, error) {
	return backfillFixedCadence(ctx, fixedCadenceBackfill{
		repo:         s.repo,
		log:          s.log,
		asset:        asset,
		metric:       models.MetricSpotOHLCV,
		interval:     spotInterval,
		lookbackDays: s.cfg.InitialBackfillDays,
		force:        force,
		fetchRange:   s.FetchAndStoreRange,
		fillGaps:     s.FillGaps,
	})
}

// BackfillAll runs Backfill for every tracked spot asset.
func (s *SpotIngester) BackfillAll(ctx context.Context, force bool) map[string]int64 {
	results := make(map[string]int64, len(s.cfg.TrackedAssets))
	for _, asset := range s.cfg.TrackedAssets {
		count, err := s.Backfill(ctx, asset, force)
		if err != nil {
			s.log.Error().Err(err).Str("asset", asset).Msg("spot backfill failed")
		}
		results[asset] = count
	}
	return results
}

// CatchUpAll runs catch-up then gap-fill for every tracked spot asset.
func (s *SpotIngester) CatchUpAll(ctx context.Context) map[string]int64 {
	results := make(map[string]int64, len(s.cfg.TrackedAssets))
	for _, asset := range s.cfg.TrackedAssets {
		count, err := s.CatchUp(ctx, asset)
		if err != nil {
			s.log.Error().Err(err).Str("asset", asset).Msg("spot catch-up failed")
		}
		filled, err := s.FillGaps(ctx, asset)
		if err != nil {
			s.log.Error().Err(err).Str("asset", asset).Msg("spot gap-fill failed")
		}
		results[asset] = count + filled
	}
	return results
}
