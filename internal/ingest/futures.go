package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/binance"
	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

// openInterestRetention is how much history Binance keeps for the
// openInterestHist endpoint. Fetch windows are clamped to it and older data
// is never backfilled.
const openInterestRetention = 30 * 24 * time.Hour

// FuturesIngester keeps the four futures metric tables current.
type FuturesIngester struct {
	client MarketData
	repo   Storage
	cfg    *config.Config
	log    zerolog.Logger
}

func NewFuturesIngester(client MarketData, repo Storage, cfg *config.Config, log zerolog.Logger) *FuturesIngester {
	return &FuturesIngester{
		client: client,
		repo:   repo,
		cfg:    cfg,
		log:    log.With().Str("component", "futures_ingester").Logger(),
	}
}

func (f *FuturesIngester) fundingInterval() time.Duration {
	return time.Duration(f.cfg.FuturesFundingIntervalHrs) * time.Hour
}

func (f *FuturesIngester) klinesInterval() time.Duration {
	d, err := f.cfg.KlinesIntervalDuration()
	if err != nil {
		return 8 * time.Hour
	}
	return d
}

func (f *FuturesIngester) oiPeriod() time.Duration {
	d, err := f.cfg.OIPeriodDuration()
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ==================== funding rates ====================

func (f *FuturesIngester) FetchAndStoreFunding(ctx context.Context, asset string, start, end time.Time) (int64, error) {
	rates, err := f.client.GetFundingRatesPaginated(ctx, binance.Symbol(asset), start, end)
	if err != nil {
		return 0, err
	}
	if len(rates) == 0 {
		return 0, nil
	}
	stored, err := f.repo.UpsertFundingRates(ctx, asset, rates)
	if err != nil {
		return 0, err
	}
	f.log.Info().Str("asset", asset).Int64("stored", stored).Msg("stored funding rates")
	return stored, nil
}

func (f *FuturesIngester) CatchUpFunding(ctx context.Context, asset string) (int64, error) {
	return f.catchUpMetric(ctx, asset, models.MetricFunding, f.fundingInterval(), f.FetchAndStoreFunding)
}

func (f *FuturesIngester) FillFundingGaps(ctx context.Context, asset string) (int64, error) {
	return f.fillMetricGaps(ctx, asset, models.MetricFunding, f.fundingInterval(), f.FetchAndStoreFunding)
}

// ==================== mark price klines ====================

func (f *FuturesIngester) FetchAndStoreMarkKlines(ctx context.Context, asset string, start, end time.Time) (int64, error) {
	klines, err := f.client.GetMarkPriceKlinesPaginated(ctx, binance.Symbol(asset), f.cfg.FuturesKlinesInterval, start, end)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, nil
	}
	stored, err := f.repo.UpsertFuturesKlines(ctx, asset, models.MetricMarkKlines, klines)
	if err != nil {
		return 0, err
	}
	f.log.Info().Str("asset", asset).Int64("stored", stored).Msg("stored mark price klines")
	return stored, nil
}

func (f *FuturesIngester) CatchUpMarkKlines(ctx context.Context, asset string) (int64, error) {
	return f.catchUpMetric(ctx, asset, models.MetricMarkKlines, f.klinesInterval(), f.FetchAndStoreMarkKlines)
}

func (f *FuturesIngester) FillMarkKlineGaps(ctx context.Context, asset string) (int64, error) {
	return f.fillMetricGaps(ctx, asset, models.MetricMarkKlines, f.klinesInterval(), f.FetchAndStoreMarkKlines)
}

// ==================== index price klines ====================

func (f *FuturesIngester) FetchAndStoreIndexKlines(ctx context.Context, asset string, start, end time.Time) (int64, error) {
	klines, err := f.client.GetIndexPriceKlinesPaginated(ctx, binance.Symbol(asset), f.cfg.FuturesKlinesInterval, start, end)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, nil
	}
	stored, err := f.repo.UpsertFuturesKlines(ctx, asset, models.MetricIndexKlines, klines)
	if err != nil {
		return 0, err
	}
	f.log.Info().Str("asset", asset).Int64("stored", stored).Msg("stored index price klines")
	return stored, nil
}

func (f *FuturesIngester) CatchUpIndexKlines(ctx context.Context, asset string) (int64, error) {
	return f.catchUpMetric(ctx, asset, models.MetricIndexKlines, f.klinesInterval(), f.FetchAndStoreIndexKlines)
}

func (f *FuturesIngester) FillIndexKlineGaps(ctx context.Context, asset string) (int64, error) {
	return f.fillMetricGaps(ctx, asset, models.MetricIndexKlines, f.klinesInterval(), f.FetchAndStoreIndexKlines)
}

// ==================== open interest ====================

func (f *FuturesIngester) FetchAndStoreOpenInterest(ctx context.Context, asset string, start, end time.Time) (int64, error) {
	// The provider only serves the trailing retention window.
	floor := time.Now().UTC().Add(-openInterestRetention)
	if start.Before(floor) {
		start = floor
	}
	if !end.After(start) {
		return 0, nil
	}

	points, err := f.client.GetOpenInterestHistPaginated(ctx, binance.Symbol(asset), f.cfg.FuturesOIPeriod, start, end)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}
	stored, err := f.repo.UpsertOpenInterest(ctx, asset, points)
	if err != nil {
		return 0, err
	}
	f.log.Info().Str("asset", asset).Int64("stored", stored).Msg("stored open interest")
	return stored, nil
}

func (f *FuturesIngester) CatchUpOpenInterest(ctx context.Context, asset string) (int64, error) {
	return f.catchUpMetric(ctx, asset, models.MetricOpenInterest, f.oiPeriod(), f.FetchAndStoreOpenInterest)
}

// ==================== shared flows ====================

type fetchRangeFunc func(ctx context.Context, asset string, start, end time.Time) (int64, error)

func (f *FuturesIngester) catchUpMetric(ctx context.Context, asset, metric string, interval time.Duration, fetch fetchRangeFunc) (int64, error) {
	latest, err := f.repo.LatestTimestamp(ctx, asset, metric)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		f.log.Debug().Str("asset", asset).Str("metric", metric).Msg("no existing data, backfill required first")
		return 0, nil
	}

	next := latest.Add(interval)
	now := time.Now().UTC()
	if next.After(now) {
		return 0, nil
	}
	return fetch(ctx, asset, next, now)
}

func (f *FuturesIngester) fillMetricGaps(ctx context.Context, asset, metric string, interval time.Duration, fetch fetchRangeFunc) (int64, error) {
	gaps, err := f.repo.DetectGaps(ctx, asset, metric, interval)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		return 0, nil
	}

	f.log.Info().Str("asset", asset).Str("metric", metric).Int("gaps", len(gaps)).Msg("filling gaps")

	var total int64
	for _, gap := range gaps {
		count, err := fetch(ctx, asset, gap.Start, gap.End)
		if err != nil {
			f.log.Error().Err(err).Str("asset", asset).Str("metric", metric).
				Time("gap_start", gap.Start).Time("gap_end", gap.End).Msg("failed to fill gap")
			continue
		}
		total += count
	}
	return total, nil
}

// FetchAllMetrics runs a ranged fetch for every futures metric with
// per-metric error isolation. Used by backfill and the manual trigger.
func (f *FuturesIngester) FetchAllMetrics(ctx context.Context, asset string, start, end time.Time) map[string]int64 {
	results := make(map[string]int64, 4)

	run := func(metric string, fetch fetchRangeFunc) {
		count, err := fetch(ctx, asset, start, end)
		if err != nil {
			f.log.Error().Err(err).Str("asset", asset).Str("metric", metric).Msg("fetch failed")
		}
		results[metric] = count
	}

	run(models.MetricFunding, f.FetchAndStoreFunding)
	run(models.MetricMarkKlines, f.FetchAndStoreMarkKlines)
	run(models.MetricIndexKlines, f.FetchAndStoreIndexKlines)
	run(models.MetricOpenInterest, f.FetchAndStoreOpenInterest)
	return results
}

// CatchUpAsset advances every metric for one asset with error isolation.
func (f *FuturesIngester) CatchUpAsset(ctx context.Context, asset string) map[string]int64 {
	results := make(map[string]int64, 4)

	run := func(metric string, fn func(context.Context, string) (int64, error)) {
		count, err := fn(ctx, asset)
		if err != nil {
			f.log.Error().Err(err).Str("asset", asset).Str("metric", metric).Msg("catch-up failed")
		}
		results[metric] = count
	}

	run(models.MetricFunding, f.CatchUpFunding)
	run(models.MetricMarkKlines, f.CatchUpMarkKlines)
	run(models.MetricIndexKlines, f.CatchUpIndexKlines)
	run(models.MetricOpenInterest, f.CatchUpOpenInterest)
	return results
}

// FillAssetGaps fills gaps for the grid-based metrics. Open interest is
// skipped: its history is retention-bounded, so absence is not a gap.
func (f *FuturesIngester) FillAssetGaps(ctx context.Context, asset string) map[string]int64 {
	results := make(map[string]int64, 3)

	run := func(metric string, fn func(context.Context, string) (int64, error)) {
		count, err := fn(ctx, asset)
		if err != nil {
			f.log.Error().Err(err).Str("asset", asset).Str("metric", metric).Msg("gap-fill failed")
		}
		results[metric] = count
	}

	run(models.MetricFunding, f.FillFundingGaps)
	run(models.MetricMarkKlines, f.FillMarkKlineGaps)
	run(models.MetricIndexKlines, f.FillIndexKlineGaps)
	return results
}

// Backfill covers the configured lookback for every futures metric of one
// asset. Open interest uses the retention-clamped window and no gap-fill.
func (f *FuturesIngester) Backfill(ctx context.Context, asset string, force bool) (int64, error) {
	var total int64
	var firstErr error

	type spec struct {
		metric   string
		interval time.Duration
		fetch    fetchRangeFunc
		fillGaps func(context.Context, string) (int64, error)
		lookback int
	}

	specs := []spec{
		{models.MetricFunding, f.fundingInterval(), f.FetchAndStoreFunding, f.FillFundingGaps, f.cfg.InitialBackfillDays},
		{models.MetricMarkKlines, f.klinesInterval(), f.FetchAndStoreMarkKlines, f.FillMarkKlineGaps, f.cfg.InitialBackfillDays},
		{models.MetricIndexKlines, f.klinesInterval(), f.FetchAndStoreIndexKlines, f.FillIndexKlineGaps, f.cfg.InitialBackfillDays},
		{models.MetricOpenInterest, f.oiPeriod(), f.FetchAndStoreOpenInterest, nil, 30},
	}

	for _, sp := range specs {
		count, err := backfillFixedCadence(ctx, fixedCadenceBackfill{
			repo:         f.repo,
			log:          f.log,
			asset:        asset,
			metric:       sp.metric,
			interval:     sp.interval,
			lookbackDays: sp.lookback,
			force:        force,
			fetchRange:   sp.fetch,
			fillGaps:     sp.fillGaps,
		})
		total += count
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// BackfillAll backfills every tracked futures asset with error isolation.
func (f *FuturesIngester) BackfillAll(ctx context.Context, force bool) map[string]int64 {
	results := make(map[string]int64, len(f.cfg.TrackedFuturesAssets))
	for _, asset := range f.cfg.TrackedFuturesAssets {
		count, err := f.Backfill(ctx, asset, force)
		if err != nil {
			f.log.Error().Err(err).Str("asset", asset).Msg("futures backfill failed")
		}
		results[asset] = count
	}
	return results
}

// CatchUpAll runs catch-up then gap-fill for every tracked futures asset.
func (f *FuturesIngester) CatchUpAll(ctx context.Context) map[string]map[string]int64 {
	results := make(map[string]map[string]int64, len(f.cfg.TrackedFuturesAssets))
	for _, asset := range f.cfg.TrackedFuturesAssets {
		counts := f.CatchUpAsset(ctx, asset)
		for metric, filled := range f.FillAssetGaps(ctx, asset) {
			counts[metric] += filled
		}
		results[asset] = counts
	}
	return results
}
