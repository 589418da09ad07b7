package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// fixedCadenceBackfill parameterizes the shared backfill flow for metrics
// with a regular grid (spot candles, funding, futures klines).
type fixedCadenceBackfill struct {
	repo         Storage
	log          zerolog.Logger
	asset        string
	metric       string
	interval     time.Duration
	lookbackDays int
	force        bool

	fetchRange func(ctx context.Context, asset string, start, end time.Time) (int64, error)
	fillGaps   func(ctx context.Context, asset string) (int64, error)
}

// backfillFixedCadence implements the idempotent backfill decision tree:
//
//  1. skip when already completed (unless forced);
//  2. when the earliest stored row already covers the target window, only
//     fill gaps and mark completed;
//  3. when partial data exists, fetch [target_start, earliest - Δ] and then
//     catch up past the latest stored row;
//  4. otherwise fetch the whole window.
//
// Success persists completed=true with the newest stored timestamp; failure
// persists completed=false but keeps whatever progress was made.
func backfillFixedCadence(ctx context.Context, p fixedCadenceBackfill) (int64, error) {
	state, err := p.repo.GetBackfillState(ctx, p.asset, p.metric)
	if err != nil {
		return 0, err
	}
	if state.Completed && !p.force {
		p.log.Debug().Str("asset", p.asset).Str("metric", p.metric).Msg("backfill already completed, skipping")
		return 0, nil
	}

	now := time.Now().UTC()
	targetStart := now.AddDate(0, 0, -p.lookbackDays)

	earliest, err := p.repo.EarliestTimestamp(ctx, p.asset, p.metric)
	if err != nil {
		return 0, err
	}
	latest, err := p.repo.LatestTimestamp(ctx, p.asset, p.metric)
	if err != nil {
		return 0, err
	}

	finish := func(total int64) (int64, error) {
		if p.fillGaps != nil {
			filled, err := p.fillGaps(ctx, p.asset)
			if err != nil {
				p.log.Error().Err(err).Str("asset", p.asset).Str("metric", p.metric).Msg("gap fill after backfill failed")
			} else {
				total += filled
			}
		}
		final, err := p.repo.LatestTimestamp(ctx, p.asset, p.metric)
		if err != nil {
			return total, err
		}
		if err := p.repo.SetBackfillState(ctx, p.asset, p.metric, true, final); err != nil {
			return total, err
		}
		p.log.Info().Str("asset", p.asset).Str("metric", p.metric).Int64("rows", total).Msg("backfill completed")
		return total, nil
	}

	fail := func(total int64, cause error) (int64, error) {
		current, stateErr := p.repo.LatestTimestamp(ctx, p.asset, p.metric)
		if stateErr == nil {
			_ = p.repo.SetBackfillState(ctx, p.asset, p.metric, false, current)
		}
		return total, cause
	}

	// Coverage already reaches the target window.
	if earliest != nil && !earliest.After(targetStart) {
		p.log.Info().Str("asset", p.asset).Str("metric", p.metric).Msg("historical coverage sufficient, filling gaps only")
		return finish(0)
	}

	var total int64

	fetchStart := targetStart
	fetchEnd := now
	if earliest != nil {
		fetchEnd = earliest.Add(-p.interval)
	}

	count, err := p.fetchRange(ctx, p.asset, fetchStart, fetchEnd)
	if err != nil {
		return fail(total, err)
	}
	total += count

	// With pre-existing data, also advance past its newest row.
	if latest != nil {
		catchUpStart := latest.Add(p.interval)
		if catchUpStart.Before(now) {
			count, err := p.fetchRange(ctx, p.asset, catchUpStart, now)
			if err != nil {
				return fail(total, err)
			}
			total += count
		}
	}

	return finish(total)
}
