package ingest

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

// LendingIngester keeps the lending table current. The Dune query returns
// every reserve's daily snapshots in one execution, so a single fetch serves
// all tracked assets. Lending snapshots are event-driven: absence of a day
// means no snapshot was produced, so there is no grid gap detection.
type LendingIngester struct {
	client LendingSource
	repo   Storage
	cfg    *config.Config
	log    zerolog.Logger
}

func NewLendingIngester(client LendingSource, repo Storage, cfg *config.Config, log zerolog.Logger) *LendingIngester {
	return &LendingIngester{
		client: client,
		repo:   repo,
		cfg:    cfg,
		log:    log.With().Str("component", "lending_ingester").Logger(),
	}
}

// FetchAll executes the query once and upserts snapshots for every tracked
// reserve. Storage failures are isolated per asset.
func (l *LendingIngester) FetchAll(ctx context.Context) (map[string]int64, error) {
	byAsset, err := l.client.GetLendingSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]bool, len(l.cfg.TrackedLendingAssets))
	for _, a := range l.cfg.TrackedLendingAssets {
		tracked[a] = true
	}

	results := make(map[string]int64)
	for asset, snaps := range byAsset {
		if !tracked[asset] {
			continue
		}
		stored, err := l.repo.UpsertLendingSnapshots(ctx, asset, snaps)
		if err != nil {
			l.log.Error().Err(err).Str("asset", asset).Msg("failed to store lending snapshots")
			results[asset] = 0
			continue
		}
		results[asset] = stored
		l.log.Info().Str("asset", asset).Int64("stored", stored).Msg("stored lending snapshots")
	}
	return results, nil
}

// Backfill marks per-asset completion after one full fetch. Unlike the
// chunked Binance backfills, the query always returns its whole history.
func (l *LendingIngester) Backfill(ctx context.Context, force bool) (map[string]int64, error) {
	pending := false
	for _, asset := range l.cfg.TrackedLendingAssets {
		state, err := l.repo.GetBackfillState(ctx, asset, models.MetricLending)
		if err != nil {
			return nil, err
		}
		if !state.Completed || force {
			pending = true
			break
		}
	}
	if !pending {
		l.log.Debug().Msg("lending backfill already completed for all assets, skipping")
		return map[string]int64{}, nil
	}

	results, err := l.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, asset := range l.cfg.TrackedLendingAssets {
		latest, tsErr := l.repo.LatestTimestamp(ctx, asset, models.MetricLending)
		if tsErr != nil {
			l.log.Error().Err(tsErr).Str("asset", asset).Msg("failed to read latest lending timestamp")
			continue
		}
		if latest == nil {
			continue
		}
		if err := l.repo.SetBackfillState(ctx, asset, models.MetricLending, true, latest); err != nil {
			l.log.Error().Err(err).Str("asset", asset).Msg("failed to update lending backfill state")
		}
	}
	return results, nil
}
