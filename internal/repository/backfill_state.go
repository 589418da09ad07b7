package repository

import (
	"context"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// GetBackfillState reads the state row for (asset, metric). A missing row is
// returned as an incomplete state, not an error.
func (r *Repository) GetBackfillState(ctx context.Context, asset, metric string) (models.BackfillState, error) {
	state := models.BackfillState{Asset: asset, Metric: metric}

	var last *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT completed, last_fetched_timestamp
		FROM backfill_state
		WHERE asset = $1 AND metric = $2
	`, asset, metric).Scan(&state.Completed, &last)
	if IsNoRows(err) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if last != nil {
		u := last.UTC()
		state.LastFetchedTimestamp = &u
	}
	return state, nil
}

// SetBackfillState upserts the state row for (asset, metric).
func (r *Repository) SetBackfillState(ctx context.Context, asset, metric string, completed bool, lastFetched *time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO backfill_state (asset, metric, completed, last_fetched_timestamp, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset, metric) DO UPDATE SET
			completed = EXCLUDED.completed,
			last_fetched_timestamp = EXCLUDED.last_fetched_timestamp,
			updated_at = NOW()
	`, asset, metric, completed, lastFetched)
	return err
}

// GetCoverage summarizes stored history for (asset, metric) for the /assets
// endpoint: earliest, latest, row count and backfill completion.
func (r *Repository) GetCoverage(ctx context.Context, asset, metric string) (models.AssetCoverage, error) {
	cov := models.AssetCoverage{Asset: asset}

	earliest, err := r.EarliestTimestamp(ctx, asset, metric)
	if err != nil {
		return cov, err
	}
	latest, err := r.LatestTimestamp(ctx, asset, metric)
	if err != nil {
		return cov, err
	}
	count, err := r.RowCount(ctx, asset, metric)
	if err != nil {
		return cov, err
	}
	state, err := r.GetBackfillState(ctx, asset, metric)
	if err != nil {
		return cov, err
	}

	cov.Earliest = earliest
	cov.Latest = latest
	cov.TotalCandles = count
	cov.BackfillCompleted = state.Completed
	return cov, nil
}
