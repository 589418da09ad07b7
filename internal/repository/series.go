package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// seriesTables maps metric names to their backing tables. Every table is
// keyed UNIQUE(asset, timestamp).
var seriesTables = map[string]string{
	models.MetricSpotOHLCV:    "spot_ohlcv",
	models.MetricFunding:      "fut_funding",
	models.MetricMarkKlines:   "fut_mark_klines",
	models.MetricIndexKlines:  "fut_index_klines",
	models.MetricOpenInterest: "fut_open_interest",
	models.MetricLending:      "lending",
}

func tableFor(metric string) (string, error) {
	t, ok := seriesTables[metric]
	if !ok {
		return "", fmt.Errorf("unknown metric %q", metric)
	}
	return t, nil
}

// EarliestTimestamp returns the oldest stored timestamp for (asset, metric),
// or nil when the series is empty.
func (r *Repository) EarliestTimestamp(ctx context.Context, asset, metric string) (*time.Time, error) {
	return r.boundaryTimestamp(ctx, asset, metric, "ASC")
}

// LatestTimestamp returns the newest stored timestamp for (asset, metric),
// or nil when the series is empty.
func (r *Repository) LatestTimestamp(ctx context.Context, asset, metric string) (*time.Time, error) {
	return r.boundaryTimestamp(ctx, asset, metric, "DESC")
}

func (r *Repository) boundaryTimestamp(ctx context.Context, asset, metric, dir string) (*time.Time, error) {
	table, err := tableFor(metric)
	if err != nil {
		return nil, err
	}

	var ts time.Time
	query := fmt.Sprintf(
		"SELECT timestamp FROM %s WHERE asset = $1 ORDER BY timestamp %s LIMIT 1", table, dir)
	err = r.db.QueryRow(ctx, query, asset).Scan(&ts)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return &ts, nil
}

// RowCount returns the number of stored rows for (asset, metric).
func (r *Repository) RowCount(ctx context.Context, asset, metric string) (int64, error) {
	table, err := tableFor(metric)
	if err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE asset = $1", table)
	if err := r.db.QueryRow(ctx, query, asset).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DetectGaps builds the expected grid between the earliest and latest stored
// timestamps at the metric's native interval and returns the missing points
// coalesced into inclusive ranges. Open interest (retention-bounded) and
// lending (event-driven snapshots) are excluded by policy; callers must not
// request them here.
func (r *Repository) DetectGaps(ctx context.Context, asset, metric string, interval time.Duration) ([]models.Gap, error) {
	if metric == models.MetricOpenInterest || metric == models.MetricLending {
		return nil, fmt.Errorf("gap detection is not defined for metric %q", metric)
	}
	table, err := tableFor(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT timestamp FROM %s WHERE asset = $1 ORDER BY timestamp ASC", table)
	rows, err := r.db.Query(ctx, query, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stored []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		stored = append(stored, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return FindGaps(stored, interval), nil
}

// FindGaps subtracts stored timestamps from the expected grid spanning
// [min(stored), max(stored)] and coalesces consecutive misses. Pure helper so
// the grid math is testable without a database.
func FindGaps(stored []time.Time, interval time.Duration) []models.Gap {
	if len(stored) < 2 || interval <= 0 {
		return nil
	}

	sorted := make([]time.Time, len(stored))
	copy(sorted, stored)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	have := make(map[int64]bool, len(sorted))
	for _, ts := range sorted {
		have[ts.Unix()] = true
	}

	var gaps []models.Gap
	var open *models.Gap
	for ts := sorted[0]; !ts.After(sorted[len(sorted)-1]); ts = ts.Add(interval) {
		if have[ts.Unix()] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &models.Gap{Start: ts, End: ts}
		} else {
			open.End = ts
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}
