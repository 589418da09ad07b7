package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// UpsertFundingRates writes funding events for one asset in one transaction.
func (r *Repository) UpsertFundingRates(ctx context.Context, asset string, rates []models.FundingRate) (int64, error) {
	if len(rates) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, f := range rates {
		tag, err := tx.Exec(ctx, `
			INSERT INTO fut_funding (asset, timestamp, funding_rate, mark_price)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (asset, timestamp) DO UPDATE SET
				funding_rate = EXCLUDED.funding_rate,
				mark_price = EXCLUDED.mark_price
		`, asset, f.Timestamp.UTC(), f.FundingRate, f.MarkPrice)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// GetFundingRates reads funding events in ascending time order.
func (r *Repository) GetFundingRates(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.FundingRate, error) {
	query := `
		SELECT timestamp, funding_rate, mark_price
		FROM fut_funding
		WHERE asset = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY timestamp ASC
	`
	args := []any{asset, nullableTime(start), nullableTime(end)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []models.FundingRate
	for rows.Next() {
		f := models.FundingRate{Asset: asset}
		if err := rows.Scan(&f.Timestamp, &f.FundingRate, &f.MarkPrice); err != nil {
			return nil, err
		}
		f.Timestamp = f.Timestamp.UTC()
		rates = append(rates, f)
	}
	return rates, rows.Err()
}

// UpsertFuturesKlines writes mark- or index-price klines for one asset.
// metric selects the table: MetricMarkKlines or MetricIndexKlines.
func (r *Repository) UpsertFuturesKlines(ctx context.Context, asset, metric string, klines []models.FuturesKline) (int64, error) {
	if len(klines) == 0 {
		return 0, nil
	}
	table, err := klineTable(metric)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (asset, timestamp, open, high, low, close)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset, timestamp) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close
	`, table)

	var total int64
	for _, k := range klines {
		tag, err := tx.Exec(ctx, stmt, asset, k.Timestamp.UTC(), k.Open, k.High, k.Low, k.Close)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// GetFuturesKlines reads klines for the given metric in ascending time order.
func (r *Repository) GetFuturesKlines(ctx context.Context, asset, metric string, start, end time.Time, limit int) ([]models.FuturesKline, error) {
	table, err := klineTable(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT timestamp, open, high, low, close
		FROM %s
		WHERE asset = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY timestamp ASC
	`, table)
	args := []any{asset, nullableTime(start), nullableTime(end)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var klines []models.FuturesKline
	for rows.Next() {
		k := models.FuturesKline{Asset: asset}
		if err := rows.Scan(&k.Timestamp, &k.Open, &k.High, &k.Low, &k.Close); err != nil {
			return nil, err
		}
		k.Timestamp = k.Timestamp.UTC()
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

func klineTable(metric string) (string, error) {
	switch metric {
	case models.MetricMarkKlines:
		return "fut_mark_klines", nil
	case models.MetricIndexKlines:
		return "fut_index_klines", nil
	default:
		return "", fmt.Errorf("metric %q is not a futures kline table", metric)
	}
}

// UpsertOpenInterest writes open-interest points for one asset.
func (r *Repository) UpsertOpenInterest(ctx context.Context, asset string, points []models.OpenInterestPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, p := range points {
		tag, err := tx.Exec(ctx, `
			INSERT INTO fut_open_interest (asset, timestamp, open_interest)
			VALUES ($1, $2, $3)
			ON CONFLICT (asset, timestamp) DO UPDATE SET
				open_interest = EXCLUDED.open_interest
		`, asset, p.Timestamp.UTC(), p.OpenInterest)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// GetOpenInterest reads open-interest points in ascending time order.
func (r *Repository) GetOpenInterest(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.OpenInterestPoint, error) {
	query := `
		SELECT timestamp, open_interest
		FROM fut_open_interest
		WHERE asset = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY timestamp ASC
	`
	args := []any{asset, nullableTime(start), nullableTime(end)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.OpenInterestPoint
	for rows.Next() {
		p := models.OpenInterestPoint{Asset: asset}
		if err := rows.Scan(&p.Timestamp, &p.OpenInterest); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
