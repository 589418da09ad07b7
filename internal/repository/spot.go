package repository

import (
	"context"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// UpsertSpotCandles writes a batch of candles for one asset inside a single
// transaction. Returns the number of rows written (inserts + updates).
func (r *Repository) UpsertSpotCandles(ctx context.Context, asset string, candles []models.SpotCandle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, c := range candles {
		tag, err := tx.Exec(ctx, `
			INSERT INTO spot_ohlcv (asset, timestamp, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset, timestamp) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume
		`, asset, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
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

// GetSpotCandles reads candles in ascending time order. Zero times disable
// the respective bound; limit <= 0 means no limit.
func (r *Repository) GetSpotCandles(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.SpotCandle, error) {
	query := `
		SELECT timestamp, open, high, low, close, volume
		FROM spot_ohlcv
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

	var candles []models.SpotCandle
	for rows.Next() {
		c := models.SpotCandle{Asset: asset}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
