package repository

import (
	"context"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// UpsertLendingSnapshots writes daily reserve snapshots for one asset.
func (r *Repository) UpsertLendingSnapshots(ctx context.Context, asset string, snaps []models.LendingSnapshot) (int64, error) {
	if len(snaps) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, s := range snaps {
		tag, err := tx.Exec(ctx, `
			INSERT INTO lending (
				asset, timestamp, reserve_address,
				supply_rate_ray, var_borrow_rate_ray, stable_borrow_rate_ray,
				liquidity_index, variable_borrow_index
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (asset, timestamp) DO UPDATE SET
				reserve_address = EXCLUDED.reserve_address,
				supply_rate_ray = EXCLUDED.supply_rate_ray,
				var_borrow_rate_ray = EXCLUDED.var_borrow_rate_ray,
				stable_borrow_rate_ray = EXCLUDED.stable_borrow_rate_ray,
				liquidity_index = EXCLUDED.liquidity_index,
				variable_borrow_index = EXCLUDED.variable_borrow_index
		`, asset, s.Timestamp.UTC(), s.ReserveAddress,
			s.SupplyRateRay, s.VarBorrowRateRay, s.StableBorrowRateRay,
			s.LiquidityIndex, s.VariableBorrowIndex)
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

// GetLendingSnapshots reads snapshots in ascending time order.
func (r *Repository) GetLendingSnapshots(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.LendingSnapshot, error) {
	query := `
		SELECT timestamp, reserve_address,
		       supply_rate_ray, var_borrow_rate_ray, stable_borrow_rate_ray,
		       liquidity_index, variable_borrow_index
		FROM lending
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

	var snaps []models.LendingSnapshot
	for rows.Next() {
		s := models.LendingSnapshot{Asset: asset}
		if err := rows.Scan(&s.Timestamp, &s.ReserveAddress,
			&s.SupplyRateRay, &s.VarBorrowRateRay, &s.StableBorrowRateRay,
			&s.LiquidityIndex, &s.VariableBorrowIndex); err != nil {
			return nil, err
		}
		s.Timestamp = s.Timestamp.UTC()
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
