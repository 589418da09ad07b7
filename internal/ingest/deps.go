package ingest

import (
	"context"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// Storage is the repository surface the ingesters write through.
type Storage interface {
	GetBackfillState(ctx context.Context, asset, metric string) (models.BackfillState, error)
	SetBackfillState(ctx context.Context, asset, metric string, completed bool, lastFetched *time.Time) error
	EarliestTimestamp(ctx context.Context, asset, metric string) (*time.Time, error)
	LatestTimestamp(ctx context.Context, asset, metric string) (*time.Time, error)
	DetectGaps(ctx context.Context, asset, metric string, interval time.Duration) ([]models.Gap, error)
	UpsertSpotCandles(ctx context.Context, asset string, candles []models.SpotCandle) (int64, error)
	UpsertFundingRates(ctx context.Context, asset string, rates []models.FundingRate) (int64, error)
	UpsertFuturesKlines(ctx context.Context, asset, metric string, klines []models.FuturesKline) (int64, error)
	UpsertOpenInterest(ctx context.Context, asset string, points []models.OpenInterestPoint) (int64, error)
	UpsertLendingSnapshots(ctx context.Context, asset string, snaps []models.LendingSnapshot) (int64, error)
}

// MarketData is the Binance adapter surface the spot and futures ingesters
// consume.
type MarketData interface {
	GetKlinesPaginated(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.SpotCandle, error)
	GetFundingRatesPaginated(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingRate, error)
	GetMarkPriceKlinesPaginated(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.FuturesKline, error)
	GetIndexPriceKlinesPaginated(ctx context.Context, pair, interval string, start, end time.Time) ([]models.FuturesKline, error)
	GetOpenInterestHistPaginated(ctx context.Context, symbol, period string, start, end time.Time) ([]models.OpenInterestPoint, error)
}

// LendingSource is the Dune adapter surface the lending ingester consumes.
type LendingSource interface {
	GetLendingSnapshots(ctx context.Context) (map[string][]models.LendingSnapshot, error)
}
