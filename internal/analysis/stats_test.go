package analysis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

func candleSeries(asset string, closes []float64) []models.SpotCandle {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.SpotCandle, len(closes))
	for i, c := range closes {
		out[i] = spotCandle(asset, base.AddDate(0, 0, i), c)
	}
	return out
}

func TestCalcSpotStats(t *testing.T) {
	t.Parallel()

	stats := CalcSpotStats(candleSeries("BTC", []float64{100, 110, 105, 120}), 0)
	require.NotNil(t, stats)

	assert.InDelta(t, 120, stats.CurrentPrice, 1e-9)
	assert.InDelta(t, 100, stats.MinPrice, 1e-9)
	assert.InDelta(t, 120, stats.MaxPrice, 1e-9)
	assert.InDelta(t, 108.75, stats.MeanPrice, 1e-9)
	assert.InDelta(t, 20, stats.TotalReturnPct, 1e-9)
	assert.Greater(t, stats.VolatilityPct, 0.0)
	// Drawdown: 110 -> 105 is ~4.55%.
	assert.InDelta(t, (105.0-110.0)/110.0*100, stats.MaxDrawdownPct, 1e-9)

	assert.Nil(t, CalcSpotStats(nil, 0))
	assert.Nil(t, CalcSpotStats(candleSeries("BTC", []float64{100}), 0))
}

func TestCalcFuturesStats(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	funding := []models.FundingRate{
		{Asset: "BTC", Timestamp: base, FundingRate: decimal.NewFromFloat(0.0001)},
		{Asset: "BTC", Timestamp: base.Add(8 * time.Hour), FundingRate: decimal.NewFromFloat(0.0003)},
	}
	mark := []models.FuturesKline{
		{Asset: "BTC", Timestamp: base, Close: decimal.NewFromFloat(50500)},
	}
	oi := []models.OpenInterestPoint{
		{Asset: "BTC", Timestamp: base, OpenInterest: decimal.NewFromFloat(80000)},
		{Asset: "BTC", Timestamp: base.Add(time.Hour), OpenInterest: decimal.NewFromFloat(100000)},
	}
	spotPrice := 50000.0

	stats := CalcFuturesStats(funding, mark, oi, &spotPrice)
	require.NotNil(t, stats)

	assert.InDelta(t, 0.03, stats.CurrentFundingRatePct, 1e-9)
	assert.InDelta(t, 0.02, stats.MeanFundingRatePct, 1e-9)
	assert.InDelta(t, 0.04, stats.CumulativeFundingCostPct, 1e-9)

	require.NotNil(t, stats.CurrentBasisPremiumPct)
	assert.InDelta(t, 1.0, *stats.CurrentBasisPremiumPct, 1e-9)

	require.NotNil(t, stats.CurrentOpenInterest)
	assert.InDelta(t, 100000, *stats.CurrentOpenInterest, 1e-9)
	require.NotNil(t, stats.OpenInterestChangePct)
	assert.InDelta(t, 25, *stats.OpenInterestChangePct, 1e-9)

	assert.Nil(t, CalcFuturesStats(nil, mark, oi, &spotPrice))

	// Without spot price the basis block stays null.
	noSpot := CalcFuturesStats(funding, mark, oi, nil)
	require.NotNil(t, noSpot)
	assert.Nil(t, noSpot.CurrentBasisPremiumPct)
}

func TestCalcLendingStats(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	snaps := []models.LendingSnapshot{
		{
			Asset: "USDC", Timestamp: base,
			SupplyRateRay:    decimal.New(2, 25), // 2% APR
			VarBorrowRateRay: decimal.New(5, 25), // 5% APR
		},
		{
			Asset: "USDC", Timestamp: base.AddDate(0, 0, 1),
			SupplyRateRay:    decimal.New(4, 25),
			VarBorrowRateRay: decimal.New(6, 25),
		},
	}

	stats := CalcLendingStats(snaps)
	require.NotNil(t, stats)

	wantSupply := models.APRToAPY(0.04)
	wantBorrow := models.APRToAPY(0.06)
	assert.InDelta(t, wantSupply, stats.CurrentSupplyAPYPct, 1e-9)
	assert.InDelta(t, wantBorrow, stats.CurrentVariableBorrowAPYPct, 1e-9)
	assert.InDelta(t, wantBorrow-wantSupply, stats.SpreadPct, 1e-9)
	assert.InDelta(t, models.APRToAPY(0.02), stats.MinSupplyAPYPct, 1e-9)

	assert.Nil(t, CalcLendingStats(nil))
}

func TestCrossAssetCorrelationsIdenticalSeries(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i%7)*3
	}
	multi := map[string][]models.SpotCandle{
		"BTC": candleSeries("BTC", closes),
		"ETH": candleSeries("ETH", closes),
	}

	matrix := CrossAssetCorrelations(multi)
	require.NotNil(t, matrix)
	assert.InDelta(t, 1.0, matrix["BTC"]["BTC"], 1e-9)
	assert.InDelta(t, 1.0, matrix["BTC"]["ETH"], 1e-9)
	assert.InDelta(t, matrix["ETH"]["BTC"], matrix["BTC"]["ETH"], 1e-12)
}

func TestCrossAssetCorrelationsAntiCorrelated(t *testing.T) {
	t.Parallel()

	up := make([]float64, 20)
	down := make([]float64, 20)
	for i := range up {
		wiggle := float64(i%2)*4 - 2
		up[i] = 100 + wiggle
		down[i] = 100 - wiggle
	}
	multi := map[string][]models.SpotCandle{
		"BTC": candleSeries("BTC", up),
		"ETH": candleSeries("ETH", down),
	}

	matrix := CrossAssetCorrelations(multi)
	require.NotNil(t, matrix)
	assert.Less(t, matrix["BTC"]["ETH"], 0.0)
	assert.InDelta(t, 1.0, matrix["BTC"]["BTC"], 1e-12)
	assert.InDelta(t, 1.0, matrix["ETH"]["ETH"], 1e-12)
}

func TestCrossAssetCorrelationsInsufficientInput(t *testing.T) {
	t.Parallel()

	assert.Nil(t, CrossAssetCorrelations(nil))
	assert.Nil(t, CrossAssetCorrelations(map[string][]models.SpotCandle{
		"BTC": candleSeries("BTC", []float64{1, 2, 3}),
	}))

	// No overlapping timestamps.
	early := candleSeries("BTC", []float64{100, 101, 102})
	late := make([]models.SpotCandle, 3)
	for i := range late {
		late[i] = spotCandle("ETH", time.Date(2027, 1, 1+i, 0, 0, 0, 0, time.UTC), 100)
	}
	assert.Nil(t, CrossAssetCorrelations(map[string][]models.SpotCandle{
		"BTC": early,
		"ETH": late,
	}))
}
