package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

var testThresholds = map[string]float64{
	"WETH": 0.825, "WBTC": 0.75, "USDC": 0.87, "USDT": 0.87, "DAI": 0.80,
}

var testMaxLTVs = map[string]float64{
	"WETH": 0.80, "WBTC": 0.70, "USDC": 0.85, "USDT": 0.85, "DAI": 0.75,
}

func TestHealthFactorBorderline(t *testing.T) {
	t.Parallel()

	// 5 WETH at $2000 = $10,000 collateral, $7,500 USDC debt.
	positions := []models.Position{
		{Asset: "WETH", Quantity: 5, PositionType: models.PositionLendingSupply, EntryIndex: "1"},
		{Asset: "USDC", Quantity: 7500, PositionType: models.PositionLendingBorrow, EntryIndex: "1", BorrowType: models.BorrowVariable},
	}
	values := map[int]float64{0: 10000, 1: -7500}

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	metrics, err := CalcLendingMetrics(positions, values, map[string]AssetRates{},
		testThresholds, testMaxLTVs, now.Add(-time.Hour), 48, now)
	require.NoError(t, err)

	assert.InDelta(t, 10000, metrics.TotalSuppliedValue, 1e-9)
	assert.InDelta(t, 7500, metrics.TotalBorrowedValue, 1e-9)
	assert.InDelta(t, 0.75, metrics.CurrentLTV, 1e-9)
	assert.InDelta(t, 1.10, metrics.HealthFactor, 1e-9)
	assert.InDelta(t, 500, metrics.MaxSafeBorrow, 1e-9)
	assert.Nil(t, metrics.DataWarning)
}

func TestHealthFactorInfiniteWithoutDebt(t *testing.T) {
	t.Parallel()

	supplies := []valuedPosition{
		{models.Position{Asset: "WETH", PositionType: models.PositionLendingSupply}, 10000},
	}
	assert.True(t, math.IsInf(HealthFactor(supplies, 0, testThresholds), 1))

	// Debt with no collateral is immediately insolvent.
	assert.Zero(t, HealthFactor(nil, 5000, testThresholds))
}

func TestHealthFactorDecreasesWithBorrows(t *testing.T) {
	t.Parallel()

	supplies := []valuedPosition{
		{models.Position{Asset: "WETH", PositionType: models.PositionLendingSupply}, 10000},
	}
	small := HealthFactor(supplies, 2000, testThresholds)
	large := HealthFactor(supplies, 6000, testThresholds)
	assert.Greater(t, small, large)
}

func TestAccountLTV(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.5, AccountLTV(5000, 10000), 1e-12)
	assert.Zero(t, AccountLTV(5000, 0))
}

func TestMaxSafeBorrowClampedAtZero(t *testing.T) {
	t.Parallel()

	// Debt already above the max-LTV capacity.
	positions := []models.Position{
		{Asset: "WBTC", Quantity: 1, PositionType: models.PositionLendingSupply, EntryIndex: "1"},
		{Asset: "DAI", Quantity: 9000, PositionType: models.PositionLendingBorrow, EntryIndex: "1", BorrowType: models.BorrowVariable},
	}
	values := map[int]float64{0: 10000, 1: -9000}

	now := time.Now().UTC()
	metrics, err := CalcLendingMetrics(positions, values, map[string]AssetRates{},
		testThresholds, testMaxLTVs, now, 48, now)
	require.NoError(t, err)
	assert.Zero(t, metrics.MaxSafeBorrow)
}

func TestNetAPYWeighting(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "WETH", Quantity: 10, PositionType: models.PositionLendingSupply, EntryIndex: "1"},
		{Asset: "USDC", Quantity: 5000, PositionType: models.PositionLendingBorrow, EntryIndex: "1", BorrowType: models.BorrowVariable},
	}
	values := map[int]float64{0: 20000, 1: -5000}
	rates := map[string]AssetRates{
		"WETH": {SupplyRate: 0.02e27},
		"USDC": {VariableBorrowRate: 0.05e27},
	}

	now := time.Now().UTC()
	metrics, err := CalcLendingMetrics(positions, values, rates,
		testThresholds, testMaxLTVs, now, 48, now)
	require.NoError(t, err)

	supplyAPY := models.APRToAPY(0.02)
	borrowAPY := models.APRToAPY(0.05)
	assert.InDelta(t, supplyAPY, metrics.WeightedSupplyAPY, 1e-9)
	assert.InDelta(t, borrowAPY, metrics.WeightedBorrowAPY, 1e-9)

	wantNet := (20000*supplyAPY - 5000*borrowAPY) / 15000
	assert.InDelta(t, wantNet, metrics.NetAPY, 1e-9)
}

func TestStaleLendingDataWarning(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "DAI", Quantity: 100, PositionType: models.PositionLendingSupply, EntryIndex: "1"},
	}
	values := map[int]float64{0: 100}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	metrics, err := CalcLendingMetrics(positions, values, map[string]AssetRates{},
		testThresholds, testMaxLTVs, now.Add(-72*time.Hour), 48, now)
	require.NoError(t, err)

	require.NotNil(t, metrics.DataWarning)
	assert.Contains(t, *metrics.DataWarning, "72.0h")
	assert.InDelta(t, 72, metrics.DataAgeHours, 1e-9)
}

func TestLendingMetricsRequiresLendingPositions(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 100},
	}
	now := time.Now().UTC()
	_, err := CalcLendingMetrics(positions, map[int]float64{}, nil,
		testThresholds, testMaxLTVs, now, 48, now)
	assert.Error(t, err)
}
