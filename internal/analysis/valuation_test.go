package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

func TestSpotPositionValuation(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 40000},
	}
	prices := map[PriceKey]float64{{"BTC", models.PositionSpot}: 50000}

	value, err := PortfolioValue(positions, prices, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50000, value, 1e-9)
	assert.InDelta(t, 1.0, DeltaExposure(positions), 1e-9)
}

func TestFuturesLongLeverageSeparation(t *testing.T) {
	t.Parallel()

	// Margin 10*2000/5 = 4000, PnL (2200-2000)*10 = 2000, value 6000.
	pos := models.Position{
		Asset: "ETH", Quantity: 10, PositionType: models.PositionFuturesLong,
		EntryPrice: 2000, Leverage: 5,
	}
	prices := map[PriceKey]float64{{"ETH", models.PositionFuturesLong}: 2200}

	value, err := PositionValue(pos, prices, nil)
	require.NoError(t, err)
	assert.InDelta(t, 6000, value, 1e-9)

	// Leverage must not affect delta.
	assert.InDelta(t, 10, DeltaExposure([]models.Position{pos}), 1e-9)
}

func TestFuturesShortValue(t *testing.T) {
	t.Parallel()

	pos := models.Position{
		Asset: "BTC", Quantity: 2, PositionType: models.PositionFuturesShort,
		EntryPrice: 50000, Leverage: 10,
	}
	prices := map[PriceKey]float64{{"BTC", models.PositionFuturesShort}: 45000}

	// Margin 2*50000/10 = 10000, PnL (50000-45000)*2 = 10000.
	value, err := PositionValue(pos, prices, nil)
	require.NoError(t, err)
	assert.InDelta(t, 20000, value, 1e-9)
}

func TestLendingSupplyAccrual(t *testing.T) {
	t.Parallel()

	pos := models.Position{
		Asset: "WETH", Quantity: 10, PositionType: models.PositionLendingSupply,
		EntryIndex: "1000000000000000000000000000",
	}
	indices := map[string]AssetIndices{
		"WETH": {LiquidityIndex: 1.05e27},
	}

	value, err := PositionValue(pos, nil, indices)
	require.NoError(t, err)
	assert.InDelta(t, 10.5, value, 1e-9)
}

func TestLendingBorrowIsNegative(t *testing.T) {
	t.Parallel()

	pos := models.Position{
		Asset: "USDC", Quantity: 1000, PositionType: models.PositionLendingBorrow,
		EntryIndex: "1000000000000000000000000000", BorrowType: models.BorrowVariable,
	}
	indices := map[string]AssetIndices{
		"USDC": {VariableBorrowIndex: 1.10e27},
	}

	value, err := PositionValue(pos, nil, indices)
	require.NoError(t, err)
	assert.InDelta(t, -1100, value, 1e-9)
}

func TestDeltaExposureLeverageNeutral(t *testing.T) {
	t.Parallel()

	base := []models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 50000},
		{Asset: "ETH", Quantity: 5, PositionType: models.PositionFuturesLong, EntryPrice: 2000, Leverage: 2},
		{Asset: "SOL", Quantity: 3, PositionType: models.PositionFuturesShort, EntryPrice: 100, Leverage: 4},
	}

	doubled := make([]models.Position, len(base))
	copy(doubled, base)
	for i := range doubled {
		if doubled[i].IsFutures() {
			doubled[i].Leverage *= 2
		}
	}

	assert.InDelta(t, DeltaExposure(base), DeltaExposure(doubled), 1e-12)
	assert.InDelta(t, 3.0, DeltaExposure(base), 1e-12)
}

func TestSensitivityTablePureSpot(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 40000},
	}
	prices := map[PriceKey]float64{{"BTC", models.PositionSpot}: 50000}

	rows, err := SensitivityTable(positions, prices, nil, []float64{-0.10, 0, 0.10})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.InDelta(t, 45000, rows[0].PortfolioValue, 1e-9)
	assert.InDelta(t, 50000, rows[1].PortfolioValue, 1e-9)
	assert.InDelta(t, 55000, rows[2].PortfolioValue, 1e-9)
	assert.InDelta(t, -10, rows[0].PriceChangePct, 1e-9)
	assert.InDelta(t, 10, rows[2].PriceChangePct, 1e-9)

	// Spot value is linear in price: up and down shocks bracket 2*V0.
	assert.InDelta(t, 2*rows[1].PortfolioValue, rows[0].PortfolioValue+rows[2].PortfolioValue, 1e-6)
}

func TestSensitivityLendingOnlyIsFlat(t *testing.T) {
	t.Parallel()

	positions := []models.Position{
		{Asset: "WETH", Quantity: 10, PositionType: models.PositionLendingSupply,
			EntryIndex: "1000000000000000000000000000"},
	}
	indices := map[string]AssetIndices{"WETH": {LiquidityIndex: 1.05e27}}

	rows, err := SensitivityTable(positions, nil, indices, []float64{-0.30, 0, 0.30})
	require.NoError(t, err)
	for _, row := range rows {
		assert.InDelta(t, 10.5, row.PortfolioValue, 1e-9)
		assert.InDelta(t, 0, row.PnL, 1e-9)
	}
}
