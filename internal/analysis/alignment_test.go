package analysis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// fakeStore serves canned rows and can fail per asset to exercise the
// degraded-asset path.
type fakeStore struct {
	spot    map[string][]models.SpotCandle
	mark    map[string][]models.FuturesKline
	funding map[string][]models.FundingRate
	lending map[string][]models.LendingSnapshot
	failFor map[string]bool
}

func (f *fakeStore) GetSpotCandles(_ context.Context, asset string, _, _ time.Time, _ int) ([]models.SpotCandle, error) {
	if f.failFor[asset] {
		return nil, fmt.Errorf("boom")
	}
	return f.spot[asset], nil
}

func (f *fakeStore) GetFundingRates(_ context.Context, asset string, _, _ time.Time, _ int) ([]models.FundingRate, error) {
	if f.failFor[asset] {
		return nil, fmt.Errorf("boom")
	}
	return f.funding[asset], nil
}

func (f *fakeStore) GetFuturesKlines(_ context.Context, asset, _ string, _, _ time.Time, _ int) ([]models.FuturesKline, error) {
	if f.failFor[asset] {
		return nil, fmt.Errorf("boom")
	}
	return f.mark[asset], nil
}

func (f *fakeStore) GetLendingSnapshots(_ context.Context, asset string, _, _ time.Time, _ int) ([]models.LendingSnapshot, error) {
	if f.failFor[asset] {
		return nil, fmt.Errorf("boom")
	}
	return f.lending[asset], nil
}

func (f *fakeStore) GetOpenInterest(_ context.Context, asset string, _, _ time.Time, _ int) ([]models.OpenInterestPoint, error) {
	return nil, nil
}

func day(offset int) time.Time {
	base := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -10)
	return base.AddDate(0, 0, offset)
}

func spotCandle(asset string, ts time.Time, close float64) models.SpotCandle {
	return models.SpotCandle{
		Asset:     asset,
		Timestamp: ts,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close),
		Low:       decimal.NewFromFloat(close),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(1),
	}
}

func TestBuildPanelResamplesAndAligns(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		spot: map[string][]models.SpotCandle{
			"BTC": {
				// Two 12h candles on day 0: the later close wins.
				spotCandle("BTC", day(0), 100),
				spotCandle("BTC", day(0).Add(12*time.Hour), 105),
				spotCandle("BTC", day(1), 110),
				spotCandle("BTC", day(2), 120),
			},
		},
		funding: map[string][]models.FundingRate{
			"BTC": {
				// Mean of the day: (0.01 + 0.03) / 2.
				{Asset: "BTC", Timestamp: day(0), FundingRate: decimal.NewFromFloat(0.01)},
				{Asset: "BTC", Timestamp: day(0).Add(8 * time.Hour), FundingRate: decimal.NewFromFloat(0.03)},
			},
		},
		mark: map[string][]models.FuturesKline{
			"BTC": {
				{Asset: "BTC", Timestamp: day(0), Close: decimal.NewFromFloat(101)},
				{Asset: "BTC", Timestamp: day(2), Close: decimal.NewFromFloat(121)},
			},
		},
	}

	aligner := NewAligner(store, zerolog.Nop())
	panel, warnings, _, err := aligner.BuildPanel(context.Background(), []string{"BTC"}, 30)
	require.NoError(t, err)
	require.Equal(t, 3, panel.Len())

	spotSeries := panel.Series(Column{"BTC", FieldSpot})
	require.Len(t, spotSeries, 3)
	assert.InDelta(t, 105, spotSeries[0], 1e-9)
	assert.InDelta(t, 110, spotSeries[1], 1e-9)
	assert.InDelta(t, 120, spotSeries[2], 1e-9)

	fundingSeries := panel.Series(Column{"BTC", FieldFunding})
	require.Len(t, fundingSeries, 3)
	assert.InDelta(t, 0.02, fundingSeries[0], 1e-9)
	// Missing funding days are forward-filled.
	assert.InDelta(t, 0.02, fundingSeries[1], 1e-9)

	// Mark price day 1 is forward-filled from day 0.
	markSeries := panel.Series(Column{"BTC", FieldFuturesMark})
	assert.InDelta(t, 101, markSeries[1], 1e-9)

	assert.NotEmpty(t, warnings)
}

func TestBuildPanelDegradesFailedAsset(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		spot: map[string][]models.SpotCandle{
			"BTC": {spotCandle("BTC", day(0), 100), spotCandle("BTC", day(1), 105)},
		},
		failFor: map[string]bool{"ETH": true},
	}

	aligner := NewAligner(store, zerolog.Nop())
	panel, _, _, err := aligner.BuildPanel(context.Background(), []string{"BTC", "ETH"}, 30)
	require.NoError(t, err)

	assert.True(t, panel.Has(Column{"BTC", FieldSpot}))
	assert.False(t, panel.Has(Column{"ETH", FieldSpot}))
}

func TestBuildPanelNoDataIsError(t *testing.T) {
	t.Parallel()

	aligner := NewAligner(&fakeStore{}, zerolog.Nop())
	_, _, _, err := aligner.BuildPanel(context.Background(), []string{"BTC"}, 30)
	assert.Error(t, err)
}

func TestFillSeriesLeadingGapBackfills(t *testing.T) {
	t.Parallel()

	days := []time.Time{day(0), day(1), day(2)}
	col := dailyColumn{
		col:    Column{"ETH", FieldSpot},
		values: map[int64]float64{day(2).Unix(): 50},
		policy: fillPrice,
	}

	filled, warning := fillSeries(days, col)
	assert.Equal(t, []float64{50, 50, 50}, filled)
	assert.Contains(t, warning, "missing values at the beginning")
}

func TestFillSeriesRateZeroFills(t *testing.T) {
	t.Parallel()

	days := []time.Time{day(0), day(1), day(2)}
	col := dailyColumn{
		col:    Column{"ETH", FieldFunding},
		values: map[int64]float64{day(1).Unix(): 0.04},
		policy: fillRate,
	}

	filled, warning := fillSeries(days, col)
	assert.Equal(t, []float64{0, 0.04, 0.04}, filled)
	assert.Contains(t, warning, "filled with 0")
}

func TestBuildPanelLendingColumns(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		spot: map[string][]models.SpotCandle{
			"WETH": {spotCandle("WETH", day(0), 2000), spotCandle("WETH", day(1), 2100)},
		},
		lending: map[string][]models.LendingSnapshot{
			"WETH": {
				{
					Asset:               "WETH",
					Timestamp:           day(0),
					ReserveAddress:      "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
					SupplyRateRay:       decimal.New(2, 25), // 0.02 RAY
					VarBorrowRateRay:    decimal.New(5, 25),
					StableBorrowRateRay: decimal.New(6, 25),
					LiquidityIndex:      decimal.New(1, 27),
					VariableBorrowIndex: decimal.New(1, 27),
				},
			},
		},
	}

	aligner := NewAligner(store, zerolog.Nop())
	panel, _, _, err := aligner.BuildPanel(context.Background(), []string{"WETH"}, 30)
	require.NoError(t, err)

	liq, ok := panel.Latest(Column{"WETH", FieldLiquidityIndex})
	require.True(t, ok)
	assert.InDelta(t, 1e27, liq, 1e12)

	supply, ok := panel.Latest(Column{"WETH", FieldSupplyRate})
	require.True(t, ok)
	assert.InDelta(t, 2e25, supply, 1e10)
}
