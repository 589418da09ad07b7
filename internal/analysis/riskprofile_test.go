package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

func testConfig() *config.Config {
	cfg, _ := config.Load()
	return cfg
}

func riskStore() *fakeStore {
	store := &fakeStore{
		spot:    map[string][]models.SpotCandle{},
		mark:    map[string][]models.FuturesKline{},
		funding: map[string][]models.FundingRate{},
		lending: map[string][]models.LendingSnapshot{},
	}

	// 40 days of drifting BTC closes with an alternating wiggle so the
	// return sample has both tails.
	for i := 0; i < 40; i++ {
		ts := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, i-40)
		wiggle := 0.01 * float64(1-2*(i%2))
		price := 50000 * (1 + 0.002*float64(i)) * (1 + wiggle)
		store.spot["BTC"] = append(store.spot["BTC"], spotCandle("BTC", ts, price))
		store.mark["BTC"] = append(store.mark["BTC"], models.FuturesKline{
			Asset: "BTC", Timestamp: ts, Close: decimal.NewFromFloat(price * 1.001),
		})
		store.funding["BTC"] = append(store.funding["BTC"], models.FundingRate{
			Asset: "BTC", Timestamp: ts, FundingRate: decimal.NewFromFloat(0.0001),
		})
	}
	return store
}

func TestCalculateRiskProfilePureSpot(t *testing.T) {
	t.Parallel()

	engine := NewRiskEngine(riskStore(), testConfig(), zerolog.Nop())
	resp, err := engine.CalculateRiskProfile(context.Background(), models.RiskProfileRequest{
		Positions: []models.Position{
			{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 40000},
		},
		LookbackDays: 30,
	})
	require.NoError(t, err)

	assert.Greater(t, resp.CurrentPortfolioValue, 0.0)
	assert.InDelta(t, 1.0, resp.RiskMetrics.DeltaExposure, 1e-9)
	assert.LessOrEqual(t, resp.RiskMetrics.VaR991Day, resp.RiskMetrics.VaR951Day)
	assert.LessOrEqual(t, resp.RiskMetrics.VaR951Day, 0.0)
	assert.Len(t, resp.Scenarios, 8)
	assert.Len(t, resp.SensitivityAnalysis, len(testConfig().SensitivityRange))
	assert.Nil(t, resp.RiskMetrics.LendingMetrics)

	// The zero-shock sensitivity row reproduces the current value.
	for _, row := range resp.SensitivityAnalysis {
		if row.PriceChangePct == 0 {
			assert.InDelta(t, resp.CurrentPortfolioValue, row.PortfolioValue, 1e-6)
		}
	}
}

func TestCalculateRiskProfileFuturesLookbackWarning(t *testing.T) {
	t.Parallel()

	engine := NewRiskEngine(riskStore(), testConfig(), zerolog.Nop())
	resp, err := engine.CalculateRiskProfile(context.Background(), models.RiskProfileRequest{
		Positions: []models.Position{
			{Asset: "BTC", Quantity: 1, PositionType: models.PositionFuturesLong, EntryPrice: 40000, Leverage: 5},
		},
		LookbackDays: 60,
	})
	require.NoError(t, err)

	require.NotNil(t, resp.DataAvailabilityWarning)
	assert.Contains(t, *resp.DataAvailabilityWarning, "funding/mark coverage")
}

func TestCalculateRiskProfileUnknownAsset(t *testing.T) {
	t.Parallel()

	engine := NewRiskEngine(riskStore(), testConfig(), zerolog.Nop())
	_, err := engine.CalculateRiskProfile(context.Background(), models.RiskProfileRequest{
		Positions: []models.Position{
			{Asset: "DOGE", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 1},
		},
		LookbackDays: 30,
	})
	assert.Error(t, err)
}

func TestValidatePositionsBoundaries(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	entryTime := time.Now().UTC().AddDate(0, 0, -10)

	cases := []struct {
		name      string
		positions []models.Position
		wantErr   string
	}{
		{name: "empty", positions: nil, wantErr: "at least one position"},
		{
			name: "too many",
			positions: func() []models.Position {
				out := make([]models.Position, 21)
				for i := range out {
					out[i] = models.Position{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 1}
				}
				return out
			}(),
			wantErr: "maximum 20 positions",
		},
		{
			name: "missing entry price",
			positions: []models.Position{
				{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot},
			},
			wantErr: "entry_price",
		},
		{
			name: "zero quantity",
			positions: []models.Position{
				{Asset: "BTC", Quantity: 0, PositionType: models.PositionSpot, EntryPrice: 1},
			},
			wantErr: "quantity",
		},
		{
			name: "excess leverage",
			positions: []models.Position{
				{Asset: "BTC", Quantity: 1, PositionType: models.PositionFuturesLong, EntryPrice: 1, Leverage: 126},
			},
			wantErr: "leverage",
		},
		{
			name: "bad position type",
			positions: []models.Position{
				{Asset: "BTC", Quantity: 1, PositionType: "margin", EntryPrice: 1},
			},
			wantErr: "position_type",
		},
		{
			name: "lending without entry timestamp",
			positions: []models.Position{
				{Asset: "WETH", Quantity: 1, PositionType: models.PositionLendingSupply},
			},
			wantErr: "entry_timestamp",
		},
		{
			name: "borrow without borrow type",
			positions: []models.Position{
				{Asset: "USDC", Quantity: 1, PositionType: models.PositionLendingBorrow, EntryTime: &entryTime},
			},
			wantErr: "borrow_type",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePositions(tc.positions, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	// A fully valid mixed portfolio passes.
	err := ValidatePositions([]models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 50000},
		{Asset: "ETH", Quantity: 10, PositionType: models.PositionFuturesLong, EntryPrice: 2000, Leverage: 5},
		{Asset: "WETH", Quantity: 5, PositionType: models.PositionLendingSupply, EntryTime: &entryTime},
		{Asset: "USDC", Quantity: 1000, PositionType: models.PositionLendingBorrow, EntryTime: &entryTime, BorrowType: models.BorrowVariable},
	}, cfg)
	assert.NoError(t, err)
}

func TestNormalizeLendingAssets(t *testing.T) {
	t.Parallel()

	entryTime := time.Now().UTC()
	positions := []models.Position{
		{Asset: "BTC", Quantity: 1, PositionType: models.PositionSpot, EntryPrice: 1},
		{Asset: "ETH", Quantity: 1, PositionType: models.PositionLendingSupply, EntryTime: &entryTime},
	}

	out := normalizeLendingAssets(positions, testConfig())
	assert.Equal(t, "BTC", out[0].Asset, "spot assets are untouched")
	assert.Equal(t, "WETH", out[1].Asset, "lending assets map through the alias table")
}
