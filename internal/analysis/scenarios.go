package analysis

import (
	"fmt"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// Scenario is one market shock definition: either a uniform move or an
// asset-specific shock map with a "default" entry.
type Scenario struct {
	Key          string
	Name         string
	Description  string
	UniformShock *float64
	AssetShocks  map[string]float64
}

// ScenarioResult is the portfolio outcome under one scenario.
type ScenarioResult struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	PortfolioValue float64 `json:"portfolio_value"`
	PnL            float64 `json:"pnl"`
	ReturnPct      float64 `json:"return_pct"`
}

func uniform(v float64) *float64 { return &v }

// Catalogue returns the fixed set of eight scenarios, in presentation order.
func Catalogue() []Scenario {
	return []Scenario{
		{
			Key: "bull_market", Name: "Bull Market (+30%)",
			Description:  "All assets increase by 30%",
			UniformShock: uniform(0.30),
		},
		{
			Key: "bear_market", Name: "Bear Market (-30%)",
			Description:  "All assets decrease by 30%",
			UniformShock: uniform(-0.30),
		},
		{
			Key: "crypto_winter", Name: "Crypto Winter (-50%)",
			Description:  "Severe bear market with 50% decline across all assets",
			UniformShock: uniform(-0.50),
		},
		{
			Key: "moderate_rally", Name: "Moderate Rally (+15%)",
			Description:  "Moderate upward movement of 15%",
			UniformShock: uniform(0.15),
		},
		{
			Key: "flash_crash", Name: "Flash Crash (-20%)",
			Description:  "Sudden sharp decline of 20%",
			UniformShock: uniform(-0.20),
		},
		{
			Key: "btc_dominance", Name: "BTC Dominance",
			Description: "BTC +40%, other assets -10%",
			AssetShocks: map[string]float64{"BTC": 0.40, "default": -0.10},
		},
		{
			Key: "alt_season", Name: "Alt Season",
			Description: "Altcoins rally: ETH/SOL +50%, BTC +20%",
			AssetShocks: map[string]float64{"BTC": 0.20, "ETH": 0.50, "SOL": 0.50, "default": 0.35},
		},
		{
			Key: "risk_off", Name: "Risk-Off Environment",
			Description: "Flight to quality: BTC -15%, altcoins -35%",
			AssetShocks: map[string]float64{"BTC": -0.15, "default": -0.35},
		},
	}
}

// CustomScenario builds a user-supplied scenario from either an asset shock
// map or a uniform shock.
func CustomScenario(name, description string, assetShocks map[string]float64, uniformShock *float64) (Scenario, error) {
	switch {
	case len(assetShocks) > 0:
		return Scenario{Key: name, Name: name, Description: description, AssetShocks: assetShocks}, nil
	case uniformShock != nil:
		return Scenario{Key: name, Name: name, Description: description, UniformShock: uniformShock}, nil
	default:
		return Scenario{}, fmt.Errorf("scenario needs either asset shocks or a uniform shock")
	}
}

// RunScenario revalues the portfolio under the scenario's shocked prices.
// Lending-only portfolios (no price keys) keep their base value.
func RunScenario(positions []models.Position, prices map[PriceKey]float64, indices map[string]AssetIndices, sc Scenario) (ScenarioResult, error) {
	baseValue, err := PortfolioValue(positions, prices, indices)
	if err != nil {
		return ScenarioResult{}, err
	}

	scenarioValue := baseValue
	if len(prices) > 0 {
		var shocked map[PriceKey]float64
		if sc.UniformShock != nil {
			shocked = ApplyUniformShock(prices, *sc.UniformShock)
		} else {
			shocked = ApplyAssetShocks(prices, sc.AssetShocks)
		}
		scenarioValue, err = PortfolioValue(positions, shocked, indices)
		if err != nil {
			return ScenarioResult{}, err
		}
	}

	pnl := scenarioValue - baseValue
	returnPct := 0.0
	if baseValue != 0 {
		returnPct = pnl / baseValue * 100
	}

	return ScenarioResult{
		Name:           sc.Name,
		Description:    sc.Description,
		PortfolioValue: scenarioValue,
		PnL:            pnl,
		ReturnPct:      returnPct,
	}, nil
}

// RunAllScenarios runs the full catalogue keyed by scenario key.
func RunAllScenarios(positions []models.Position, prices map[PriceKey]float64, indices map[string]AssetIndices) (map[string]ScenarioResult, error) {
	results := make(map[string]ScenarioResult, 8)
	for _, sc := range Catalogue() {
		result, err := RunScenario(positions, prices, indices, sc)
		if err != nil {
			return nil, err
		}
		results[sc.Key] = result
	}
	return results, nil
}
