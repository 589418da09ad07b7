package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

// RiskMetrics is the risk block of the profile response.
type RiskMetrics struct {
	LookbackDaysUsed          int                           `json:"lookback_days_used"`
	PortfolioVariance         float64                       `json:"portfolio_variance"`
	PortfolioVolatilityAnnual float64                       `json:"portfolio_volatility_annual"`
	VaR951Day                 float64                       `json:"var_95_1day"`
	VaR991Day                 float64                       `json:"var_99_1day"`
	CVaR95                    float64                       `json:"cvar_95"`
	SharpeRatio               float64                       `json:"sharpe_ratio"`
	MaxDrawdown               float64                       `json:"max_drawdown"`
	CorrelationMatrix         map[string]map[string]float64 `json:"correlation_matrix"`
	DeltaExposure             float64                       `json:"delta_exposure"`
	LendingMetrics            *LendingMetrics               `json:"lending_metrics"`
}

// RiskProfileResponse is the body of POST /analysis/risk-profile.
type RiskProfileResponse struct {
	CurrentPortfolioValue   float64                   `json:"current_portfolio_value"`
	DataAvailabilityWarning *string                   `json:"data_availability_warning"`
	SensitivityAnalysis     []SensitivityRow          `json:"sensitivity_analysis"`
	RiskMetrics             RiskMetrics               `json:"risk_metrics"`
	Scenarios               map[string]ScenarioResult `json:"scenarios"`
}

// RiskEngine composes alignment, valuation, risk metrics, scenarios, and
// lending metrics into the full profile.
type RiskEngine struct {
	aligner *Aligner
	cfg     *config.Config
	log     zerolog.Logger
}

func NewRiskEngine(store Store, cfg *config.Config, log zerolog.Logger) *RiskEngine {
	return &RiskEngine{
		aligner: NewAligner(store, log),
		cfg:     cfg,
		log:     log.With().Str("component", "risk_engine").Logger(),
	}
}

// ValidatePositions enforces the request-shape rules before any database
// work. Every violation is a validation error with a per-field message.
func ValidatePositions(positions []models.Position, cfg *config.Config) error {
	if len(positions) == 0 {
		return apperr.Validationf("portfolio must contain at least one position")
	}
	if len(positions) > cfg.MaxPortfolioPositions {
		return apperr.Validationf("maximum %d positions allowed", cfg.MaxPortfolioPositions)
	}

	for i, pos := range positions {
		switch pos.PositionType {
		case models.PositionSpot, models.PositionFuturesLong, models.PositionFuturesShort:
			if pos.EntryPrice <= 0 {
				return apperr.Validationf("position %d has invalid entry_price: %v", i, pos.EntryPrice)
			}
		case models.PositionLendingSupply, models.PositionLendingBorrow:
			if pos.EntryTime == nil {
				return apperr.Validationf("lending position %d missing required field: entry_timestamp", i)
			}
			if pos.PositionType == models.PositionLendingBorrow {
				if pos.BorrowType != models.BorrowVariable && pos.BorrowType != models.BorrowStable {
					return apperr.Validationf("lending borrow position %d missing or invalid borrow_type", i)
				}
			}
		case "":
			return apperr.Validationf("position %d missing required field: position_type", i)
		default:
			return apperr.Validationf("position %d has invalid position_type: %s", i, pos.PositionType)
		}

		if pos.Asset == "" {
			return apperr.Validationf("position %d missing required field: asset", i)
		}
		if pos.Quantity <= 0 {
			return apperr.Validationf("position %d has invalid quantity: %v", i, pos.Quantity)
		}

		leverage := pos.Leverage
		if leverage == 0 {
			leverage = 1
		}
		if leverage <= 0 || leverage > cfg.MaxLeverageLimit {
			return apperr.Validationf(
				"position %d has invalid leverage: %v (must be 0 < leverage <= %v)", i, pos.Leverage, cfg.MaxLeverageLimit)
		}
	}
	return nil
}

// CalculateRiskProfile runs the full pipeline for a validated request.
func (e *RiskEngine) CalculateRiskProfile(ctx context.Context, req models.RiskProfileRequest) (*RiskProfileResponse, error) {
	positions := normalizeLendingAssets(req.Positions, e.cfg)
	lookback := req.LookbackDays
	if lookback == 0 {
		lookback = e.cfg.RiskDefaultLookbackDays
	}

	hasLending := false
	hasFutures := false
	assetSet := make(map[string]bool)
	for _, pos := range positions {
		assetSet[pos.Asset] = true
		if pos.IsLending() {
			hasLending = true
		}
		if pos.IsFutures() {
			hasFutures = true
		}
	}
	assets := make([]string, 0, len(assetSet))
	for asset := range assetSet {
		assets = append(assets, asset)
	}

	e.log.Info().Int("positions", len(positions)).Strs("assets", assets).
		Int("lookback_days", lookback).Msg("calculating risk profile")

	panel, alignWarnings, actualDays, err := e.aligner.BuildPanel(ctx, assets, lookback)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}

	var warnings []string
	if hasFutures && lookback > e.cfg.FundingRateLookbackDays {
		warnings = append(warnings, fmt.Sprintf(
			"Warning: funding/mark coverage is limited to ~%d days; lookback_days=%d exceeds it.",
			e.cfg.FundingRateLookbackDays, lookback))
	}
	if actualDays < 30 {
		warnings = append(warnings, fmt.Sprintf(
			"Warning: Only %d days of data available (recommended: 30+). Risk metrics may be unreliable.", actualDays))
	}
	warnings = append(warnings, alignWarnings...)

	// Lending entry indices: look up on the aligned grid when absent.
	if hasLending {
		if err := e.fillEntryIndices(positions, panel); err != nil {
			return nil, err
		}
	}

	prices, err := currentPrices(panel, positions)
	if err != nil {
		return nil, err
	}

	var indices map[string]AssetIndices
	if hasLending {
		indices = currentIndices(panel, positions)
	}

	currentValue, err := PortfolioValue(positions, prices, indices)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}

	values, returns := historicalSeries(positions, panel, hasLending)

	shocks := make([]float64, len(e.cfg.SensitivityRange))
	for i, pct := range e.cfg.SensitivityRange {
		shocks[i] = float64(pct) / 100
	}
	sensitivity, err := SensitivityTable(positions, prices, indices, shocks)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}

	assetReturns := assetReturnSeries(positions, panel)
	corrMatrix := CorrelationMatrix(assetReturns)

	assetValues := make(map[string]float64)
	positionValues := make(map[int]float64, len(positions))
	for i, pos := range positions {
		v, err := PositionValue(pos, prices, indices)
		if err != nil {
			return nil, apperr.Validationf("%v", err)
		}
		positionValues[i] = v
		assetValues[pos.Asset] += v
	}

	metrics := RiskMetrics{
		LookbackDaysUsed:          actualDays,
		PortfolioVariance:         PortfolioVariance(assetValues, assetReturns, corrMatrix),
		PortfolioVolatilityAnnual: Volatility(returns, true),
		VaR951Day:                 VaRHistorical(returns, 0.95, currentValue),
		VaR991Day:                 VaRHistorical(returns, 0.99, currentValue),
		SharpeRatio:               SharpeRatio(returns, e.cfg.RiskFreeRate),
		MaxDrawdown:               MaxDrawdown(values),
		CorrelationMatrix:         corrMatrix,
		DeltaExposure:             DeltaExposure(positions),
	}
	if len(returns) > 0 {
		metrics.CVaR95 = CVaR(returns, Quantile(returns, 0.05), currentValue)
	}

	if hasLending {
		rates := currentRates(panel, positions)
		latestData := panel.Days[panel.Len()-1]
		lendingMetrics, err := CalcLendingMetrics(
			positions, positionValues, rates,
			e.cfg.AaveLiquidationThresholds, e.cfg.AaveMaxLTV,
			latestData, e.cfg.LendingDataMaxAgeHours, time.Now().UTC())
		if err != nil {
			return nil, apperr.Validationf("%v", err)
		}
		if lendingMetrics.DataWarning != nil {
			warnings = append(warnings, *lendingMetrics.DataWarning)
		}
		metrics.LendingMetrics = lendingMetrics
	}

	scenarios, err := RunAllScenarios(positions, prices, indices)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}

	var warning *string
	if len(warnings) > 0 {
		joined := warnings[0]
		for _, w := range warnings[1:] {
			joined += " | " + w
		}
		warning = &joined
	}

	return &RiskProfileResponse{
		CurrentPortfolioValue:   currentValue,
		DataAvailabilityWarning: warning,
		SensitivityAnalysis:     sensitivity,
		RiskMetrics:             metrics,
		Scenarios:               scenarios,
	}, nil
}

// normalizeLendingAssets rewrites lending position assets through the alias
// map (BTC→WBTC, ETH→WETH) so they match stored reserve symbols.
func normalizeLendingAssets(positions []models.Position, cfg *config.Config) []models.Position {
	out := make([]models.Position, len(positions))
	copy(out, positions)
	for i := range out {
		if out[i].IsLending() {
			if mapped, ok := cfg.ResolveLendingAsset(out[i].Asset); ok {
				out[i].Asset = mapped
			}
		}
	}
	return out
}

// fillEntryIndices looks up the index value on the day closest to each
// lending position's entry timestamp. Entries predating the panel use the
// earliest available index.
func (e *RiskEngine) fillEntryIndices(positions []models.Position, panel *AlignedPanel) error {
	for i := range positions {
		pos := &positions[i]
		if !pos.IsLending() || pos.EntryIndex != "" {
			continue
		}

		field := FieldLiquidityIndex
		if pos.PositionType == models.PositionLendingBorrow {
			field = FieldVariableBorrowIndex
		}
		col := Column{pos.Asset, field}
		if !panel.Has(col) {
			return apperr.Validationf("no %s data available for %s", field, pos.Asset)
		}

		entry := pos.EntryTime.UTC()
		idx := 0
		if entry.Before(panel.Days[0]) {
			e.log.Warn().Str("asset", pos.Asset).Time("entry", entry).
				Msg("entry timestamp predates available data, using earliest index")
		} else {
			best := math.MaxFloat64
			for d, day := range panel.Days {
				diff := math.Abs(day.Sub(entry).Hours())
				if diff < best {
					best = diff
					idx = d
				}
			}
		}

		value, _ := panel.At(col, idx)
		pos.EntryIndex = fmt.Sprintf("%v", value)
		e.log.Info().Str("asset", pos.Asset).Str("type", pos.PositionType).
			Str("entry_index", pos.EntryIndex).Msg("auto-looked up entry index")
	}
	return nil
}

// currentPrices extracts the latest price for every non-lending position,
// keyed (asset, position_type).
func currentPrices(panel *AlignedPanel, positions []models.Position) (map[PriceKey]float64, error) {
	prices := make(map[PriceKey]float64)
	for _, pos := range positions {
		if pos.IsLending() {
			continue
		}

		field := FieldSpot
		kind := "spot"
		if pos.IsFutures() {
			field = FieldFuturesMark
			kind = "futures"
		}
		value, ok := panel.Latest(Column{pos.Asset, field})
		if !ok {
			return nil, apperr.Validationf("no %s data available for asset: %s", kind, pos.Asset)
		}
		prices[PriceKey{pos.Asset, pos.PositionType}] = value
	}
	return prices, nil
}

// currentIndices extracts the latest Aave indices for every lending asset.
func currentIndices(panel *AlignedPanel, positions []models.Position) map[string]AssetIndices {
	indices := make(map[string]AssetIndices)
	for _, pos := range positions {
		if !pos.IsLending() {
			continue
		}
		if _, done := indices[pos.Asset]; done {
			continue
		}
		var idx AssetIndices
		if v, ok := panel.Latest(Column{pos.Asset, FieldLiquidityIndex}); ok {
			idx.LiquidityIndex = v
		}
		if v, ok := panel.Latest(Column{pos.Asset, FieldVariableBorrowIndex}); ok {
			idx.VariableBorrowIndex = v
		}
		indices[pos.Asset] = idx
	}
	return indices
}

// currentRates extracts the latest RAY rates for every lending asset.
func currentRates(panel *AlignedPanel, positions []models.Position) map[string]AssetRates {
	rates := make(map[string]AssetRates)
	for _, pos := range positions {
		if !pos.IsLending() {
			continue
		}
		if _, done := rates[pos.Asset]; done {
			continue
		}
		var r AssetRates
		if v, ok := panel.Latest(Column{pos.Asset, FieldSupplyRate}); ok {
			r.SupplyRate = v
		}
		if v, ok := panel.Latest(Column{pos.Asset, FieldVariableBorrowRate}); ok {
			r.VariableBorrowRate = v
		}
		if v, ok := panel.Latest(Column{pos.Asset, FieldStableBorrowRate}); ok {
			r.StableBorrowRate = v
		}
		rates[pos.Asset] = r
	}
	return rates
}

// historicalSeries values the portfolio on every panel day and derives log
// returns. Days where a position's column is absent contribute only the
// positions that can be valued.
func historicalSeries(positions []models.Position, panel *AlignedPanel, hasLending bool) (values, returns []float64) {
	values = make([]float64, 0, panel.Len())

	for day := 0; day < panel.Len(); day++ {
		prices := make(map[PriceKey]float64)
		indices := make(map[string]AssetIndices)

		dayValue := 0.0
		for _, pos := range positions {
			if pos.IsLending() {
				idx := indices[pos.Asset]
				if v, ok := panel.At(Column{pos.Asset, FieldLiquidityIndex}, day); ok {
					idx.LiquidityIndex = v
				}
				if v, ok := panel.At(Column{pos.Asset, FieldVariableBorrowIndex}, day); ok {
					idx.VariableBorrowIndex = v
				}
				indices[pos.Asset] = idx
				continue
			}

			field := FieldSpot
			if pos.IsFutures() {
				field = FieldFuturesMark
			}
			if v, ok := panel.At(Column{pos.Asset, field}, day); ok {
				prices[PriceKey{pos.Asset, pos.PositionType}] = v
			}
		}

		for _, pos := range positions {
			v, err := PositionValue(pos, prices, indices)
			if err != nil {
				continue
			}
			dayValue += v
		}
		values = append(values, dayValue)
	}

	return values, LogReturns(values)
}

// assetReturnSeries derives per-asset daily log returns from spot columns,
// falling back to futures mark prices.
func assetReturnSeries(positions []models.Position, panel *AlignedPanel) map[string][]float64 {
	assetReturns := make(map[string][]float64)
	for _, pos := range positions {
		if _, done := assetReturns[pos.Asset]; done {
			continue
		}

		var prices []float64
		if series := panel.Series(Column{pos.Asset, FieldSpot}); series != nil {
			prices = series
		} else if series := panel.Series(Column{pos.Asset, FieldFuturesMark}); series != nil {
			prices = series
		} else {
			continue
		}

		if returns := LogReturns(prices); len(returns) > 0 {
			assetReturns[pos.Asset] = returns
		}
	}
	return assetReturns
}
