package analysis

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// SpotStats aggregates one asset's spot history over a query range.
type SpotStats struct {
	CurrentPrice   float64 `json:"current_price"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
	MeanPrice      float64 `json:"mean_price"`
	TotalReturnPct float64 `json:"total_return_pct"`
	VolatilityPct  float64 `json:"volatility_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// CalcSpotStats returns nil when fewer than two candles are available;
// insufficient data is never an error on this surface.
func CalcSpotStats(candles []models.SpotCandle, riskFreeRate float64) *SpotStats {
	if len(candles) < 2 {
		return nil
	}

	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i], _ = c.Close.Float64()
	}

	returns := LogReturns(prices)
	if len(returns) == 0 {
		return nil
	}

	minPrice, maxPrice := prices[0], prices[0]
	for _, p := range prices {
		if p < minPrice {
			minPrice = p
		}
		if p > maxPrice {
			maxPrice = p
		}
	}

	return &SpotStats{
		CurrentPrice:   prices[len(prices)-1],
		MinPrice:       minPrice,
		MaxPrice:       maxPrice,
		MeanPrice:      stat.Mean(prices, nil),
		TotalReturnPct: (prices[len(prices)-1]/prices[0] - 1) * 100,
		VolatilityPct:  Volatility(returns, true) * 100,
		SharpeRatio:    SharpeRatio(returns, riskFreeRate),
		MaxDrawdownPct: MaxDrawdown(prices) * 100,
	}
}

// FuturesStats aggregates one asset's futures history. Basis and OI blocks
// stay nil when their inputs are unavailable.
type FuturesStats struct {
	CurrentFundingRatePct    float64  `json:"current_funding_rate_pct"`
	MeanFundingRatePct       float64  `json:"mean_funding_rate_pct"`
	CumulativeFundingCostPct float64  `json:"cumulative_funding_cost_pct"`
	CurrentBasisPremiumPct   *float64 `json:"current_basis_premium_pct"`
	MeanBasisPremiumPct      *float64 `json:"mean_basis_premium_pct"`
	CurrentOpenInterest      *float64 `json:"current_open_interest"`
	OpenInterestChangePct    *float64 `json:"open_interest_change_pct"`
}

// CalcFuturesStats returns nil without funding data.
func CalcFuturesStats(funding []models.FundingRate, mark []models.FuturesKline, oi []models.OpenInterestPoint, spotPrice *float64) *FuturesStats {
	if len(funding) == 0 {
		return nil
	}

	rates := make([]float64, len(funding))
	sum := 0.0
	for i, f := range funding {
		rates[i], _ = f.FundingRate.Float64()
		sum += rates[i]
	}

	stats := &FuturesStats{
		CurrentFundingRatePct:    rates[len(rates)-1] * 100,
		MeanFundingRatePct:       stat.Mean(rates, nil) * 100,
		CumulativeFundingCostPct: sum * 100,
	}

	if len(mark) > 0 && spotPrice != nil && *spotPrice > 0 {
		marks := make([]float64, len(mark))
		for i, k := range mark {
			marks[i], _ = k.Close.Float64()
		}
		current := (marks[len(marks)-1] - *spotPrice) / *spotPrice * 100
		stats.CurrentBasisPremiumPct = &current

		premiums := make([]float64, len(marks))
		for i, m := range marks {
			premiums[i] = (m - *spotPrice) / *spotPrice
		}
		mean := stat.Mean(premiums, nil) * 100
		stats.MeanBasisPremiumPct = &mean
	}

	if len(oi) >= 2 {
		values := make([]float64, len(oi))
		for i, p := range oi {
			values[i], _ = p.OpenInterest.Float64()
		}
		current := values[len(values)-1]
		stats.CurrentOpenInterest = &current
		if values[0] > 0 {
			change := (values[len(values)-1]/values[0] - 1) * 100
			stats.OpenInterestChangePct = &change
		}
	}

	return stats
}

// LendingStats aggregates one reserve's rate history as APY percentages.
type LendingStats struct {
	CurrentSupplyAPYPct         float64 `json:"current_supply_apy_pct"`
	MeanSupplyAPYPct            float64 `json:"mean_supply_apy_pct"`
	MinSupplyAPYPct             float64 `json:"min_supply_apy_pct"`
	MaxSupplyAPYPct             float64 `json:"max_supply_apy_pct"`
	CurrentVariableBorrowAPYPct float64 `json:"current_variable_borrow_apy_pct"`
	MeanVariableBorrowAPYPct    float64 `json:"mean_variable_borrow_apy_pct"`
	SpreadPct                   float64 `json:"spread_pct"`
}

// CalcLendingStats returns nil without snapshots.
func CalcLendingStats(snaps []models.LendingSnapshot) *LendingStats {
	if len(snaps) == 0 {
		return nil
	}

	supplyAPYs := make([]float64, 0, len(snaps))
	borrowAPYs := make([]float64, 0, len(snaps))
	for _, s := range snaps {
		supplyAPYs = append(supplyAPYs, models.RayToAPY(s.SupplyRateRay))
		borrowAPYs = append(borrowAPYs, models.RayToAPY(s.VarBorrowRateRay))
	}

	minSupply, maxSupply := supplyAPYs[0], supplyAPYs[0]
	for _, v := range supplyAPYs {
		if v < minSupply {
			minSupply = v
		}
		if v > maxSupply {
			maxSupply = v
		}
	}

	currentSupply := supplyAPYs[len(supplyAPYs)-1]
	currentBorrow := borrowAPYs[len(borrowAPYs)-1]

	return &LendingStats{
		CurrentSupplyAPYPct:         currentSupply,
		MeanSupplyAPYPct:            stat.Mean(supplyAPYs, nil),
		MinSupplyAPYPct:             minSupply,
		MaxSupplyAPYPct:             maxSupply,
		CurrentVariableBorrowAPYPct: currentBorrow,
		MeanVariableBorrowAPYPct:    stat.Mean(borrowAPYs, nil),
		SpreadPct:                   currentBorrow - currentSupply,
	}
}

// CrossAssetCorrelations inner-joins daily closes on timestamp, computes log
// returns per asset and the Pearson correlation matrix. Returns nil with
// fewer than 2 assets or fewer than 2 overlapping days.
func CrossAssetCorrelations(multiAssetCandles map[string][]models.SpotCandle) map[string]map[string]float64 {
	if len(multiAssetCandles) < 2 {
		return nil
	}

	// Per asset: day -> close (last of day).
	perAsset := make(map[string]map[int64]float64, len(multiAssetCandles))
	for asset, candles := range multiAssetCandles {
		if len(candles) < 2 {
			continue
		}
		closes := make(map[int64]float64, len(candles))
		for _, c := range candles {
			v, _ := c.Close.Float64()
			closes[dayKey(c.Timestamp)] = v // rows are ascending; last of day wins
		}
		perAsset[asset] = closes
	}
	if len(perAsset) < 2 {
		return nil
	}

	// Inner join: timestamps present for every asset.
	var common []int64
	first := true
	for _, closes := range perAsset {
		if first {
			for ts := range closes {
				common = append(common, ts)
			}
			first = false
			continue
		}
		kept := common[:0]
		for _, ts := range common {
			if _, ok := closes[ts]; ok {
				kept = append(kept, ts)
			}
		}
		common = kept
	}
	if len(common) < 2 {
		return nil
	}
	sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })

	assetReturns := make(map[string][]float64, len(perAsset))
	for asset, closes := range perAsset {
		prices := make([]float64, len(common))
		for i, ts := range common {
			prices[i] = closes[ts]
		}
		returns := LogReturns(prices)
		if len(returns) > 0 {
			assetReturns[asset] = returns
		}
	}
	if len(assetReturns) < 2 {
		return nil
	}

	return CorrelationMatrix(assetReturns)
}
