package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// periodsPerYear is the annualization basis for daily data.
const periodsPerYear = 365

// LogReturns computes r_t = ln(P_t / P_{t-1}), dropping non-finite values
// (zero or negative prices produce none).
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		r := math.Log(prices[i] / prices[i-1])
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		returns = append(returns, r)
	}
	return returns
}

// Volatility is the sample standard deviation of returns (ddof=1),
// annualized with √365 when requested.
func Volatility(returns []float64, annualize bool) float64 {
	if len(returns) < 2 {
		return 0
	}
	sigma := stat.StdDev(returns, nil)
	if annualize {
		sigma *= math.Sqrt(periodsPerYear)
	}
	return sigma
}

// Quantile returns the q-th empirical quantile with linear interpolation
// between the closest ranks (numpy's default convention). Input need not be
// sorted.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// VaRHistorical computes historical-simulation VaR at the given confidence:
// V₀ × quantile(returns, 1−α). The result is signed; a loss is negative.
func VaRHistorical(returns []float64, confidence, portfolioValue float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	return portfolioValue * Quantile(returns, 1-confidence)
}

// CVaR is the expected shortfall: V₀ × mean{r : r ≤ threshold}. When no
// return breaches the threshold it falls back to V₀ × threshold (the VaR).
func CVaR(returns []float64, threshold, portfolioValue float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var tail []float64
	for _, r := range returns {
		if r <= threshold {
			tail = append(tail, r)
		}
	}
	if len(tail) == 0 {
		return portfolioValue * threshold
	}
	return portfolioValue * stat.Mean(tail, nil)
}

// SharpeRatio annualizes mean and stddev over 365 periods:
// (mean·365 − rf) / (stddev·√365). Zero when the deviation vanishes.
func SharpeRatio(returns []float64, riskFreeRate float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	sigma := stat.StdDev(returns, nil)
	if sigma == 0 {
		return 0
	}
	annualMean := mean * periodsPerYear
	annualSigma := sigma * math.Sqrt(periodsPerYear)
	return (annualMean - riskFreeRate) / annualSigma
}

// MaxDrawdown is the most negative (value − runningMax)/runningMax over the
// series, reported as a negative decimal.
func MaxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	runMax := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > runMax {
			runMax = v
		}
		if runMax > 0 {
			dd := (v - runMax) / runMax
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// CorrelationMatrix computes pairwise Pearson correlations over the given
// return series, truncated to the shortest length.
func CorrelationMatrix(assetReturns map[string][]float64) map[string]map[string]float64 {
	if len(assetReturns) == 0 {
		return map[string]map[string]float64{}
	}

	minLen := -1
	for _, returns := range assetReturns {
		if minLen < 0 || len(returns) < minLen {
			minLen = len(returns)
		}
	}

	assets := make([]string, 0, len(assetReturns))
	for asset := range assetReturns {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	matrix := make(map[string]map[string]float64, len(assets))
	for _, a := range assets {
		matrix[a] = make(map[string]float64, len(assets))
		for _, b := range assets {
			if a == b {
				matrix[a][b] = 1
				continue
			}
			if minLen < 2 {
				matrix[a][b] = 0
				continue
			}
			ra := assetReturns[a][:minLen]
			rb := assetReturns[b][:minLen]
			corr := stat.Correlation(ra, rb, nil)
			if math.IsNaN(corr) {
				corr = 0
			}
			matrix[a][b] = corr
		}
	}
	return matrix
}

// PortfolioVariance computes σ_p² = Σ w_a w_b σ_a σ_b ρ_ab with weights from
// per-asset position values (summed per asset) and daily (non-annualized)
// volatilities.
func PortfolioVariance(assetValues map[string]float64, assetReturns map[string][]float64, corr map[string]map[string]float64) float64 {
	total := 0.0
	for _, v := range assetValues {
		total += v
	}
	if total == 0 {
		return 0
	}

	weights := make(map[string]float64, len(assetValues))
	for asset, v := range assetValues {
		weights[asset] = v / total
	}

	sigmas := make(map[string]float64, len(assetReturns))
	for asset, returns := range assetReturns {
		if len(returns) >= 2 {
			sigmas[asset] = stat.StdDev(returns, nil)
		}
	}

	variance := 0.0
	for a, wa := range weights {
		for b, wb := range weights {
			variance += wa * wb * sigmas[a] * sigmas[b] * lookupCorr(corr, a, b)
		}
	}
	return variance
}

func lookupCorr(corr map[string]map[string]float64, a, b string) float64 {
	if row, ok := corr[a]; ok {
		if v, ok := row[b]; ok {
			return v
		}
	}
	return 0
}
