package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// AssetRates carries the latest RAY rates (as raw RAY magnitudes) for one
// reserve.
type AssetRates struct {
	SupplyRate         float64
	VariableBorrowRate float64
	StableBorrowRate   float64
}

// LendingMetrics is the account-level Aave block of the risk profile.
type LendingMetrics struct {
	TotalSuppliedValue float64   `json:"total_supplied_value"`
	TotalBorrowedValue float64   `json:"total_borrowed_value"`
	NetLendingValue    float64   `json:"net_lending_value"`
	CurrentLTV         float64   `json:"current_ltv"`
	HealthFactor       float64   `json:"health_factor"`
	MaxSafeBorrow      float64   `json:"max_safe_borrow"`
	NetAPY             float64   `json:"net_apy"`
	WeightedSupplyAPY  float64   `json:"weighted_supply_apy"`
	WeightedBorrowAPY  float64   `json:"weighted_borrow_apy"`
	DataTimestamp      time.Time `json:"data_timestamp"`
	DataAgeHours       float64   `json:"data_age_hours"`
	DataWarning        *string   `json:"data_warning"`
}

// valuedPosition pairs a position with its current value.
type valuedPosition struct {
	pos   models.Position
	value float64
}

// AccountLTV is debt / collateral, 0 when there is no collateral.
func AccountLTV(totalDebt, totalCollateral float64) float64 {
	if totalCollateral <= 0 {
		return 0
	}
	return totalDebt / totalCollateral
}

// HealthFactor is Σ(supply_value · liq_threshold) / total_debt: +Inf with no
// debt, 0 with debt but no collateral.
func HealthFactor(supplies []valuedPosition, totalDebt float64, thresholds map[string]float64) float64 {
	if totalDebt <= 0 {
		return math.Inf(1)
	}

	weighted := 0.0
	for _, s := range supplies {
		threshold, ok := thresholds[s.pos.Asset]
		if !ok {
			threshold = 0.75
		}
		weighted += s.value * threshold
	}
	if weighted <= 0 {
		return 0
	}
	return weighted / totalDebt
}

// CalcLendingMetrics computes the account-level block from valued lending
// positions, the latest reserve rates, and the data timestamp.
func CalcLendingMetrics(
	positions []models.Position,
	values map[int]float64, // position index -> current value
	rates map[string]AssetRates,
	thresholds, maxLTVs map[string]float64,
	latestDataTime time.Time,
	maxAgeHours int,
	now time.Time,
) (*LendingMetrics, error) {
	var supplies, borrows []valuedPosition
	for i, pos := range positions {
		switch pos.PositionType {
		case models.PositionLendingSupply:
			supplies = append(supplies, valuedPosition{pos, values[i]})
		case models.PositionLendingBorrow:
			borrows = append(borrows, valuedPosition{pos, values[i]})
		}
	}
	if len(supplies) == 0 && len(borrows) == 0 {
		return nil, fmt.Errorf("no lending positions found")
	}

	totalCollateral := 0.0
	for _, s := range supplies {
		totalCollateral += s.value
	}
	totalDebt := 0.0
	for _, b := range borrows {
		totalDebt += math.Abs(b.value)
	}

	netAPY, weightedSupplyAPY, weightedBorrowAPY := netAPY(supplies, borrows, rates)

	// Max safe borrow: collateral × value-weighted max LTV − debt, floored
	// at zero.
	weightedMaxLTV := 0.0
	if totalCollateral > 0 {
		for _, s := range supplies {
			maxLTV, ok := maxLTVs[s.pos.Asset]
			if !ok {
				maxLTV = 0.75
			}
			weightedMaxLTV += s.value / totalCollateral * maxLTV
		}
	}
	maxSafeBorrow := totalCollateral*weightedMaxLTV - totalDebt
	if maxSafeBorrow < 0 {
		maxSafeBorrow = 0
	}

	ageHours := now.Sub(latestDataTime).Hours()
	var warning *string
	if ageHours > float64(maxAgeHours) {
		msg := fmt.Sprintf("Lending data is %.1fh old (max: %dh). Metrics may be stale.", ageHours, maxAgeHours)
		warning = &msg
	}

	return &LendingMetrics{
		TotalSuppliedValue: totalCollateral,
		TotalBorrowedValue: totalDebt,
		NetLendingValue:    totalCollateral - totalDebt,
		CurrentLTV:         AccountLTV(totalDebt, totalCollateral),
		HealthFactor:       HealthFactor(supplies, totalDebt, thresholds),
		MaxSafeBorrow:      maxSafeBorrow,
		NetAPY:             netAPY,
		WeightedSupplyAPY:  weightedSupplyAPY,
		WeightedBorrowAPY:  weightedBorrowAPY,
		DataTimestamp:      latestDataTime,
		DataAgeHours:       ageHours,
		DataWarning:        warning,
	}, nil
}

// netAPY computes value-weighted supply and borrow APYs and the net yield on
// the account's net value. Borrow positions weight by |value|; stable
// borrows use the stable rate when present.
func netAPY(supplies, borrows []valuedPosition, rates map[string]AssetRates) (net, weightedSupply, weightedBorrow float64) {
	totalSupply := 0.0
	supplyYield := 0.0
	for _, s := range supplies {
		totalSupply += s.value
		if r, ok := rates[s.pos.Asset]; ok {
			supplyYield += s.value * models.APRToAPY(r.SupplyRate/1e27)
		}
	}

	totalBorrow := 0.0
	borrowCost := 0.0
	for _, b := range borrows {
		value := math.Abs(b.value)
		totalBorrow += value
		r, ok := rates[b.pos.Asset]
		if !ok {
			continue
		}
		rate := r.VariableBorrowRate
		if b.pos.BorrowType == models.BorrowStable && r.StableBorrowRate > 0 {
			rate = r.StableBorrowRate
		}
		borrowCost += value * models.APRToAPY(rate/1e27)
	}

	if totalSupply > 0 {
		weightedSupply = supplyYield / totalSupply
	}
	if totalBorrow > 0 {
		weightedBorrow = borrowCost / totalBorrow
	}

	netValue := totalSupply - totalBorrow
	switch {
	case netValue > 0:
		net = (supplyYield - borrowCost) / netValue
	case netValue < 0:
		net = (supplyYield - borrowCost) / math.Abs(netValue)
	}
	return net, weightedSupply, weightedBorrow
}
