package analysis

import (
	"fmt"
	"strconv"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// PriceKey keys current prices by (asset, position type) so spot and futures
// prices for the same asset never collide.
type PriceKey struct {
	Asset        string
	PositionType string
}

// AssetIndices carries the Aave indices used to value lending positions.
// Units cancel in the ratio, so raw RAY magnitudes are fine.
type AssetIndices struct {
	LiquidityIndex      float64
	VariableBorrowIndex float64
}

// SpotValue is qty × price.
func SpotValue(quantity, price float64) float64 {
	return quantity * price
}

// FuturesLongValue is margin + pnl with margin = qty·entry/leverage and
// pnl = (price − entry)·qty. Leverage divides margin only, never P&L.
func FuturesLongValue(quantity, entryPrice, price, leverage float64) float64 {
	margin := quantity * entryPrice / leverage
	pnl := (price - entryPrice) * quantity
	return margin + pnl
}

// FuturesShortValue mirrors the long case with pnl = (entry − price)·qty.
func FuturesShortValue(quantity, entryPrice, price, leverage float64) float64 {
	margin := quantity * entryPrice / leverage
	pnl := (entryPrice - price) * quantity
	return margin + pnl
}

// LendingSupplyValue accrues the deposit by the liquidity index ratio.
func LendingSupplyValue(quantity, entryIndex, currentIndex float64) float64 {
	return quantity * currentIndex / entryIndex
}

// LendingBorrowValue accrues the debt by the borrow index ratio and returns
// it negated. Stable borrows use the same index mechanic as a first-order
// approximation of the fixed per-user rate.
func LendingBorrowValue(quantity, entryIndex, currentIndex float64) float64 {
	return -(quantity * currentIndex / entryIndex)
}

// PositionValue values one position against current prices and indices.
func PositionValue(pos models.Position, prices map[PriceKey]float64, indices map[string]AssetIndices) (float64, error) {
	if pos.IsLending() {
		idx, ok := indices[pos.Asset]
		if !ok {
			return 0, fmt.Errorf("no lending indices available for %s", pos.Asset)
		}
		entryIndex, err := strconv.ParseFloat(pos.EntryIndex, 64)
		if err != nil || entryIndex <= 0 {
			return 0, fmt.Errorf("position for %s has invalid entry_index %q", pos.Asset, pos.EntryIndex)
		}
		if pos.PositionType == models.PositionLendingSupply {
			if idx.LiquidityIndex == 0 {
				return 0, fmt.Errorf("no liquidity index available for %s", pos.Asset)
			}
			return LendingSupplyValue(pos.Quantity, entryIndex, idx.LiquidityIndex), nil
		}
		if idx.VariableBorrowIndex == 0 {
			return 0, fmt.Errorf("no variable borrow index available for %s", pos.Asset)
		}
		return LendingBorrowValue(pos.Quantity, entryIndex, idx.VariableBorrowIndex), nil
	}

	price, ok := prices[PriceKey{pos.Asset, pos.PositionType}]
	if !ok {
		return 0, fmt.Errorf("no current price available for %s (%s)", pos.Asset, pos.PositionType)
	}

	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	switch pos.PositionType {
	case models.PositionSpot:
		return SpotValue(pos.Quantity, price), nil
	case models.PositionFuturesLong:
		return FuturesLongValue(pos.Quantity, pos.EntryPrice, price, leverage), nil
	case models.PositionFuturesShort:
		return FuturesShortValue(pos.Quantity, pos.EntryPrice, price, leverage), nil
	default:
		return 0, fmt.Errorf("unknown position type %q", pos.PositionType)
	}
}

// PortfolioValue sums position values.
func PortfolioValue(positions []models.Position, prices map[PriceKey]float64, indices map[string]AssetIndices) (float64, error) {
	total := 0.0
	for _, pos := range positions {
		v, err := PositionValue(pos, prices, indices)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// ApplyUniformShock scales every price by (1 + shock). Lending-only
// portfolios have no price keys, so shocks are no-ops on their value.
func ApplyUniformShock(prices map[PriceKey]float64, shock float64) map[PriceKey]float64 {
	shocked := make(map[PriceKey]float64, len(prices))
	for key, price := range prices {
		shocked[key] = price * (1 + shock)
	}
	return shocked
}

// ApplyAssetShocks scales each price by its asset's shock, falling back to
// shocks["default"].
func ApplyAssetShocks(prices map[PriceKey]float64, shocks map[string]float64) map[PriceKey]float64 {
	defaultShock := shocks["default"]
	shocked := make(map[PriceKey]float64, len(prices))
	for key, price := range prices {
		shock, ok := shocks[key.Asset]
		if !ok {
			shock = defaultShock
		}
		shocked[key] = price * (1 + shock)
	}
	return shocked
}

// DeltaExposure is the net directional quantity: spot + futures_long −
// futures_short. Leverage never enters.
func DeltaExposure(positions []models.Position) float64 {
	delta := 0.0
	for _, pos := range positions {
		switch pos.PositionType {
		case models.PositionSpot, models.PositionFuturesLong:
			delta += pos.Quantity
		case models.PositionFuturesShort:
			delta -= pos.Quantity
		}
	}
	return delta
}

// SensitivityRow is one line of the price-shock table.
type SensitivityRow struct {
	PriceChangePct float64 `json:"price_change_pct"`
	PortfolioValue float64 `json:"portfolio_value"`
	PnL            float64 `json:"pnl"`
	ReturnPct      float64 `json:"return_pct"`
}

// SensitivityTable revalues the portfolio under each shock (decimal, e.g.
// -0.30..0.30) and reports percent figures on the wire.
func SensitivityTable(positions []models.Position, prices map[PriceKey]float64, indices map[string]AssetIndices, shocks []float64) ([]SensitivityRow, error) {
	baseValue, err := PortfolioValue(positions, prices, indices)
	if err != nil {
		return nil, err
	}

	rows := make([]SensitivityRow, 0, len(shocks))
	for _, shock := range shocks {
		shockedValue := baseValue
		if len(prices) > 0 {
			shockedValue, err = PortfolioValue(positions, ApplyUniformShock(prices, shock), indices)
			if err != nil {
				return nil, err
			}
		}

		pnl := shockedValue - baseValue
		returnPct := 0.0
		if baseValue != 0 {
			returnPct = pnl / baseValue * 100
		}
		rows = append(rows, SensitivityRow{
			PriceChangePct: shock * 100,
			PortfolioValue: shockedValue,
			PnL:            pnl,
			ReturnPct:      returnPct,
		})
	}
	return rows, nil
}
