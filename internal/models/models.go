// Package models defines the series row types stored per metric and the
// request/response shapes shared by the API and analysis layers.
package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Metric names used for backfill state and gap bookkeeping.
const (
	MetricSpotOHLCV    = "spot_ohlcv"
	MetricFunding      = "fut_funding"
	MetricMarkKlines   = "fut_mark_klines"
	MetricIndexKlines  = "fut_index_klines"
	MetricOpenInterest = "fut_open_interest"
	MetricLending      = "lending"
)

// SpotCandle is one 12h OHLCV candle for a spot asset.
type SpotCandle struct {
	Asset     string          `json:"-"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Filled    bool            `json:"filled,omitempty"`
}

// FundingRate is one perpetual funding event (8h cadence on Binance).
type FundingRate struct {
	Asset       string           `json:"-"`
	Timestamp   time.Time        `json:"timestamp"`
	FundingRate decimal.Decimal  `json:"funding_rate"`
	MarkPrice   *decimal.Decimal `json:"mark_price,omitempty"`
}

// FuturesKline is one mark-price or index-price OHLC candle.
type FuturesKline struct {
	Asset     string          `json:"-"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// OpenInterestPoint is one open-interest observation. Binance retains only
// ~30 days of history for this metric.
type OpenInterestPoint struct {
	Asset        string          `json:"-"`
	Timestamp    time.Time       `json:"timestamp"`
	OpenInterest decimal.Decimal `json:"open_interest"`
}

// LendingSnapshot is one daily Aave reserve snapshot. Rates and indices are
// RAY fixed point (27 fractional digits) carried as whole integers.
type LendingSnapshot struct {
	Asset               string          `json:"-"`
	Timestamp           time.Time       `json:"timestamp"`
	ReserveAddress      string          `json:"reserve_address"`
	SupplyRateRay       decimal.Decimal `json:"supply_rate_ray"`
	VarBorrowRateRay    decimal.Decimal `json:"variable_borrow_rate_ray"`
	StableBorrowRateRay decimal.Decimal `json:"stable_borrow_rate_ray"`
	LiquidityIndex      decimal.Decimal `json:"liquidity_index"`
	VariableBorrowIndex decimal.Decimal `json:"variable_borrow_index"`
}

// BackfillState tracks backfill progress per (asset, metric).
type BackfillState struct {
	Asset                string     `json:"asset"`
	Metric               string     `json:"metric"`
	Completed            bool       `json:"completed"`
	LastFetchedTimestamp *time.Time `json:"last_fetched_timestamp,omitempty"`
}

// AssetCoverage summarizes stored history for one asset and metric.
type AssetCoverage struct {
	Asset             string     `json:"asset"`
	Earliest          *time.Time `json:"earliest"`
	Latest            *time.Time `json:"latest"`
	TotalCandles      int64      `json:"total_candles"`
	BackfillCompleted bool       `json:"backfill_completed"`
}

// Gap is an inclusive range of missing grid points on a fixed-cadence metric.
type Gap struct {
	Start time.Time
	End   time.Time
}

// Position types accepted in risk-profile requests.
const (
	PositionSpot          = "spot"
	PositionFuturesLong   = "futures_long"
	PositionFuturesShort  = "futures_short"
	PositionLendingSupply = "lending_supply"
	PositionLendingBorrow = "lending_borrow"
)

// Borrow rate modes for lending_borrow positions.
const (
	BorrowVariable = "variable"
	BorrowStable   = "stable"
)

// Position is one user-supplied portfolio entry. Lifecycle is request-scoped;
// positions are never persisted.
type Position struct {
	Asset        string     `json:"asset"`
	Quantity     float64    `json:"quantity"`
	PositionType string     `json:"position_type"`
	EntryPrice   float64    `json:"entry_price,omitempty"`
	Leverage     float64    `json:"leverage,omitempty"`
	EntryTime    *time.Time `json:"entry_timestamp,omitempty"`
	EntryIndex   string     `json:"entry_index,omitempty"`
	BorrowType   string     `json:"borrow_type,omitempty"`
}

// IsLending reports whether the position values through Aave indices rather
// than prices.
func (p Position) IsLending() bool {
	return p.PositionType == PositionLendingSupply || p.PositionType == PositionLendingBorrow
}

// IsFutures reports whether the position marks against the futures mark price.
func (p Position) IsFutures() bool {
	return p.PositionType == PositionFuturesLong || p.PositionType == PositionFuturesShort
}

// RiskProfileRequest is the body of POST /analysis/risk-profile.
type RiskProfileRequest struct {
	Positions    []Position `json:"positions"`
	LookbackDays int        `json:"lookback_days"`
}

// FetchTriggerRequest is the body of POST /fetch/trigger.
type FetchTriggerRequest struct {
	Assets    []string   `json:"assets,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// FetchTriggerResponse acknowledges a queued manual fetch.
type FetchTriggerResponse struct {
	JobID   string   `json:"job_id"`
	Message string   `json:"message"`
	Assets  []string `json:"assets"`
}

// RAY is the Aave fixed-point unit: 1.0 == 1e27.
var RAY = decimal.New(1, 27)

// SecondsPerYear is the Aave per-second compounding basis.
const SecondsPerYear = 31_536_000

// maxAPYPercent caps the per-second compounding result when the APR is large
// enough to overflow the exponentiation.
const maxAPYPercent = 1_000_000.0

// RayToAPY converts a RAY-encoded annual rate to an effective APY percentage
// using per-second compounding: ((1 + apr/N)^N - 1) * 100 with N seconds per
// year. Results are capped at 1,000,000%.
func RayToAPY(ray decimal.Decimal) float64 {
	apr, _ := ray.Div(RAY).Float64()
	return APRToAPY(apr)
}

// APRToAPY converts a plain annual rate (e.g. 0.05) to APY percent.
func APRToAPY(apr float64) float64 {
	if apr <= 0 {
		return 0
	}
	apy := math.Expm1(SecondsPerYear*math.Log1p(apr/SecondsPerYear)) * 100
	if math.IsInf(apy, 1) || math.IsNaN(apy) || apy > maxAPYPercent {
		return maxAPYPercent
	}
	return apy
}

// APYToAPR is the exact inverse of APRToAPY under per-second compounding
// (used in tests for the round-trip property).
func APYToAPR(apyPercent float64) float64 {
	if apyPercent <= 0 {
		return 0
	}
	apy := apyPercent / 100
	return SecondsPerYear * math.Expm1(math.Log1p(apy)/SecondsPerYear)
}
