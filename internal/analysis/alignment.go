// Package analysis implements the time-series alignment layer, the stats and
// risk engines, valuation, scenario analysis, and account-level lending
// metrics. Storage rows enter as fixed-point decimals and are converted to
// float64 at this boundary; everything downstream is floating point.
package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/models"
)

// Column fields available on the aligned panel.
const (
	FieldSpot                = "spot"
	FieldFuturesMark         = "futures_mark"
	FieldFunding             = "funding"
	FieldLiquidityIndex      = "liquidity_index"
	FieldVariableBorrowIndex = "variable_borrow_index"
	FieldSupplyRate          = "supply_rate"
	FieldVariableBorrowRate  = "variable_borrow_rate"
	FieldStableBorrowRate    = "stable_borrow_rate"
)

// Column identifies one series on the aligned panel.
type Column struct {
	Asset string
	Field string
}

func (c Column) String() string {
	return c.Asset + "_" + c.Field
}

// AlignedPanel is the daily grid the analytics consume. Every present column
// has a value for every day.
type AlignedPanel struct {
	Days    []time.Time
	Columns map[Column][]float64
}

// Has reports whether the column is present.
func (p *AlignedPanel) Has(col Column) bool {
	_, ok := p.Columns[col]
	return ok
}

// Series returns the column values; nil when absent.
func (p *AlignedPanel) Series(col Column) []float64 {
	return p.Columns[col]
}

// Latest returns the most recent value of the column.
func (p *AlignedPanel) Latest(col Column) (float64, bool) {
	series, ok := p.Columns[col]
	if !ok || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// At returns the column value on day index i.
func (p *AlignedPanel) At(col Column, i int) (float64, bool) {
	series, ok := p.Columns[col]
	if !ok || i < 0 || i >= len(series) {
		return 0, false
	}
	return series[i], true
}

// Len returns the number of days on the panel.
func (p *AlignedPanel) Len() int {
	return len(p.Days)
}

// Store is the storage surface the alignment layer reads from.
type Store interface {
	GetSpotCandles(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.SpotCandle, error)
	GetFundingRates(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.FundingRate, error)
	GetFuturesKlines(ctx context.Context, asset, metric string, start, end time.Time, limit int) ([]models.FuturesKline, error)
	GetLendingSnapshots(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.LendingSnapshot, error)
	GetOpenInterest(ctx context.Context, asset string, start, end time.Time, limit int) ([]models.OpenInterestPoint, error)
}

// assetSeries carries one asset's raw history between fetch and resample.
type assetSeries struct {
	spot    []models.SpotCandle
	mark    []models.FuturesKline
	funding []models.FundingRate
	lending []models.LendingSnapshot
}

// Aligner builds aligned panels from storage.
type Aligner struct {
	store Store
	log   zerolog.Logger
}

func NewAligner(store Store, log zerolog.Logger) *Aligner {
	return &Aligner{store: store, log: log.With().Str("component", "aligner").Logger()}
}

// BuildPanel fetches each asset's histories concurrently, resamples them to
// daily cadence, aligns them on the union timeline with the per-column fill
// policy, and reports per-column warnings plus the actual days available.
// A failed read degrades that asset (columns absent) instead of failing.
func (a *Aligner) BuildPanel(ctx context.Context, assets []string, lookbackDays int) (*AlignedPanel, []string, int, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -lookbackDays)

	series := make(map[string]*assetSeries, len(assets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, asset := range assets {
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			s := a.fetchAsset(ctx, asset, start, end)
			mu.Lock()
			series[asset] = s
			mu.Unlock()
		}(asset)
	}
	wg.Wait()

	actualDays := lookbackDays
	for _, asset := range assets {
		s := series[asset]
		if len(s.spot) > 0 {
			span := int(s.spot[len(s.spot)-1].Timestamp.Sub(s.spot[0].Timestamp).Hours() / 24)
			if span < actualDays {
				actualDays = span
			}
		}
	}

	panel, warnings, err := alignDaily(assets, series)
	if err != nil {
		return nil, nil, 0, err
	}

	a.log.Debug().Int("days", panel.Len()).Int("columns", len(panel.Columns)).
		Int("actual_days", actualDays).Msg("panel built")
	return panel, warnings, actualDays, nil
}

func (a *Aligner) fetchAsset(ctx context.Context, asset string, start, end time.Time) *assetSeries {
	s := &assetSeries{}

	var err error
	if s.spot, err = a.store.GetSpotCandles(ctx, asset, start, end, 0); err != nil {
		a.log.Warn().Err(err).Str("asset", asset).Msg("spot read failed, degrading asset")
	}
	if s.mark, err = a.store.GetFuturesKlines(ctx, asset, models.MetricMarkKlines, start, end, 0); err != nil {
		a.log.Warn().Err(err).Str("asset", asset).Msg("mark kline read failed, degrading asset")
	}
	if s.funding, err = a.store.GetFundingRates(ctx, asset, start, end, 0); err != nil {
		a.log.Warn().Err(err).Str("asset", asset).Msg("funding read failed, degrading asset")
	}
	if s.lending, err = a.store.GetLendingSnapshots(ctx, asset, start, end, 0); err != nil {
		a.log.Warn().Err(err).Str("asset", asset).Msg("lending read failed, degrading asset")
	}
	return s
}

// dailyColumn is one resampled series before alignment.
type dailyColumn struct {
	col    Column
	values map[int64]float64 // unix day -> value
	policy fillPolicy
}

type fillPolicy int

const (
	// fillPrice forward-fills, then backward-fills leading gaps, warning on
	// both.
	fillPrice fillPolicy = iota
	// fillRate forward-fills, then zero-fills whatever remains (neutral).
	fillRate
)

const dayDuration = 24 * time.Hour

func dayKey(ts time.Time) int64 {
	return ts.UTC().Truncate(dayDuration).Unix()
}

// alignDaily resamples per-asset histories to daily cadence and stitches
// them onto the union timeline.
func alignDaily(assets []string, series map[string]*assetSeries) (*AlignedPanel, []string, error) {
	var columns []dailyColumn

	for _, asset := range assets {
		s := series[asset]
		if s == nil {
			continue
		}
		columns = append(columns, resampleAsset(asset, s)...)
	}

	daySet := make(map[int64]bool)
	for _, c := range columns {
		for day := range c.values {
			daySet[day] = true
		}
	}
	if len(daySet) == 0 {
		return nil, nil, fmt.Errorf("no data available for any asset")
	}

	// Continuous daily grid spanning the union of observed days.
	var minDay, maxDay int64
	first := true
	for day := range daySet {
		if first || day < minDay {
			minDay = day
		}
		if first || day > maxDay {
			maxDay = day
		}
		first = false
	}

	var days []time.Time
	for d := minDay; d <= maxDay; d += int64(dayDuration / time.Second) {
		days = append(days, time.Unix(d, 0).UTC())
	}

	panel := &AlignedPanel{Days: days, Columns: make(map[Column][]float64, len(columns))}
	var warnings []string

	for _, c := range columns {
		filled, warning := fillSeries(days, c)
		panel.Columns[c.col] = filled
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	return panel, warnings, nil
}

// resampleAsset reduces one asset's native-cadence rows to daily values:
// last close of day for prices and indices, mean of day for funding.
func resampleAsset(asset string, s *assetSeries) []dailyColumn {
	var cols []dailyColumn

	if len(s.spot) > 0 {
		values := make(map[int64]float64)
		for _, c := range s.spot {
			v, _ := c.Close.Float64()
			values[dayKey(c.Timestamp)] = v // rows are ascending; last of day wins
		}
		cols = append(cols, dailyColumn{Column{asset, FieldSpot}, values, fillPrice})
	}

	if len(s.mark) > 0 {
		values := make(map[int64]float64)
		for _, k := range s.mark {
			v, _ := k.Close.Float64()
			values[dayKey(k.Timestamp)] = v
		}
		cols = append(cols, dailyColumn{Column{asset, FieldFuturesMark}, values, fillPrice})
	}

	if len(s.funding) > 0 {
		sums := make(map[int64]float64)
		counts := make(map[int64]int)
		for _, f := range s.funding {
			v, _ := f.FundingRate.Float64()
			key := dayKey(f.Timestamp)
			sums[key] += v
			counts[key]++
		}
		values := make(map[int64]float64, len(sums))
		for key, sum := range sums {
			values[key] = sum / float64(counts[key])
		}
		cols = append(cols, dailyColumn{Column{asset, FieldFunding}, values, fillRate})
	}

	if len(s.lending) > 0 {
		liquidity := make(map[int64]float64)
		varBorrow := make(map[int64]float64)
		supplyRate := make(map[int64]float64)
		varRate := make(map[int64]float64)
		stableRate := make(map[int64]float64)
		for _, snap := range s.lending {
			key := dayKey(snap.Timestamp)
			liquidity[key], _ = snap.LiquidityIndex.Float64()
			varBorrow[key], _ = snap.VariableBorrowIndex.Float64()
			supplyRate[key], _ = snap.SupplyRateRay.Float64()
			varRate[key], _ = snap.VarBorrowRateRay.Float64()
			stableRate[key], _ = snap.StableBorrowRateRay.Float64()
		}
		cols = append(cols,
			dailyColumn{Column{asset, FieldLiquidityIndex}, liquidity, fillPrice},
			dailyColumn{Column{asset, FieldVariableBorrowIndex}, varBorrow, fillPrice},
			dailyColumn{Column{asset, FieldSupplyRate}, supplyRate, fillRate},
			dailyColumn{Column{asset, FieldVariableBorrowRate}, varRate, fillRate},
			dailyColumn{Column{asset, FieldStableBorrowRate}, stableRate, fillRate},
		)
	}

	// Drop columns that ended up empty so presence stays meaningful.
	out := cols[:0]
	for _, c := range cols {
		if len(c.values) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// fillSeries projects a daily column onto the panel timeline applying its
// fill policy and produces the per-column warning when days were missing.
func fillSeries(days []time.Time, c dailyColumn) ([]float64, string) {
	filled := make([]float64, len(days))
	present := make([]bool, len(days))

	for i, day := range days {
		if v, ok := c.values[day.Unix()]; ok {
			filled[i] = v
			present[i] = true
		}
	}

	missing := 0
	haveValue := false
	var last float64
	for i := range filled {
		if present[i] {
			haveValue = true
			last = filled[i]
			continue
		}
		missing++
		if haveValue {
			filled[i] = last
			present[i] = true
		}
	}

	leading := 0
	for i := range filled {
		if present[i] {
			break
		}
		leading++
	}

	warning := ""
	switch c.policy {
	case fillPrice:
		if leading > 0 {
			warning = fmt.Sprintf("%s: %d missing values at the beginning (no forward-fill source)", c.col, leading)
			// Backward-fill the leading gap from the first real value.
			var firstVal float64
			for i := range filled {
				if present[i] {
					firstVal = filled[i]
					break
				}
			}
			for i := 0; i < leading; i++ {
				filled[i] = firstVal
			}
		} else if missing > 0 {
			warning = fmt.Sprintf("%s: %d missing values forward-filled", c.col, missing)
		}
	case fillRate:
		for i := 0; i < leading; i++ {
			filled[i] = 0
		}
		if missing > 0 {
			warning = fmt.Sprintf("%s: %d missing values filled with 0", c.col, missing)
		}
	}

	return filled, warning
}

