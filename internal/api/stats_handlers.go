package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/analysis"
	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

const (
	maxStatsRange      = 90 * 24 * time.Hour
	maxMultiStatAssets = 10
)

// assetStats groups the per-type blocks for one asset. Absent or
// insufficient data leaves a block null, never errors.
type assetStats struct {
	Asset   string                 `json:"asset"`
	Start   time.Time              `json:"start"`
	End     time.Time              `json:"end"`
	Spot    *analysis.SpotStats    `json:"spot"`
	Futures *analysis.FuturesStats `json:"futures"`
	Lending *analysis.LendingStats `json:"lending"`
}

// parseStatsWindow validates the aggregated-stats time window: both bounds
// required implicitly via defaults, end ≥ start, span ≤ 90 days.
func parseStatsWindow(r *http.Request) (start, end time.Time, err error) {
	start, end, err = parseTimeRange(r)
	if err != nil {
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-30 * 24 * time.Hour)
	}
	if end.Before(start) {
		return start, end, apperr.Validationf("end must not be before start")
	}
	if end.Sub(start) > maxStatsRange {
		return start, end, apperr.Validationf("time range must not exceed 90 days")
	}
	return start, end, nil
}

// parseDataTypes reads the data_types filter; empty means all three.
func parseDataTypes(r *http.Request) (map[string]bool, error) {
	raw := r.URL.Query().Get("data_types")
	if raw == "" {
		return map[string]bool{"spot": true, "futures": true, "lending": true}, nil
	}

	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		switch t {
		case "spot", "futures", "lending":
			types[t] = true
		case "":
		default:
			return nil, apperr.Validationf("invalid data type %q (want spot, futures, lending)", t)
		}
	}
	if len(types) == 0 {
		return nil, apperr.Validationf("data_types must name at least one of spot, futures, lending")
	}
	return types, nil
}

// buildAssetStats composes storage reads with the stats engine for one asset.
func (s *Server) buildAssetStats(r *http.Request, asset string, start, end time.Time, types map[string]bool) (assetStats, error) {
	ctx := r.Context()
	stats := assetStats{Asset: asset, Start: start, End: end}

	var spotCandles []models.SpotCandle
	if types["spot"] || types["futures"] {
		var err error
		spotCandles, err = s.repo.GetSpotCandles(ctx, asset, start, end, 0)
		if err != nil {
			return stats, apperr.Storagef("read candles: %v", err)
		}
	}

	if types["spot"] {
		stats.Spot = analysis.CalcSpotStats(spotCandles, s.cfg.RiskFreeRate)
	}

	if types["futures"] && s.cfg.IsTrackedFuturesAsset(asset) {
		funding, err := s.repo.GetFundingRates(ctx, asset, start, end, 0)
		if err != nil {
			return stats, apperr.Storagef("read funding rates: %v", err)
		}
		mark, err := s.repo.GetFuturesKlines(ctx, asset, models.MetricMarkKlines, start, end, 0)
		if err != nil {
			return stats, apperr.Storagef("read mark klines: %v", err)
		}
		oi, err := s.repo.GetOpenInterest(ctx, asset, start, end, 0)
		if err != nil {
			return stats, apperr.Storagef("read open interest: %v", err)
		}

		var spotPrice *float64
		if len(spotCandles) > 0 {
			p, _ := spotCandles[len(spotCandles)-1].Close.Float64()
			spotPrice = &p
		}
		stats.Futures = analysis.CalcFuturesStats(funding, mark, oi, spotPrice)
	}

	if types["lending"] {
		if reserve, ok := s.cfg.ResolveLendingAsset(asset); ok {
			snaps, err := s.repo.GetLendingSnapshots(ctx, reserve, start, end, 0)
			if err != nil {
				return stats, apperr.Storagef("read lending snapshots: %v", err)
			}
			stats.Lending = analysis.CalcLendingStats(snaps)
		}
	}

	return stats, nil
}

func (s *Server) handleSingleAssetStats(w http.ResponseWriter, r *http.Request) {
	asset := pathAsset(r)
	if !s.cfg.IsTrackedAsset(asset) {
		if _, ok := s.cfg.ResolveLendingAsset(asset); !ok {
			s.writeError(w, apperr.NotFoundf("asset %s is not tracked", asset))
			return
		}
	}

	start, end, err := parseStatsWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	types, err := parseDataTypes(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	stats, err := s.buildAssetStats(r, asset, start, end, types)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMultiAssetStats(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("assets")
	if raw == "" {
		s.writeError(w, apperr.Validationf("assets query parameter is required"))
		return
	}

	var assets []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		s.writeError(w, apperr.Validationf("assets query parameter is required"))
		return
	}
	if len(assets) > maxMultiStatAssets {
		s.writeError(w, apperr.Validationf("maximum %d assets allowed", maxMultiStatAssets))
		return
	}
	for _, asset := range assets {
		if !s.cfg.IsTrackedAsset(asset) {
			if _, ok := s.cfg.ResolveLendingAsset(asset); !ok {
				s.writeError(w, apperr.NotFoundf("asset %s is not tracked", asset))
				return
			}
		}
	}

	start, end, err := parseStatsWindow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	types, err := parseDataTypes(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	perAsset := make(map[string]assetStats, len(assets))
	spotSeries := make(map[string][]models.SpotCandle)
	for _, asset := range assets {
		stats, err := s.buildAssetStats(r, asset, start, end, types)
		if err != nil {
			s.writeError(w, err)
			return
		}
		perAsset[asset] = stats

		if stats.Spot != nil {
			candles, err := s.repo.GetSpotCandles(r.Context(), asset, start, end, 0)
			if err == nil {
				spotSeries[asset] = candles
			}
		}
	}

	// Correlation only when at least two assets produced spot series.
	var correlations map[string]map[string]float64
	if len(spotSeries) >= 2 {
		correlations = analysis.CrossAssetCorrelations(spotSeries)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assets":       perAsset,
		"start":        start,
		"end":          end,
		"correlations": correlations,
	})
}
