package api

import (
	"net/http"
	"time"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":                "crypto-portfolio-risk-service",
		"status":                 "running",
		"tracked_spot_assets":    s.cfg.TrackedAssets,
		"tracked_futures_assets": s.cfg.TrackedFuturesAssets,
		"tracked_lending_assets": s.cfg.TrackedLendingAssets,
		"api":                    "/api/v1",
	})
}

// handleHealth always answers 200; status flips to "degraded" when the
// database ping fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	database := "connected"
	if err := s.repo.Ping(r.Context()); err != nil {
		status = "degraded"
		database = "unavailable"
		s.log.Warn().Err(err).Msg("health check database ping failed")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"database":  database,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	coverages := make([]models.AssetCoverage, 0, len(s.cfg.TrackedAssets))
	for _, asset := range s.cfg.TrackedAssets {
		cov, err := s.repo.GetCoverage(r.Context(), asset, models.MetricSpotOHLCV)
		if err != nil {
			s.writeError(w, apperr.Storagef("coverage for %s: %v", asset, err))
			return
		}
		coverages = append(coverages, cov)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": coverages})
}

func (s *Server) handleGetOHLCV(w http.ResponseWriter, r *http.Request) {
	asset := pathAsset(r)
	if !s.cfg.IsTrackedAsset(asset) {
		s.writeError(w, apperr.NotFoundf("asset %s is not tracked", asset))
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseLimit(r, 1000, 10000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	candles, err := s.repo.GetSpotCandles(r.Context(), asset, start, end, limit)
	if err != nil {
		s.writeError(w, apperr.Storagef("read candles: %v", err))
		return
	}

	if r.URL.Query().Get("fill") == "true" {
		candles = fillCandleGrid(candles)
	}
	if candles == nil {
		candles = []models.SpotCandle{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset":    asset,
		"interval": "12h",
		"data":     candles,
		"count":    len(candles),
	})
}

// fillCandleGrid forward-fills missing 12h grid candles in the response
// only; filled candles carry the previous close and zero volume.
func fillCandleGrid(candles []models.SpotCandle) []models.SpotCandle {
	if len(candles) < 2 {
		return candles
	}

	const step = 12 * time.Hour
	out := make([]models.SpotCandle, 0, len(candles))
	out = append(out, candles[0])

	for i := 1; i < len(candles); i++ {
		prev := out[len(out)-1]
		for next := prev.Timestamp.Add(step); next.Before(candles[i].Timestamp); next = next.Add(step) {
			filled := models.SpotCandle{
				Asset:     prev.Asset,
				Timestamp: next,
				Open:      prev.Close,
				High:      prev.Close,
				Low:       prev.Close,
				Close:     prev.Close,
				Filled:    true,
			}
			out = append(out, filled)
		}
		out = append(out, candles[i])
	}
	return out
}

func (s *Server) handleGetFundingRates(w http.ResponseWriter, r *http.Request) {
	asset := pathAsset(r)
	if !s.cfg.IsTrackedFuturesAsset(asset) {
		s.writeError(w, apperr.NotFoundf("futures asset %s is not tracked", asset))
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseLimit(r, 1000, 10000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rates, err := s.repo.GetFundingRates(r.Context(), asset, start, end, limit)
	if err != nil {
		s.writeError(w, apperr.Storagef("read funding rates: %v", err))
		return
	}
	if len(rates) == 0 {
		s.writeError(w, apperr.NotFoundf("no funding rate data for %s", asset))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset": asset,
		"data":  rates,
		"count": len(rates),
	})
}

func (s *Server) handleGetMarkPrice(w http.ResponseWriter, r *http.Request) {
	s.handleFuturesKlines(w, r, models.MetricMarkKlines)
}

func (s *Server) handleGetIndexPrice(w http.ResponseWriter, r *http.Request) {
	s.handleFuturesKlines(w, r, models.MetricIndexKlines)
}

func (s *Server) handleFuturesKlines(w http.ResponseWriter, r *http.Request, metric string) {
	asset := pathAsset(r)
	if !s.cfg.IsTrackedFuturesAsset(asset) {
		s.writeError(w, apperr.NotFoundf("futures asset %s is not tracked", asset))
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseLimit(r, 1000, 10000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	klines, err := s.repo.GetFuturesKlines(r.Context(), asset, metric, start, end, limit)
	if err != nil {
		s.writeError(w, apperr.Storagef("read klines: %v", err))
		return
	}
	if len(klines) == 0 {
		s.writeError(w, apperr.NotFoundf("no kline data for %s", asset))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset":    asset,
		"interval": s.cfg.FuturesKlinesInterval,
		"data":     klines,
		"count":    len(klines),
	})
}

func (s *Server) handleGetOpenInterest(w http.ResponseWriter, r *http.Request) {
	asset := pathAsset(r)
	if !s.cfg.IsTrackedFuturesAsset(asset) {
		s.writeError(w, apperr.NotFoundf("futures asset %s is not tracked", asset))
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseLimit(r, 1000, 10000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	points, err := s.repo.GetOpenInterest(r.Context(), asset, start, end, limit)
	if err != nil {
		s.writeError(w, apperr.Storagef("read open interest: %v", err))
		return
	}
	if len(points) == 0 {
		s.writeError(w, apperr.NotFoundf("no open interest data for %s", asset))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset":  asset,
		"period": s.cfg.FuturesOIPeriod,
		"data":   points,
		"count":  len(points),
	})
}

// lendingRow is the wire shape for one snapshot: RAY fields as decimal
// strings plus derived APY percentages.
type lendingRow struct {
	Timestamp              time.Time `json:"timestamp"`
	ReserveAddress         string    `json:"reserve_address"`
	SupplyRateRay          string    `json:"supply_rate_ray"`
	VariableBorrowRateRay  string    `json:"variable_borrow_rate_ray"`
	StableBorrowRateRay    string    `json:"stable_borrow_rate_ray"`
	LiquidityIndex         string    `json:"liquidity_index"`
	VariableBorrowIndex    string    `json:"variable_borrow_index"`
	SupplyAPYPct           float64   `json:"supply_apy_pct"`
	VariableBorrowAPYPct   float64   `json:"variable_borrow_apy_pct"`
	StableBorrowAPYPct     float64   `json:"stable_borrow_apy_pct"`
}

func (s *Server) handleGetLending(w http.ResponseWriter, r *http.Request) {
	requested := pathAsset(r)
	asset, ok := s.cfg.ResolveLendingAsset(requested)
	if !ok {
		s.writeError(w, apperr.NotFoundf("lending asset %s is not tracked", requested))
		return
	}

	start, end, err := parseTimeRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseLimit(r, 500, 1000)
	if err != nil {
		s.writeError(w, err)
		return
	}

	snaps, err := s.repo.GetLendingSnapshots(r.Context(), asset, start, end, limit)
	if err != nil {
		s.writeError(w, apperr.Storagef("read lending snapshots: %v", err))
		return
	}

	rows := make([]lendingRow, len(snaps))
	for i, snap := range snaps {
		rows[i] = lendingRow{
			Timestamp:             snap.Timestamp,
			ReserveAddress:        snap.ReserveAddress,
			SupplyRateRay:         snap.SupplyRateRay.String(),
			VariableBorrowRateRay: snap.VarBorrowRateRay.String(),
			StableBorrowRateRay:   snap.StableBorrowRateRay.String(),
			LiquidityIndex:        snap.LiquidityIndex.String(),
			VariableBorrowIndex:   snap.VariableBorrowIndex.String(),
			SupplyAPYPct:          models.RayToAPY(snap.SupplyRateRay),
			VariableBorrowAPYPct:  models.RayToAPY(snap.VarBorrowRateRay),
			StableBorrowAPYPct:    models.RayToAPY(snap.StableBorrowRateRay),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset": asset,
		"data":  rows,
		"count": len(rows),
	})
}
