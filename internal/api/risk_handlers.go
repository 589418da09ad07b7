package api

import (
	"encoding/json"
	"net/http"

	"github.com/cheolwanpark/lowerbound/internal/analysis"
	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

const minLookbackDays = 7

func (s *Server) handleRiskProfile(w http.ResponseWriter, r *http.Request) {
	var req models.RiskProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validationf("invalid request body: %v", err))
		return
	}

	if req.LookbackDays == 0 {
		req.LookbackDays = s.cfg.RiskDefaultLookbackDays
	}
	if req.LookbackDays < minLookbackDays || req.LookbackDays > s.cfg.RiskMaxLookbackDays {
		s.writeError(w, apperr.Validationf(
			"lookback_days must be between %d and %d", minLookbackDays, s.cfg.RiskMaxLookbackDays))
		return
	}

	if err := analysis.ValidatePositions(req.Positions, s.cfg); err != nil {
		s.writeError(w, err)
		return
	}

	profile, err := s.risk.CalculateRiskProfile(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleFetchTrigger(w http.ResponseWriter, r *http.Request) {
	var req models.FetchTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validationf("invalid request body: %v", err))
		return
	}

	for i, asset := range req.Assets {
		req.Assets[i] = normalizeSymbol(asset)
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		s.writeError(w, apperr.Validationf("end_date must not be before start_date"))
		return
	}

	resp := s.trigger.Trigger(req)
	writeJSON(w, http.StatusAccepted, resp)
}
