// Package api serves the public HTTP surface: raw series reads, aggregated
// statistics, the portfolio risk profile, and the authenticated manual fetch
// trigger. Handlers validate request shapes, translate the error taxonomy to
// status codes, and delegate all computation to the analysis layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/analysis"
	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/ingest"
	"github.com/cheolwanpark/lowerbound/internal/repository"
)

type Server struct {
	repo       *repository.Repository
	cfg        *config.Config
	risk       *analysis.RiskEngine
	trigger    *ingest.TriggerService
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(repo *repository.Repository, cfg *config.Config, risk *analysis.RiskEngine, trigger *ingest.TriggerService, log zerolog.Logger) *Server {
	s := &Server{
		repo:    repo,
		cfg:     cfg,
		risk:    risk,
		trigger: trigger,
		log:     log.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.timeoutMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.handleListAssets).Methods(http.MethodGet)
	v1.HandleFunc("/ohlcv/{asset}", s.handleGetOHLCV).Methods(http.MethodGet)
	v1.HandleFunc("/futures/funding-rates/{asset}", s.handleGetFundingRates).Methods(http.MethodGet)
	v1.HandleFunc("/futures/mark-price/{asset}", s.handleGetMarkPrice).Methods(http.MethodGet)
	v1.HandleFunc("/futures/index-price/{asset}", s.handleGetIndexPrice).Methods(http.MethodGet)
	v1.HandleFunc("/futures/open-interest/{asset}", s.handleGetOpenInterest).Methods(http.MethodGet)
	v1.HandleFunc("/lending/{asset}", s.handleGetLending).Methods(http.MethodGet)
	// Register /multi before the {asset} route so it never shadows it.
	v1.HandleFunc("/aggregated-stats/multi", s.handleMultiAssetStats).Methods(http.MethodGet)
	v1.HandleFunc("/aggregated-stats/{asset}", s.handleSingleAssetStats).Methods(http.MethodGet)
	v1.HandleFunc("/analysis/risk-profile", s.handleRiskProfile).Methods(http.MethodPost)
	v1.Handle("/fetch/trigger", s.requireAPIKey(http.HandlerFunc(s.handleFetchTrigger))).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds every request by the configured query timeout.
// Cancellation propagates into storage and adapter calls through the request
// context.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIKey guards trigger-style endpoints with the static key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the taxonomy to a status code and emits a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseTimeRange reads optional start/end query params (RFC 3339).
func parseTimeRange(r *http.Request) (start, end time.Time, err error) {
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, apperr.Validationf("invalid start time %q, want RFC 3339", raw)
		}
		start = start.UTC()
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, apperr.Validationf("invalid end time %q, want RFC 3339", raw)
		}
		end = end.UTC()
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, apperr.Validationf("end must not be before start")
	}
	return start, end, nil
}

// parseLimit reads the limit query param, clamped to max.
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validationf("invalid limit %q", raw)
	}
	if n > max {
		return 0, apperr.Validationf("limit %d exceeds maximum of %d", n, max)
	}
	return n, nil
}

func pathAsset(r *http.Request) string {
	return normalizeSymbol(mux.Vars(r)["asset"])
}

func normalizeSymbol(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
