package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

// TriggerService runs manual ranged fetches requested through the API. Jobs
// run in the background; the caller only gets the job id back.
type TriggerService struct {
	cfg     *config.Config
	spot    *SpotIngester
	futures *FuturesIngester
	lending *LendingIngester
	log     zerolog.Logger
}

func NewTriggerService(cfg *config.Config, spot *SpotIngester, futures *FuturesIngester, lending *LendingIngester, log zerolog.Logger) *TriggerService {
	return &TriggerService{
		cfg:     cfg,
		spot:    spot,
		futures: futures,
		lending: lending,
		log:     log.With().Str("component", "fetch_trigger").Logger(),
	}
}

// Trigger starts a background fetch for the requested assets (default: all
// tracked) over [start_date, end_date] (default: trailing MinBackfillDays).
func (t *TriggerService) Trigger(req models.FetchTriggerRequest) models.FetchTriggerResponse {
	jobID := uuid.NewString()

	assets := req.Assets
	if len(assets) == 0 {
		assets = t.cfg.TrackedAssets
	}

	end := time.Now().UTC()
	if req.EndDate != nil {
		end = req.EndDate.UTC()
	}
	start := end.AddDate(0, 0, -t.cfg.MinBackfillDays)
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}

	go t.run(jobID, assets, start, end)

	return models.FetchTriggerResponse{
		JobID:   jobID,
		Message: "fetch job started",
		Assets:  assets,
	}
}

func (t *TriggerService) run(jobID string, assets []string, start, end time.Time) {
	// Detached from the request: a client disconnect must not cancel a fetch
	// that is already writing to storage.
	ctx := context.Background()
	log := t.log.With().Str("job_id", jobID).Logger()
	log.Info().Strs("assets", assets).Time("start", start).Time("end", end).Msg("manual fetch started")

	for _, asset := range assets {
		if t.cfg.IsTrackedAsset(asset) {
			if _, err := t.spot.FetchAndStoreRange(ctx, asset, start, end); err != nil {
				log.Error().Err(err).Str("asset", asset).Msg("manual spot fetch failed")
			}
		}
		if t.cfg.IsTrackedFuturesAsset(asset) {
			t.futures.FetchAllMetrics(ctx, asset, start, end)
		}
	}

	// One lending pull covers every reserve; run it when any requested asset
	// maps to a tracked reserve.
	if t.lending != nil {
		for _, asset := range assets {
			if _, ok := t.cfg.ResolveLendingAsset(asset); ok {
				if _, err := t.lending.FetchAll(ctx); err != nil {
					log.Error().Err(err).Msg("manual lending fetch failed")
				}
				break
			}
		}
	}

	log.Info().Msg("manual fetch finished")
}
