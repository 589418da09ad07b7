package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cheolwanpark/lowerbound/internal/analysis"
	"github.com/cheolwanpark/lowerbound/internal/api"
	"github.com/cheolwanpark/lowerbound/internal/binance"
	"github.com/cheolwanpark/lowerbound/internal/config"
	"github.com/cheolwanpark/lowerbound/internal/dune"
	"github.com/cheolwanpark/lowerbound/internal/ingest"
	"github.com/cheolwanpark/lowerbound/internal/logger"
	"github.com/cheolwanpark/lowerbound/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// .env is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	log.Info().Str("commit", BuildCommit).
		Str("db", redactDatabaseURL(cfg.DatabaseURL)).
		Strs("spot_assets", cfg.TrackedAssets).
		Strs("futures_assets", cfg.TrackedFuturesAssets).
		Strs("lending_assets", cfg.TrackedLendingAssets).
		Msg("starting crypto portfolio risk service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	repo, err := repository.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Info().Msg("database migration skipped (SKIP_MIGRATION=true)")
	} else {
		schemaPath := os.Getenv("SCHEMA_FILE")
		if schemaPath == "" {
			schemaPath = "schema.sql"
		}
		if err := repo.Migrate(ctx, schemaPath); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		log.Info().Msg("database migration complete")
	}

	// Provider adapters
	binanceClient := binance.NewClient(binance.Config{
		SpotBaseURL:       cfg.BinanceAPIBaseURL,
		FuturesBaseURL:    cfg.BinanceFuturesAPIBaseURL,
		RequestsPerMinute: cfg.BinanceRateLimitPerMin,
		RequestDelay:      time.Duration(cfg.BinanceRequestDelayMS) * time.Millisecond,
	}, log)

	var lendingIngester *ingest.LendingIngester
	if cfg.DuneAPIKey != "" {
		duneClient, err := dune.NewClient(dune.Config{
			BaseURL: cfg.DuneAPIBaseURL,
			APIKey:  cfg.DuneAPIKey,
			QueryID: cfg.DuneLendingQueryID,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize dune client, lending ingestion disabled")
		} else {
			lendingIngester = ingest.NewLendingIngester(duneClient, repo, cfg, log)
		}
	} else {
		log.Warn().Msg("DUNE_API_KEY not set, lending ingestion disabled")
	}

	// Ingestion
	spotIngester := ingest.NewSpotIngester(binanceClient, repo, cfg, log)
	futuresIngester := ingest.NewFuturesIngester(binanceClient, repo, cfg, log)

	scheduler := ingest.NewScheduler(cfg, spotIngester, futuresIngester, lendingIngester, log)
	enableIngest := os.Getenv("ENABLE_INGEST") != "false"
	if enableIngest {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start scheduler")
		}
	} else {
		log.Info().Msg("ingestion is disabled (ENABLE_INGEST=false)")
	}

	// Query surface
	riskEngine := analysis.NewRiskEngine(repo, cfg, log)
	triggerService := ingest.NewTriggerService(cfg, spotIngester, futuresIngester, lendingIngester, log)
	apiServer := api.NewServer(repo, cfg, riskEngine, triggerService, log)

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("starting API server")
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// Block until shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	cancel()
	if enableIngest {
		scheduler.Stop()
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		u.RawQuery = ""
		return u.String()
	}

	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
