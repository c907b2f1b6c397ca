package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/propintel/backend/internal/config"
	"github.com/propintel/backend/internal/db"
	httpapi "github.com/propintel/backend/internal/http"
	"github.com/propintel/backend/internal/metrics"
	"github.com/propintel/backend/internal/notify"
	"github.com/propintel/backend/internal/scoring"
	"github.com/propintel/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "alert-pipeline").Logger()

	ctx := context.Background()

	var store db.Store
	if cfg.DatabaseURL == "" {
		store = db.NewMem()
		logger.Info().Msg("using in-memory store")
	} else {
		pg, err := db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer pg.Close()
		store = pg
	}

	var scorer scoring.Scorer
	if cfg.ScorerURL == "" {
		scorer = scoring.MockScorer{ModelVersion: "mock-v1"}
		logger.Info().Msg("using mock scorer")
	} else {
		scorer = scoring.HTTPScorer{BaseURL: cfg.ScorerURL}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	gateway := scoring.NewGateway(store, scorer, scoring.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Bands: scoring.PriorityBands{
			Critical: cfg.BandCritical,
			High:     cfg.BandHigh,
			Medium:   cfg.BandMedium,
		},
		MaxRetries: cfg.ScoringMaxRetries,
	}, logger, m)

	orch := service.NewOrchestrator(store, notify.LogNotifier{Logger: logger}, service.Config{
		RuleCacheTTL:     cfg.RuleCacheTTL,
		WorkloadCacheTTL: cfg.WorkloadCacheTTL,
	}, logger, m)

	sweeper := service.NewSweeper(store, orch, service.SweepConfig{
		StaleAgeDays:          cfg.StaleAgeDays,
		MaxEscalationAttempts: cfg.MaxEscalationAttempts,
	}, logger, m)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ScoreSchedule, func() {
		if _, err := gateway.ScoreBatch(context.Background(), cfg.ScoreBatchBudget); err != nil {
			logger.Error().Err(err).Msg("scheduled batch scoring failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.ScoreSchedule).Msg("invalid score schedule")
	}
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := sweeper.HandleStaleAlerts(context.Background(), 0); err != nil {
			logger.Error().Err(err).Msg("scheduled sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := httpapi.Router(cfg, store, gateway, orch, sweeper, reg, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
