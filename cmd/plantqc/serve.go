package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"codeberg.org/mutker/plantqc/internal/api"
	"codeberg.org/mutker/plantqc/internal/audit"
	"codeberg.org/mutker/plantqc/internal/baseline"
	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/detect"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/oracle"
	"codeberg.org/mutker/plantqc/internal/plant"
	"codeberg.org/mutker/plantqc/internal/safety"
	"codeberg.org/mutker/plantqc/internal/sample"
	"codeberg.org/mutker/plantqc/internal/workflow"
)

const shutdownGrace = 5 * time.Second

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(false, false, logger.IsService())
		logger.ErrorWithCode(err).Msg("Failed to load config")
		return err
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")

	catalog := safety.DefaultCatalog()
	if cfg.KnobCatalog != "" {
		catalog, err = safety.LoadCatalog(cfg.KnobCatalog)
		if err != nil {
			logger.ErrorWithCode(err).Str("path", cfg.KnobCatalog).Msg("Failed to load knob catalog")
			return err
		}
	}

	tickInterval := time.Duration(cfg.Interval * float64(time.Second))
	model := plant.Model{LSFMin: cfg.Targets.LSFMin, LSFMax: cfg.Targets.LSFMax}
	knobs := plant.Knobs{
		LimestonePct:   cfg.Knobs.LimestonePct,
		SandPct:        cfg.Knobs.SandPct,
		ClayPct:        cfg.Knobs.ClayPct,
		SeparatorSpeed: cfg.Knobs.SeparatorSpeed,
		GypsumPct:      cfg.Knobs.GypsumPct,
	}
	sim := plant.NewSim(model, knobs, tickInterval, cfg.Seed)

	historyLen := int(float64(cfg.RetentionSeconds) / cfg.Interval)
	tracker := baseline.NewTracker(historyLen, cfg.Detector.MinSamples, cfg.Detector.TrendWindow)

	detector := detect.NewDetector(detect.Config{
		Bands: map[string]detect.Band{
			sample.LSFEst:    {Min: cfg.Targets.LSFMin, Max: cfg.Targets.LSFMax},
			sample.BlaineEst: {Min: cfg.Targets.BlaineMin, Max: cfg.Targets.BlaineMax},
			sample.FCaOEst:   {Min: 0, Max: cfg.Targets.FCaOMax},
		},
		ZThreshold:     cfg.Detector.ZThreshold,
		MinSamples:     cfg.Detector.MinSamples,
		TrendSustain:   cfg.Detector.TrendSustain,
		SlopeThreshold: cfg.Detector.SlopeThreshold,
		ResolveStreak:  cfg.Detector.ResolveStreak,
		Cooldown:       time.Duration(cfg.Detector.CooldownSeconds) * time.Second,
	})

	planner, err := oracle.NewValidator(
		oracle.NewRulePlanner(),
		cfg.Oracle.Retries,
		time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		logger.ErrorWithCode(err).Msg("Failed to initialize plan oracle")
		return err
	}

	store, err := audit.NewStore(audit.Config{
		Enabled:   cfg.Audit,
		DBPath:    cfg.Database,
		Retention: cfg.RetentionSeconds,
	})
	if err != nil {
		logger.ErrorWithCode(err).Msg("Failed to open audit store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close audit store")
		}
	}()

	orch := workflow.New(cfg, sim, tracker, detector, planner, catalog, store)
	server := api.NewServer(cfg, orch, catalog, store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return streamLoop(ctx, cfg, sim, orch)
	})

	g.Go(func() error {
		return server.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().
		Float64("interval_s", cfg.Interval).
		Bool("audit", cfg.Audit).
		Msg("Stream loop started")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Daemon exited with error")
		return err
	}
	logger.Info().Msg("Shutdown complete")

	return nil
}

// streamLoop advances the plant one tick per interval and feeds each
// fresh sample through the orchestrator.
func streamLoop(ctx context.Context, cfg *config.Config, sim *plant.Sim, orch *workflow.Orchestrator) error {
	ticker := time.NewTicker(time.Duration(cfg.Interval * float64(time.Second)))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := sim.Tick()
			orch.OnTick(ctx, s)
		}
	}
}
