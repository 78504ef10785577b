package main

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/tandem/internal/config"
	"github.com/kalambet/tandem/internal/generator"
	"github.com/kalambet/tandem/internal/metrics"
	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/retry"
	"github.com/kalambet/tandem/internal/storage"
)

// app is the wired batch pipeline shared by `serve` and the local commands.
type app struct {
	store     *storage.Store
	scheduler *pipeline.Scheduler
	worker    *retry.Worker
	metrics   *metrics.Recorder
}

func buildApp(cfg config.Config) (*app, error) {
	if err := cfg.RequireGenerator(); err != nil {
		return nil, err
	}
	loc, err := cfg.Batch.Location()
	if err != nil {
		return nil, err
	}
	strategy, err := pipeline.ParseStrategy(cfg.Batch.Strategy)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	rec := metrics.NewRecorder()
	client := generator.NewClient(
		cfg.Generator.BaseURL,
		cfg.Generator.APIKey,
		generator.NewLimiter(cfg.Generator.RatePerSecond, cfg.Generator.Burst),
	)

	dispatcher := pipeline.NewDispatcher(client, store, pipeline.DispatcherConfig{
		Strategy:       strategy,
		Concurrency:    cfg.Batch.CallsPerRelationship,
		MaxSuggestions: cfg.Batch.MaxSuggestions,
		TimeframeHours: cfg.Batch.TimeframeHours,
		SuggestionTTL:  cfg.Batch.SuggestionTTL,
	})
	dispatcher.SetRecorder(rec)

	sched := pipeline.NewScheduler(pipeline.Deps{
		Ledger:     store,
		Filter:     pipeline.NewEligibilityFilter(store, loc),
		Grouper:    pipeline.NewGrouper(store),
		Dispatcher: dispatcher,
		Jobs:       store,
		Metrics:    rec,
		Logger:     slog.Default(),
	}, pipeline.Config{
		Workers:             cfg.Batch.Workers,
		RelationshipTimeout: cfg.Batch.RelationshipTimeout,
		RunTimeout:          cfg.Batch.RunTimeout,
		ClaimLease:          cfg.Batch.ClaimLease,
		RetryFailed:         cfg.Batch.RetryFailed,
		Location:            loc,
	})

	worker := retry.NewWorker(store, sched, cfg.Batch.RetryPollInterval)
	worker.SetRecorder(rec)

	return &app{store: store, scheduler: sched, worker: worker, metrics: rec}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
