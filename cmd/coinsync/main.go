package main

import (
	"context"
	"net/http"
	"time"

	"coinsync/config"
	"coinsync/internal/etl"
	"coinsync/internal/feed"
	"coinsync/internal/registry"
	"coinsync/internal/server"
	"coinsync/internal/source"
	"coinsync/logger"
	"coinsync/pkg/storage/postgres"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// Postgres client, database creation and migration
	store, err := postgres.Initialize(cfg.Postgres, cfg.Environment, true)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Runs left "running" by a crashed process are finalized as failed
	// before any new run is admitted.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if reconciled, err := store.ReconcileStaleRuns(ctx); err != nil {
		log.Fatal("failed to reconcile stale runs", zap.Error(err))
	} else if reconciled > 0 {
		log.Warn("reconciled stale runs from previous process", zap.Int64("count", reconciled))
	}
	cancel()

	// Source adapters
	coinGecko := source.NewCoinGecko(cfg.Sources.CoinGecko, cfg.Sources.TopAssets)
	coinPaprika := source.NewCoinPaprika(cfg.Sources.CoinPaprika, cfg.Environment, cfg.Sources.TopAssets)
	csvFeed := source.NewCSVFeed(cfg.Sources.FeedFile)

	// Registry bootstrap must complete before any ETL run is permitted.
	reg := registry.New(store, log)
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := reg.Bootstrap(bootCtx, coinGecko, coinPaprika); err != nil {
		log.Fatal("registry bootstrap failed", zap.Error(err))
	}
	cancelBoot()

	// ETL runner and scheduler
	normalizer := etl.NewNormalizer(reg, log)
	alerter := etl.NewAlerter(cfg.Alert, log)
	runner := etl.NewRunner(store, normalizer, []source.Source{coinGecko, coinPaprika, csvFeed}, alerter, log)

	feedWriter := feed.NewWriter(cfg.Sources, log)
	scheduler := etl.NewScheduler(cfg.Scheduler, runner, feedWriter, log)
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP trigger and query surface
	srv := server.New(runner, store, reg, log)
	log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
	if err := http.ListenAndServe(cfg.Server.Addr, srv.Router()); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}
