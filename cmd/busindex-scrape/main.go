package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busindex/internal/config"
	"busindex/internal/gtfs"
	"busindex/internal/metrics"
	"busindex/internal/objstore"
	"busindex/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("scrape failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.Open(cfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := objstore.Open(cfg.StoreDriver, cfg.StoreRoot, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.NewCollector()
	downloader := gtfs.NewDownloader(cfg.FeedURL, cfg.WorkDir, logger)
	scraper := gtfs.NewScraper(downloader, db, store, cfg.Prefix, cfg.WorkDir, logger)

	start := time.Now()
	updated, err := scraper.Run(ctx)
	m.ObserveScrape(updated, time.Since(start), err)
	if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
		logger.Warn("failed to write metrics", "path", cfg.MetricsTextfile, "error", werr)
	}
	return err
}
