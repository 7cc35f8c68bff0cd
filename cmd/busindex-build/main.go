package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"busindex/internal/config"
	"busindex/internal/index"
	"busindex/internal/metrics"
	"busindex/internal/notify"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("index build failed", "error", err)
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

	if last, err := db.LastSuccessfulRun(ctx); err != nil {
		logger.Warn("could not read build history", "error", err)
	} else if last != nil {
		logger.Info("previous build",
			"build_id", last.ID,
			"finished_at", last.FinishedAt,
			"trips", last.Counts.Trips,
			"stops", last.Counts.Stops,
		)
	}

	m := metrics.NewCollector()
	defer func() {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.MetricsTextfile, "error", err)
		}
	}()

	runner := &index.Runner{
		Store: store,
		Builder: index.NewBuilder(store, index.Options{
			Prefix:           cfg.Prefix,
			ShardPrefixLen:   cfg.ShardPrefixLen,
			ProgressEvery:    cfg.ProgressEvery,
			ConcurrentPasses: cfg.ConcurrentPasses,
			ScratchDir:       cfg.ScratchDir,
		}, logger),
		Publisher: index.NewPublisher(store, cfg.Prefix, cfg.WriteTimeout, cfg.WriteRetries, logger),
		Prefix:    cfg.Prefix,
		LeaseTTL:  cfg.LeaseTTL,
		Ledger:    db,
		Recorder:  m,
		Logger:    logger,
	}

	// NATS is optional
	if cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATSURL, cfg.NATSSubject, cfg.Prefix, logger)
		if err != nil {
			logger.Warn("build notifications disabled", "error", err)
		} else {
			defer n.Close()
			runner.Notifier = n
		}
	}

	manifest, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("index build published",
		"build_id", manifest.BuildID,
		"trips", manifest.Trips,
		"stops", manifest.Stops,
		"fingerprint", manifest.Fingerprint,
	)
	return nil
}
