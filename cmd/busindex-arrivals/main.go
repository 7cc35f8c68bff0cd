package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"busindex/internal/arrivals"
	"busindex/internal/config"
	"busindex/internal/metrics"
)

// Output goes to stdout for the calling app to read; errors are printed
// there too, as {"error": "..."}, with exit status 1.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ArrivalsStopID == "" {
		fail(fmt.Errorf("BUSINDEX_ARRIVALS_STOP_ID is not set"))
	}

	var src arrivals.Source
	switch cfg.ArrivalsSource {
	case "gtfsrt":
		src = arrivals.NewGTFSRTSource(cfg.ArrivalsURL, logger)
	default:
		src = arrivals.NewClient(cfg.ArrivalsURL, cfg.ArrivalsAPIKey, logger)
	}

	m := metrics.NewCollector()
	resp, err := src.ArrivalsForStop(ctx, cfg.ArrivalsStopID)
	if err != nil {
		m.ObserveArrivals(0, err)
	} else {
		m.ObserveArrivals(len(resp.Arrivals), nil)
	}
	if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
		logger.Warn("failed to write metrics", "path", cfg.MetricsTextfile, "error", werr)
	}
	if err != nil {
		stop()
		fail(err)
	}

	if cfg.ArrivalsOutput != "" {
		data, err := json.MarshalIndent(resp, "", "    ")
		if err == nil {
			err = os.WriteFile(cfg.ArrivalsOutput, append(data, '\n'), 0644)
		}
		if err != nil {
			logger.Warn("failed to write arrivals file", "path", cfg.ArrivalsOutput, "error", err)
		}
	}

	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		stop()
		fail(err)
	}
}

func fail(err error) {
	json.NewEncoder(os.Stdout).Encode(map[string]string{
		"error": fmt.Sprintf("An error occurred: %v", err),
	})
	os.Exit(1)
}
