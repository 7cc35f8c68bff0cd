package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a developer's .env out of the test
	t.Setenv("BUSINDEX_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != "fs" {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, "fs")
	}
	if cfg.Prefix != "gtfs_latest/json" {
		t.Errorf("Prefix = %q, want %q", cfg.Prefix, "gtfs_latest/json")
	}
	if cfg.ShardPrefixLen != 3 {
		t.Errorf("ShardPrefixLen = %d, want 3", cfg.ShardPrefixLen)
	}
	if cfg.WriteTimeout != 30*time.Second {
		t.Errorf("WriteTimeout = %v, want 30s", cfg.WriteTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUSINDEX_STORE_DRIVER", "pebble")
	t.Setenv("BUSINDEX_PREFIX", "/feeds/oahu/")
	t.Setenv("BUSINDEX_SHARD_PREFIX_LEN", "2")
	t.Setenv("BUSINDEX_CONCURRENT_PASSES", "true")
	t.Setenv("BUSINDEX_LEASE_TTL", "15m")
	t.Setenv("BUSINDEX_PROGRESS_EVERY", "not-a-number") // falls back

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreDriver != "pebble" {
		t.Errorf("StoreDriver = %q, want pebble", cfg.StoreDriver)
	}
	if cfg.Prefix != "feeds/oahu" {
		t.Errorf("Prefix = %q, want trimmed %q", cfg.Prefix, "feeds/oahu")
	}
	if cfg.ShardPrefixLen != 2 {
		t.Errorf("ShardPrefixLen = %d, want 2", cfg.ShardPrefixLen)
	}
	if !cfg.ConcurrentPasses {
		t.Error("ConcurrentPasses should be true")
	}
	if cfg.LeaseTTL != 15*time.Minute {
		t.Errorf("LeaseTTL = %v, want 15m", cfg.LeaseTTL)
	}
	if cfg.ProgressEvery != 500000 {
		t.Errorf("ProgressEvery = %d, want fallback 500000", cfg.ProgressEvery)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "busindex.yml")
	yml := "store_root: /srv/bucket\nprefix: latest\nwrite_timeout: 5s\narrivals_stop_id: \"47\"\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUSINDEX_CONFIG", path)
	t.Setenv("BUSINDEX_STORE_ROOT", "/from/env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreRoot != "/srv/bucket" {
		t.Errorf("StoreRoot = %q, YAML should win over env", cfg.StoreRoot)
	}
	if cfg.Prefix != "latest" {
		t.Errorf("Prefix = %q, want latest", cfg.Prefix)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.WriteTimeout)
	}
	if cfg.ArrivalsStopID != "47" {
		t.Errorf("ArrivalsStopID = %q, want 47", cfg.ArrivalsStopID)
	}
	// Fields absent from the file keep their env/default values.
	if cfg.StoreDriver != "fs" {
		t.Errorf("StoreDriver = %q, want fs", cfg.StoreDriver)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown driver", "BUSINDEX_STORE_DRIVER", "s3"},
		{"shard length zero", "BUSINDEX_SHARD_PREFIX_LEN", "0"},
		{"bad log level", "BUSINDEX_LOG_LEVEL", "verbose"},
		{"bad arrivals source", "BUSINDEX_ARRIVALS_SOURCE", "scraper"},
		{"feed url not a url", "BUSINDEX_FEED_URL", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUSINDEX_CONFIG", "/nonexistent/busindex.yml")
	if _, err := Load(); err == nil {
		t.Error("Load() should fail when BUSINDEX_CONFIG points nowhere")
	}
}
