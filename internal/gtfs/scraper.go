package gtfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"busindex/internal/objstore"
	"busindex/internal/storage"
)

// Metadata keys kept in the state ledger.
const (
	MetaLastModified = "last_modified"
	MetaETag         = "etag"
	MetaImportedAt   = "imported_at"
)

// Scraper runs one check-download-convert-upload cycle of the feed.
type Scraper struct {
	downloader *Downloader
	converter  *Converter
	db         *storage.DB
	store      objstore.Store
	prefix     string
	workDir    string
	logger     *slog.Logger
}

// NewScraper creates a Scraper. Converted JSON is staged under workDir/json
// and uploaded under prefix.
func NewScraper(downloader *Downloader, db *storage.DB, store objstore.Store, prefix, workDir string, logger *slog.Logger) *Scraper {
	return &Scraper{
		downloader: downloader,
		converter:  NewConverter(logger),
		db:         db,
		store:      store,
		prefix:     prefix,
		workDir:    workDir,
		logger:     logger,
	}
}

// Run checks the feed and, if it changed, refreshes the published JSON
// tables. It reports whether anything was uploaded.
func (s *Scraper) Run(ctx context.Context) (bool, error) {
	lastModified, etag, err := s.recorded(ctx)
	if err != nil {
		return false, err
	}

	result, err := s.downloader.Check(ctx, lastModified, etag)
	if err != nil {
		return false, err
	}
	if !result.NeedsUpdate {
		s.logger.Info("GTFS data is up to date", "last_modified", lastModified)
		return false, nil
	}

	start := time.Now()
	zipPath, lastModified, etag, err := s.downloader.Download(ctx)
	if err != nil {
		return false, err
	}
	defer os.Remove(zipPath)

	jsonDir := filepath.Join(s.workDir, "json")
	defer os.RemoveAll(jsonDir)
	results, err := s.converter.ConvertZip(zipPath, jsonDir)
	if err != nil {
		return false, err
	}

	for _, res := range results {
		if err := s.upload(ctx, res.Output); err != nil {
			return false, err
		}
	}

	// Recorded only after every upload, so a failed run is retried next time.
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.SetMetadataMap(ctx, map[string]string{
		MetaLastModified: lastModified,
		MetaETag:         etag,
		MetaImportedAt:   now,
	}); err != nil {
		return false, fmt.Errorf("record feed metadata: %w", err)
	}
	if err := s.writeMeta(Meta{LastModified: lastModified}); err != nil {
		return false, err
	}

	s.logger.Info("GTFS scrape complete",
		"tables", len(results),
		"last_modified", lastModified,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return true, nil
}

// recorded returns the stored Last-Modified and ETag. meta.json in the work
// directory is consulted when the ledger has no value yet.
func (s *Scraper) recorded(ctx context.Context) (lastModified, etag string, err error) {
	lastModified, err = s.db.GetMetadata(ctx, MetaLastModified)
	if err != nil {
		return "", "", fmt.Errorf("read last_modified: %w", err)
	}
	etag, err = s.db.GetMetadata(ctx, MetaETag)
	if err != nil {
		return "", "", fmt.Errorf("read etag: %w", err)
	}
	if lastModified == "" {
		m, err := s.readMeta()
		if err != nil {
			return "", "", err
		}
		lastModified = m.LastModified
	}
	return lastModified, etag, nil
}

func (s *Scraper) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	key := objstore.Key(s.prefix, filepath.Base(path))
	if err := s.store.PutFrom(ctx, key, f); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Info("uploaded", "key", key)
	return nil
}

func (s *Scraper) metaPath() string {
	return filepath.Join(s.workDir, "meta.json")
}

func (s *Scraper) readMeta() (Meta, error) {
	var m Meta
	data, err := os.ReadFile(s.metaPath())
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read meta.json: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("ignoring unreadable meta.json", "error", err)
		return Meta{}, nil
	}
	return m, nil
}

func (s *Scraper) writeMeta(m Meta) error {
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}
	return nil
}
