// Package arrivals fetches live vehicle arrivals for a stop.
package arrivals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"busindex/internal/errs"
)

// Source yields the arrivals for one stop.
type Source interface {
	ArrivalsForStop(ctx context.Context, stopID string) (*Response, error)
}

// Client is an HTTP client for TheBus arrivals JSON API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *Cache[*Response] // nil unless WithCache
	logger  *slog.Logger
}

// NewClient creates an arrivals API client. Every call goes to the API;
// long-lived callers polling the same stops can add WithCache.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// WithCache keeps responses for ttl. Callers get their own copy of a cached
// response.
func (c *Client) WithCache(ttl time.Duration) *Client {
	c.cache = NewCache[*Response](ttl)
	return c
}

// ArrivalsForStop fetches arrival predictions for a stop, without the
// arrivals the API could not place on the map.
func (c *Client) ArrivalsForStop(ctx context.Context, stopID string) (*Response, error) {
	cacheKey := "stop:" + stopID
	if c.cache != nil {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached.Clone(), nil
		}
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse arrivals url: %w", err)
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	q.Set("stop", stopID)
	u.RawQuery = q.Encode()

	result, err := c.fetch(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: arrivals for stop %s: %w", errs.ErrSourceUnavailable, stopID, err)
	}

	total := len(result.Arrivals)
	result.Arrivals = dropUnlocated(result.Arrivals)
	c.logger.Debug("arrivals fetched", "stop", stopID, "total", total, "located", len(result.Arrivals))

	if c.cache != nil {
		c.cache.Set(cacheKey, result.Clone())
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, u string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Keep the API key out of logs and printed errors.
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = c.baseURL
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Arrivals == nil {
		result.Arrivals = []Arrival{}
	}
	return &result, nil
}
