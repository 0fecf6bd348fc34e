// Package store implements the HTTP client for the external store
// service, with retrying requests and an optional Redis read cache.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/domain"
)

// Client talks to the store service REST API and implements
// domain.Store. All write paths go straight to the service; reads go
// through the Redis cache when one is configured.
type Client struct {
	cfg   config.Config
	hc    *http.Client
	cache *Cache

	mu    sync.RWMutex
	token string
}

// NewClient constructs a store client. cache may be nil.
func NewClient(cfg config.Config, cache *Cache) *Client {
	return &Client{
		cfg:   cfg,
		hc:    &http.Client{Timeout: cfg.StoreTimeout},
		cache: cache,
		token: cfg.StoreAuthToken,
	}
}

// SetAuthToken installs the bearer token used on subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// ClearAuthToken removes the bearer token.
func (c *Client) ClearAuthToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func (c *Client) authToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryInitialDelay
	expo.MaxInterval = c.cfg.RetryMaxDelay
	expo.Multiplier = c.cfg.RetryMultiplier
	expo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(c.cfg.StoreMaxRetries))
}

// doJSON performs one API call with retries. Server errors and
// transport failures retry; client errors are permanent. A 404 maps to
// domain.ErrNotFound.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("op=store.doJSON: marshal request: %w", err)
		}
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.StoreURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.authToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%s %s: %w", method, path, domain.ErrNotFound))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: decode response: %w", method, path, err))
		}
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return fmt.Errorf("op=store.doJSON: %w", err)
	}
	return nil
}

func taskCacheKey(taskID string) string { return "task:" + taskID }

// CreateTask persists a new task record.
func (c *Client) CreateTask(ctx context.Context, rec domain.TaskRecord) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks", rec, nil)
}

// GetTask fetches a task record, serving from cache when possible.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, taskCacheKey(taskID)); err == nil {
			var rec domain.TaskRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				return rec, nil
			}
		}
	}

	var rec domain.TaskRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &rec); err != nil {
		return domain.TaskRecord{}, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(rec); err == nil {
			if err := c.cache.Set(ctx, taskCacheKey(taskID), raw, c.cfg.StoreCacheTTL); err != nil {
				slog.Debug("task cache write failed", slog.String("task_id", taskID), slog.Any("error", err))
			}
		}
	}
	return rec, nil
}

// UpdateTask replaces a task record and invalidates its cache entry.
func (c *Client) UpdateTask(ctx context.Context, rec domain.TaskRecord) error {
	if err := c.doJSON(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(rec.TaskID), rec, nil); err != nil {
		return err
	}
	c.invalidate(ctx, taskCacheKey(rec.TaskID))
	return nil
}

// DeleteTask removes a task record and invalidates its cache entry.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil); err != nil {
		return err
	}
	c.invalidate(ctx, taskCacheKey(taskID))
	return nil
}

func (c *Client) invalidate(ctx context.Context, key string) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.Delete(ctx, key); err != nil {
		slog.Debug("cache invalidation failed", slog.String("key", key), slog.Any("error", err))
	}
}

// ListQueuedTasks returns up to limit tasks still in the queued state.
func (c *Client) ListQueuedTasks(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	path := "/api/tasks?status=queued"
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var recs []domain.TaskRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// CleanupTasks deletes terminal tasks older than the given age and
// returns the number removed.
func (c *Client) CleanupTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	req := map[string]int64{"older_than_ms": olderThan.Milliseconds()}
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/tasks/cleanup", req, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// BatchCreateTasks persists several task records in one call.
func (c *Client) BatchCreateTasks(ctx context.Context, recs []domain.TaskRecord) error {
	if len(recs) == 0 {
		return fmt.Errorf("op=store.BatchCreateTasks: %w: empty batch", domain.ErrInvalidArgument)
	}
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/batch", recs, nil)
}

// ValidateIntegrity runs a data-integrity pass on the store, optionally
// repairing what it finds.
func (c *Client) ValidateIntegrity(ctx context.Context, repair bool) (domain.IntegrityReport, error) {
	req := map[string]bool{"repair": repair}
	var report domain.IntegrityReport
	if err := c.doJSON(ctx, http.MethodPost, "/api/integrity", req, &report); err != nil {
		return domain.IntegrityReport{}, err
	}
	return report, nil
}

// SystemStats returns the store's aggregate counters.
func (c *Client) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	var stats domain.SystemStats
	if err := c.doJSON(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return domain.SystemStats{}, err
	}
	return stats, nil
}

// HealthCheck probes the store's health endpoint without retries.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StoreURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=store.HealthCheck: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=store.HealthCheck: status %d", resp.StatusCode)
	}
	return nil
}

// CacheGet reads a raw cache value. Without a configured cache it
// reports domain.ErrNotFound.
func (c *Client) CacheGet(ctx context.Context, key string) ([]byte, error) {
	if c.cache == nil {
		return nil, fmt.Errorf("op=store.CacheGet: %w", domain.ErrNotFound)
	}
	return c.cache.Get(ctx, key)
}

// CacheSet writes a raw cache value with the given TTL.
func (c *Client) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Set(ctx, key, value, ttl)
}

// CacheDelete removes every key matching a glob pattern and returns the
// count removed.
func (c *Client) CacheDelete(ctx context.Context, pattern string) (int64, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.Delete(ctx, pattern)
}
