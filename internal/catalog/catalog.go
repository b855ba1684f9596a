// Package catalog lists the slow-changing reference data the pipeline offers
// to callers: available models, voices and backends. Results are cached with
// a TTL; when an upstream fetch fails the last cached value is still served,
// marked stale, rather than propagating the failure.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/storyloom/server/internal/cache"
	"github.com/storyloom/server/internal/models"
)

// Client fetches one page of a catalog category. cursor is empty for the
// first page; an empty nextCursor means the listing is complete.
type Client interface {
	List(ctx context.Context, category, cursor string) (items []models.CatalogItem, nextCursor string, err error)
}

// HTTPClient talks to a catalog service over REST:
// GET {base}/v1/catalog/{category}?cursor=...
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type listResponse struct {
	Items      []models.CatalogItem `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func (c *HTTPClient) List(ctx context.Context, category, cursor string) ([]models.CatalogItem, string, error) {
	u := fmt.Sprintf("%s/v1/catalog/%s", c.baseURL, url.PathEscape(category))
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create catalog request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read catalog response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("catalog returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", &models.MalformedResponseError{Excerpt: truncate(string(body), 200), Err: err}
	}

	return parsed.Items, parsed.NextCursor, nil
}

// StaticClient serves a fixed catalog from memory. Used when no external
// catalog service is configured.
type StaticClient map[string][]models.CatalogItem

func (c StaticClient) List(_ context.Context, category, _ string) ([]models.CatalogItem, string, error) {
	items, ok := c[category]
	if !ok {
		return nil, "", fmt.Errorf("unknown catalog category %q", category)
	}
	return items, "", nil
}

// Service is the cached catalog view. It follows every cursor so callers get
// the complete listing in one call.
type Service struct {
	client Client
	cache  *cache.Cache[[]models.CatalogItem]
	ttl    time.Duration

	// lastGood outlives cache expiry so a failed refresh can still serve
	// something. Guarded by mu.
	mu       sync.Mutex
	lastGood map[string][]models.CatalogItem
}

func NewService(client Client, clock cache.Clock, ttl time.Duration) *Service {
	return &Service{
		client:   client,
		cache:    cache.New[[]models.CatalogItem](clock),
		ttl:      ttl,
		lastGood: make(map[string][]models.CatalogItem),
	}
}

// ListAll returns every item in a category. stale is true when the upstream
// fetch failed and the result comes from the last successful fetch.
func (s *Service) ListAll(ctx context.Context, category string) (items []models.CatalogItem, stale bool, err error) {
	if cached, ok := s.cache.Get(category); ok {
		return cached, false, nil
	}

	items, err = s.fetchAll(ctx, category)
	if err != nil {
		s.mu.Lock()
		fallback, ok := s.lastGood[category]
		s.mu.Unlock()
		if ok {
			log.Printf("[Catalog] Fetch failed for %q, serving stale copy (%d items): %v", category, len(fallback), err)
			return fallback, true, nil
		}
		return nil, false, fmt.Errorf("failed to list catalog %q: %w", category, err)
	}

	s.cache.Set(category, items, s.ttl)
	s.mu.Lock()
	s.lastGood[category] = items
	s.mu.Unlock()

	return items, false, nil
}

// Invalidate clears the cached copy of the given categories, or everything
// when called with none. The last-good fallback copies are kept.
func (s *Service) Invalidate(categories ...string) {
	s.cache.Invalidate(categories...)
}

func (s *Service) fetchAll(ctx context.Context, category string) ([]models.CatalogItem, error) {
	var all []models.CatalogItem
	cursor := ""
	for {
		items, next, err := s.client.List(ctx, category, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
