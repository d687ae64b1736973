package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"shelfmatch/internal/model"
)

// ClientConfig configures the HTTP catalog client. Zero values fall
// back to the defaults set by NewHTTPClient.
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	Limit           int
	RequestInterval time.Duration
	Timeout         time.Duration
}

// HTTPClient queries the catalog's product search endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	limit   int
	client  *http.Client
	limiter *rate.Limiter

	retries int
	backoff []time.Duration
}

var _ Searcher = (*HTTPClient)(nil)

// NewHTTPClient creates a catalog search client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limit:   cfg.Limit,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		retries: 3,
		backoff: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Name returns the searcher identifier for logging.
func (c *HTTPClient) Name() string {
	return "catalog-http"
}

// Search queries the catalog for products matching the brand/name
// string. Results come back tagged with the search stage and carry
// the raw catalog payload for persistence.
func (c *HTTPClient) Search(ctx context.Context, query, retailerHint string) ([]model.Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchFailed)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrSearchFailed, err)
	}

	reqBody := searchRequest{
		Query:    query,
		Retailer: retailerHint,
		Limit:    c.limit,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", ErrSearchFailed, err)
	}

	respBody, err := c.doWithRetry(ctx, jsonBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %w", ErrSearchFailed, err)
	}

	cands := make([]model.Candidate, 0, len(resp.Products))
	for _, raw := range resp.Products {
		var p productRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			// One malformed row must not sink the result set.
			continue
		}
		cands = append(cands, model.Candidate{
			GTIN:      p.GTIN,
			Brand:     p.Brand,
			Title:     p.Title,
			Size:      p.Size,
			ImageURL:  p.ImageURL,
			Retailers: p.Retailers,
			Raw:       raw,
			Stage:     model.StageSearch,
		})
	}
	return cands, nil
}

// doWithRetry executes the search request with retry logic for
// transient errors. Retries on HTTP 429 or 5xx with exponential
// backoff, honoring the Retry-After header on 429 responses.
func (c *HTTPClient) doWithRetry(ctx context.Context, jsonBody []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/products/search", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			if err := c.sleep(ctx, attempt, c.backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response: %w", readErr)
			if err := c.sleep(ctx, attempt, c.backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("catalog API error (status %d): %s", resp.StatusCode, truncateBody(body))

			delay := c.backoffDelay(attempt)
			if resp.StatusCode == http.StatusTooManyRequests {
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if seconds, parseErr := strconv.Atoi(ra); parseErr == nil && seconds > 0 {
						delay = time.Duration(seconds) * time.Second
						if delay > 30*time.Second {
							delay = 30 * time.Second
						}
					}
				}
			}
			if err := c.sleep(ctx, attempt, delay); err != nil {
				return nil, err
			}
			continue
		}

		// Non-retryable (400, 401, 403, ...).
		return nil, fmt.Errorf("catalog API error (status %d): %s", resp.StatusCode, truncateBody(body))
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.retries, lastErr)
}

// sleep blocks for the backoff delay unless this was the final
// attempt or the context ends first.
func (c *HTTPClient) sleep(ctx context.Context, attempt int, delay time.Duration) error {
	if attempt >= c.retries {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (c *HTTPClient) backoffDelay(attempt int) time.Duration {
	if attempt < len(c.backoff) {
		return c.backoff[attempt]
	}
	if len(c.backoff) == 0 {
		return time.Second
	}
	return c.backoff[len(c.backoff)-1]
}

func truncateBody(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}

// searchRequest is the request body for the catalog search endpoint.
type searchRequest struct {
	Query    string `json:"query"`
	Retailer string `json:"retailer,omitempty"`
	Limit    int    `json:"limit"`
}

// searchResponse is the response body from the catalog search
// endpoint. Product rows stay raw so the original payload can be
// persisted alongside the parsed fields.
type searchResponse struct {
	Products []json.RawMessage `json:"products"`
}

// productRecord is a single product row from the catalog.
type productRecord struct {
	GTIN      string   `json:"gtin"`
	Brand     string   `json:"brand"`
	Title     string   `json:"title"`
	Size      string   `json:"size"`
	ImageURL  string   `json:"image_url"`
	Retailers []string `json:"retailers"`
}
