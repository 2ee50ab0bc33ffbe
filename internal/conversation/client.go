package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ClientConfig contains conversations API client configuration
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// ListOptions controls a conversation listing request
type ListOptions struct {
	Page   int
	Limit  int
	Sort   string
	Order  string
	Search string
}

// ListResult is one page of the conversation listing
type ListResult struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	More          bool           `json:"more"`
}

// DetailResult is a conversation with one page of its messages
type DetailResult struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Total        int          `json:"total"`
	More         bool         `json:"more"`
}

// Client talks to the remote conversations collaborator. It implements the
// cache's Fetcher.
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// RemoteClientStats represents conversations client statistics
type RemoteClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewClient creates a conversations API client
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// List fetches one page of the conversation listing
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Sort == "" {
		opts.Sort = "updated_at"
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	query := url.Values{
		"page":  {strconv.Itoa(opts.Page)},
		"limit": {strconv.Itoa(opts.Limit)},
		"sort":  {opts.Sort},
		"order": {opts.Order},
	}
	if opts.Search != "" {
		query.Set("search", opts.Search)
	}

	var result ListResult
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/conversations?%s", c.config.Endpoint, query.Encode()), &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Detail fetches a conversation with one page of its messages
func (c *Client) Detail(ctx context.Context, id string, limit, offset int) (*DetailResult, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	target := fmt.Sprintf("%s/conversations/%s", c.config.Endpoint, url.PathEscape(id))
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var result DetailResult
	if err := c.doJSON(ctx, http.MethodGet, target, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Fetch implements the cache's Fetcher over Detail
func (c *Client) Fetch(ctx context.Context, id string, limit, offset int) (*Conversation, []Message, error) {
	detail, err := c.Detail(ctx, id, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return &detail.Conversation, detail.Messages, nil
}

// Delete removes a conversation on the server
func (c *Client) Delete(ctx context.Context, id string, hardDelete bool) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	target := fmt.Sprintf("%s/conversations/%s?hard_delete=%t",
		c.config.Endpoint, url.PathEscape(id), hardDelete)

	return c.doJSON(ctx, http.MethodDelete, target, nil)
}

// doJSON performs one request with the retry loop, decoding a JSON body
// into out when out is non-nil
func (c *Client) doJSON(ctx context.Context, method, target string, out any) error {
	c.incrementTotal()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.incrementFailed()
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, target, out)
		if err == nil {
			c.incrementSuccess()
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	c.incrementFailed()
	return fmt.Errorf("conversations request failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// isRetryable treats 5xx, 429, and network-level failures as transient
func isRetryable(err error) bool {
	msg := err.Error()

	if strings.Contains(msg, "HTTP error 5") || strings.Contains(msg, "HTTP error 429") {
		return true
	}

	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "refused")
}

// Statistics methods
func (c *Client) incrementTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics
func (c *Client) GetStats() RemoteClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return RemoteClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}
