// Package bloomapi is the HTTP client for the bloom-status backend, used by
// the aggregation pipeline and the bloommap CLI.
package bloomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
)

// ErrUpstream covers any backend failure other than a rate-limit rejection.
// Callers may retry by user action.
var ErrUpstream = errors.New("bloom status backend failure")

// ErrRateLimited matches rate-limit rejections via errors.Is. The concrete
// error is a *RateLimitError carrying the server's retry hint.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError is returned when the backend rejects a write with 429.
// RetryAfter is the server-specified wait in seconds.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Client talks to the bloom-status backend. All operations are
// side-effect-free on failure; UpdateStatus either persists a complete report
// or persists nothing.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. baseURL is the API root including the /api prefix,
// e.g. "http://localhost:3001/api".
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetStatus returns the current report for a street. A street with no
// recorded report reads as an explicit unknown payload, not an error.
func (c *Client) GetStatus(ctx context.Context, street string) (models.StreetStatus, error) {
	u := fmt.Sprintf("%s/bloom-status/%s", c.baseURL, url.PathEscape(street))
	resp, err := c.get(ctx, "get_status", u)
	if err != nil {
		return models.StreetStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.UnknownStreetStatus(), nil
	}
	if err := checkStatus(resp); err != nil {
		return models.StreetStatus{}, err
	}

	var status models.StreetStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return models.StreetStatus{}, fmt.Errorf("decode street status: %w", err)
	}
	return status, nil
}

// UpdateStatus submits a new report and returns the persisted report with its
// server-assigned id and timestamp. Rate-limit rejections come back as
// *RateLimitError so callers can surface the wait time; anything else is a
// generic retryable failure.
func (c *Client) UpdateStatus(ctx context.Context, report models.BloomReport) (models.BloomReport, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return models.BloomReport{}, fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bloom-status", bytes.NewReader(body))
	if err != nil {
		return models.BloomReport{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.BloomAPICallsTotal.WithLabelValues("update_status", "error").Inc()
		return models.BloomReport{}, fmt.Errorf("update status: %w", err)
	}
	defer resp.Body.Close()
	observability.BloomAPICallsTotal.WithLabelValues("update_status", statusLabel(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		var rejection struct {
			Error      string `json:"error"`
			RetryAfter int    `json:"retryAfter"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rejection); err != nil || rejection.RetryAfter <= 0 {
			rejection.RetryAfter = 60
		}
		return models.BloomReport{}, &RateLimitError{RetryAfter: rejection.RetryAfter}
	}
	if err := checkStatus(resp); err != nil {
		return models.BloomReport{}, err
	}

	var persisted models.BloomReport
	if err := json.NewDecoder(resp.Body).Decode(&persisted); err != nil {
		return models.BloomReport{}, fmt.Errorf("decode persisted report: %w", err)
	}
	return persisted, nil
}

// GetNeighborhoodStats returns the aggregate street counts for a neighborhood.
func (c *Client) GetNeighborhoodStats(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error) {
	u := fmt.Sprintf("%s/bloom-status/stats/%s", c.baseURL, url.PathEscape(neighborhood))
	resp, err := c.get(ctx, "get_stats", u)
	if err != nil {
		return models.NeighborhoodStats{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.NeighborhoodStats{}, err
	}

	var stats models.NeighborhoodStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return models.NeighborhoodStats{}, fmt.Errorf("decode neighborhood stats: %w", err)
	}
	return stats, nil
}

// GetRecentReports returns the most recent reports across all streets, newest
// first. limit defaults to 10 when not positive.
func (c *Client) GetRecentReports(ctx context.Context, limit int) ([]models.BloomReport, error) {
	if limit <= 0 {
		limit = 10
	}
	u := fmt.Sprintf("%s/bloom-status/recent?limit=%d", c.baseURL, limit)
	resp, err := c.get(ctx, "get_recent", u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var reports []models.BloomReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("decode recent reports: %w", err)
	}
	return reports, nil
}

func (c *Client) get(ctx context.Context, operation, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.BloomAPICallsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	observability.BloomAPICallsTotal.WithLabelValues(operation, statusLabel(resp.StatusCode)).Inc()
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Drain so the transport can reuse the connection.
	_, _ = io.Copy(io.Discard, resp.Body)
	return fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
