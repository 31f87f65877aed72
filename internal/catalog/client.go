// Package catalog reads the city's public street-tree dataset through the
// Explore API. The catalog is read-only and external; records are fetched in
// pages and never persisted.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/circuitbreaker"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
)

var (
	// ErrUpstream covers any non-2xx response from the catalog.
	ErrUpstream = errors.New("catalog upstream failure")
	// ErrMalformedPayload covers bodies that are not the expected shape.
	ErrMalformedPayload = errors.New("catalog payload malformed")
)

// PageSize is the fixed batch size for catalog traversals.
const PageSize = 100

// Client fetches pages of tree records. Requests are throttled by a token
// bucket so full traversals stay polite to the open-data API, and can be
// guarded by a circuit breaker.
type Client struct {
	baseURL    string
	dataset    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
}

// New creates a catalog client. baseURL is the Explore API root (e.g.
// "https://opendata.vancouver.ca/api/explore/v2.1"), dataset the dataset id
// (e.g. "public-trees"). rps bounds outbound request rate; zero disables
// throttling.
func New(baseURL, dataset string, timeout time.Duration, rps float64) *Client {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		dataset:    dataset,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// SetCircuitBreaker installs a breaker around page fetches.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Query selects which records a traversal sees. Genus alone uses the cheap
// refine facet; Genus plus Neighborhood uses a server-side where clause with
// a field selection, matching the two traversal shapes of the pipeline.
type Query struct {
	Genus        string
	Neighborhood string
}

// Page is one batch of records plus the dataset's total match count.
type Page struct {
	Results    []models.Tree
	TotalCount int
}

type exploreResponse struct {
	TotalCount int             `json:"total_count"`
	Results    []exploreRecord `json:"results"`
}

type exploreRecord struct {
	TreeID       json.Number `json:"tree_id"`
	StdStreet    string      `json:"std_street"`
	GenusName    string      `json:"genus_name"`
	SpeciesName  string      `json:"species_name"`
	CommonName   string      `json:"common_name"`
	Neighborhood string      `json:"neighbourhood_name"`
	GeoPoint     *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"geo_point_2d"`
}

// FetchPage returns one batch of records at the given offset. Transport
// errors, non-2xx statuses, and unexpected body shapes are all returned as
// errors; callers abort the whole traversal (refresh is a user action, never
// automatic).
func (c *Client) FetchPage(ctx context.Context, q Query, offset, limit int) (Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Page{}, fmt.Errorf("catalog rate limit wait: %w", err)
		}
	}

	if c.breaker != nil {
		var page Page
		err := c.breaker.Call(ctx, func() error {
			var err error
			page, err = c.fetchPage(ctx, q, offset, limit)
			return err
		})
		return page, err
	}
	return c.fetchPage(ctx, q, offset, limit)
}

func (c *Client) fetchPage(ctx context.Context, q Query, offset, limit int) (Page, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, q, offset, limit)
	if err != nil {
		observability.CatalogAPICallsTotal.WithLabelValues("error").Inc()
		return Page{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.CatalogAPICallsTotal.WithLabelValues("error").Inc()
		observability.CatalogAPIDuration.WithLabelValues("error").Observe(duration)
		return Page{}, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.CatalogAPICallsTotal.WithLabelValues(status).Inc()
	observability.CatalogAPIDuration.WithLabelValues(status).Observe(duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp exploreResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if apiResp.Results == nil {
		return Page{}, fmt.Errorf("%w: missing results array", ErrMalformedPayload)
	}

	page := Page{TotalCount: apiResp.TotalCount, Results: make([]models.Tree, 0, len(apiResp.Results))}
	for _, rec := range apiResp.Results {
		page.Results = append(page.Results, mapRecord(rec))
	}
	return page, nil
}

func (c *Client) buildRequest(ctx context.Context, q Query, offset, limit int) (*http.Request, error) {
	u, err := url.Parse(fmt.Sprintf("%s/catalog/datasets/%s/records", c.baseURL, c.dataset))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog URL: %w", err)
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("offset", fmt.Sprintf("%d", offset))
	if q.Neighborhood != "" {
		// Scoped traversal: server-side filter plus a narrow field selection.
		quoted := strings.ReplaceAll(q.Neighborhood, "'", "''")
		params.Set("where", fmt.Sprintf("genus_name = '%s' AND neighbourhood_name = '%s'", q.Genus, quoted))
		params.Set("select", "tree_id,std_street,genus_name,species_name,common_name,neighbourhood_name,geo_point_2d")
	} else {
		params.Set("refine", "genus_name:"+q.Genus)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// mapRecord flattens geo_point_2d into lat/lon. Records without a geo point
// come through as (0, 0), which the pipeline's bounding-box check discards.
func mapRecord(rec exploreRecord) models.Tree {
	t := models.Tree{
		TreeID:       rec.TreeID.String(),
		Street:       rec.StdStreet,
		Genus:        rec.GenusName,
		Species:      rec.SpeciesName,
		CommonName:   rec.CommonName,
		Neighborhood: rec.Neighborhood,
	}
	if rec.GeoPoint != nil {
		t.Latitude = rec.GeoPoint.Lat
		t.Longitude = rec.GeoPoint.Lon
	}
	return t
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
