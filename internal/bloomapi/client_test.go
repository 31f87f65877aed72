package bloomapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
)

// TestGetStatus verifies decoding of a current street status.
func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bloom-status/Oak Street" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"street":"Oak Street","status":"blooming","neighborhood":"SHAUGHNESSY","treeCount":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	status, err := c.GetStatus(context.Background(), "Oak Street")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Status != models.StatusBlooming || status.TreeCount != 42 {
		t.Errorf("GetStatus() = %+v", status)
	}
}

// TestGetStatus_NotFound verifies that a 404 maps to an explicit unknown
// payload rather than an error.
func TestGetStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	status, err := c.GetStatus(context.Background(), "Nowhere St")
	if err != nil {
		t.Fatalf("GetStatus() error = %v, want nil for missing street", err)
	}
	if status.Status != models.StatusUnknown {
		t.Errorf("GetStatus() status = %q, want unknown", status.Status)
	}
}

// TestUpdateStatus verifies the request body and decoding of the persisted
// report.
func TestUpdateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/bloom-status" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var body models.BloomReport
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		body.ID = 7
		body.Timestamp = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	persisted, err := c.UpdateStatus(context.Background(), models.BloomReport{
		Street:       "Oak Street",
		Status:       models.StatusBlooming,
		Neighborhood: "SHAUGHNESSY",
		Reporter:     models.DefaultReporter,
		TreeCount:    42,
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if persisted.ID != 7 || persisted.Timestamp.IsZero() {
		t.Errorf("persisted = %+v, want server-assigned id and timestamp", persisted)
	}
}

// TestUpdateStatus_RateLimited verifies that a 429 surfaces as
// *RateLimitError with the server's retry hint.
func TestUpdateStatus_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Too many requests. Please try again later.","retryAfter":37}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	_, err := c.UpdateStatus(context.Background(), models.BloomReport{Street: "Oak Street", Status: models.StatusBlooming})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("UpdateStatus() error = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("error should be a *RateLimitError")
	}
	if rle.RetryAfter != 37 {
		t.Errorf("RetryAfter = %d, want 37", rle.RetryAfter)
	}
}

// TestUpdateStatus_GenericFailure verifies that non-429 failures come back as
// ErrUpstream, distinct from the rate-limit case.
func TestUpdateStatus_GenericFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	_, err := c.UpdateStatus(context.Background(), models.BloomReport{Street: "Oak Street", Status: models.StatusBlooming})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("UpdateStatus() error = %v, want ErrUpstream", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("generic failure must not read as rate-limited")
	}
}

// TestGetNeighborhoodStats verifies decoding of aggregate counts.
func TestGetNeighborhoodStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bloom-status/stats/SHAUGHNESSY" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"total_streets":3,"blooming_count":1,"unknown_count":2,"last_updated":"2024-04-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	stats, err := c.GetNeighborhoodStats(context.Background(), "SHAUGHNESSY")
	if err != nil {
		t.Fatalf("GetNeighborhoodStats() error = %v", err)
	}
	if stats.TotalStreets != 3 || stats.BloomingCount != 1 || stats.UnknownCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestGetRecentReports verifies the limit parameter and its default.
func TestGetRecentReports(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[{"street":"Oak Street","status":"blooming","neighborhood":"SHAUGHNESSY"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/api", 2*time.Second)
	reports, err := c.GetRecentReports(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecentReports() error = %v", err)
	}
	if gotLimit != "1" {
		t.Errorf("limit = %q, want 1", gotLimit)
	}
	if len(reports) != 1 || reports[0].Street != "Oak Street" {
		t.Errorf("reports = %+v", reports)
	}

	if _, err := c.GetRecentReports(context.Background(), 0); err != nil {
		t.Fatalf("GetRecentReports(0) error = %v", err)
	}
	if gotLimit != "10" {
		t.Errorf("default limit = %q, want 10", gotLimit)
	}
}
