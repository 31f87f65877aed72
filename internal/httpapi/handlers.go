// Package httpapi serves the bloom status API consumed by the map frontend
// and the aggregation pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/lifecycle"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/ratelimit"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/validation"
)

// BloomStore is the persistence surface the handlers need.
type BloomStore interface {
	GetStreetStatus(ctx context.Context, street string) (models.StreetStatus, error)
	UpdateStatus(ctx context.Context, report models.BloomReport) (models.BloomReport, error)
	GetNeighborhoodStats(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error)
	GetRecentReports(ctx context.Context, limit int) ([]models.BloomReport, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store  BloomStore
	gate   *ratelimit.Gate
	logger *zap.Logger

	// CachePing, when set, is checked by /health. Used when the cache
	// backend is memcached.
	CachePing func() error

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(store BloomStore, gate *ratelimit.Gate, logger *zap.Logger) *Handler {
	return &Handler{store: store, gate: gate, logger: logger}
}

// GetRoot handles GET /.
func (h *Handler) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Server is running"})
}

// GetAPIRoot handles GET /api.
func (h *Handler) GetAPIRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "API is running"})
}

// GetStreetStatus handles GET /api/bloom-status/{street}. A street nobody has
// reported on reads as an explicit unknown payload, never a 404: from the
// map's point of view an unreported street has a status too.
func (h *Handler) GetStreetStatus(w http.ResponseWriter, r *http.Request) {
	street, err := validation.Name(mux.Vars(r)["street"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STREET", err.Error())
		return
	}

	status, err := h.store.GetStreetStatus(r.Context(), street)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PostStatus handles POST /api/bloom-status. The report is persisted
// atomically: street upsert and report insert commit together or not at all.
func (h *Handler) PostStatus(w http.ResponseWriter, r *http.Request) {
	var report models.BloomReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON bloom report")
		return
	}

	if !report.Status.Valid() {
		h.logger.Debug("rejected report with invalid status", zap.String("status", string(report.Status)))
		writeError(w, r, http.StatusBadRequest, "INVALID_STATUS", "Invalid status")
		return
	}
	street, err := validation.Name(report.Street)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STREET", err.Error())
		return
	}
	neighborhood, err := validation.Name(report.Neighborhood)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_NEIGHBORHOOD", err.Error())
		return
	}
	report.Street = street
	report.Neighborhood = neighborhood
	report.Reporter = models.DefaultReporter

	persisted, err := h.store.UpdateStatus(r.Context(), report)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	observability.ReportsSubmittedTotal.WithLabelValues(string(persisted.Status)).Inc()
	writeJSON(w, http.StatusOK, persisted)
}

// GetNeighborhoodStats handles GET /api/bloom-status/stats/{neighborhood}.
// The store degrades a slow aggregate to zero counts with an error marker, so
// this returns 200 even when the counts could not be computed in time.
func (h *Handler) GetNeighborhoodStats(w http.ResponseWriter, r *http.Request) {
	neighborhood, err := validation.Name(mux.Vars(r)["neighborhood"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_NEIGHBORHOOD", err.Error())
		return
	}

	stats, err := h.store.GetNeighborhoodStats(r.Context(), neighborhood)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetRecentReports handles GET /api/bloom-status/recent.
func (h *Handler) GetRecentReports(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	reports, err := h.store.GetRecentReports(r.Context(), limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	checks := make(map[string]string)

	switch {
	case lifecycle.IsShuttingDown():
		status = "shutting-down"
		statusCode = http.StatusServiceUnavailable
	default:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
		if h.CachePing != nil {
			if h.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
	}

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"service":   "vancouvercherryblossoms",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeStoreError maps a store failure to a response. A request whose
// deadline lapsed mid-query is a gateway timeout; anything else is a fixed
// 500 so database detail never leaks to the client.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timeout")
		return
	}
	if logger, ok := r.Context().Value(loggerKey).(*zap.Logger); ok && logger != nil {
		logger.Error("store error", zap.Error(err))
	} else {
		h.logger.Error("store error", zap.Error(err))
	}
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal server error")
}

// RateGateMiddleware denies writes over the per-client cap with a 429 whose
// body carries the seconds left in the window, matching what the bloomapi
// client decodes.
func (h *Handler) RateGateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := h.gate.Allow(clientIP(r))
		if !allowed {
			observability.RateLimitDeniedTotal.Inc()
			if logger, ok := r.Context().Value(loggerKey).(*zap.Logger); ok && logger != nil {
				logger.Debug("rate gate denied write", zap.Duration("retry_after", retryAfter))
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "Too many requests. Please try again later.",
				"retryAfter": int(math.Ceil(retryAfter.Seconds())),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys the rate gate. Behind a proxy the first X-Forwarded-For hop
// is the client; otherwise the peer address with the port stripped.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value(correlationIDKey); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
