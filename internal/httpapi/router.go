package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
)

// NewRouter builds the full route table. The recent and stats routes must be
// registered before the street route or gorilla/mux would capture "recent"
// and "stats" as street names.
func NewRouter(h *Handler, logger *zap.Logger, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CORSMiddleware)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/", h.GetRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(TimeoutMiddleware(requestTimeout))
	api.HandleFunc("", h.GetAPIRoot).Methods(http.MethodGet)
	api.HandleFunc("/bloom-status/recent", h.GetRecentReports).Methods(http.MethodGet)
	api.HandleFunc("/bloom-status/stats/{neighborhood}", h.GetNeighborhoodStats).Methods(http.MethodGet)
	api.HandleFunc("/bloom-status/{street}", h.GetStreetStatus).Methods(http.MethodGet)

	post := api.PathPrefix("/bloom-status").Subrouter()
	post.Use(h.RateGateMiddleware)
	post.HandleFunc("", h.PostStatus).Methods(http.MethodPost)

	// mux matches OPTIONS explicitly, so preflights need their own route to
	// reach the CORS middleware's 204.
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods(http.MethodOptions)

	return router
}
