// Package pipeline aggregates catalog tree records into per-neighborhood and
// per-street views and merges in crowd-sourced bloom status.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/cache"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/catalog"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/models"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
)

const (
	// MaxRecords caps the global traversal. Hitting it flags the summary as
	// possibly incomplete rather than failing.
	MaxRecords = 10000

	// DefaultGenus is the only genus this tracker cares about.
	DefaultGenus = "PRUNUS"

	// TopStreetCount is how many streets the drill-down table shows.
	TopStreetCount = 10

	// statusMaxAge is the display staleness horizon for per-street reports:
	// older reports demote to unknown in the drill-down without touching the
	// stored facts or the neighborhood aggregates.
	statusMaxAge = 7 * 24 * time.Hour

	summaryCacheKey     = "neighborhood_counts"
	streetCountsPrefix  = "street_counts_"
	treeLocationsPrefix = "tree_locations_"
)

// CatalogClient is the slice of the catalog client the pipeline needs.
type CatalogClient interface {
	FetchPage(ctx context.Context, q catalog.Query, offset, limit int) (catalog.Page, error)
}

// StatusClient is the slice of the bloom-status client the pipeline needs.
type StatusClient interface {
	GetStatus(ctx context.Context, street string) (models.StreetStatus, error)
	GetNeighborhoodStats(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error)
	GetRecentReports(ctx context.Context, limit int) ([]models.BloomReport, error)
}

// Summary is the pipeline's neighborhood-level output, sorted by tree count
// descending. Truncated is set when the traversal hit MaxRecords.
type Summary struct {
	Neighborhoods []models.NeighborhoodSummary `json:"neighborhoods"`
	Truncated     bool                         `json:"truncated,omitempty"`
}

// StreetDetail is the per-neighborhood drill-down: the top streets for the
// table plus the full street and tree sets for map rendering.
type StreetDetail struct {
	TopStreets []models.StreetCount `json:"topStreets"`
	Streets    []models.StreetCount `json:"streets"`
	Trees      []models.Tree        `json:"trees"`
}

// Pipeline wires the catalog, the bloom-status backend, and the local cache.
type Pipeline struct {
	catalog     CatalogClient
	status      StatusClient
	cache       cache.Backend
	logger      *zap.Logger
	clock       clockwork.Clock
	genus       string
	concurrency int

	summaryFlights *coalescer[Summary]
	detailFlights  *coalescer[StreetDetail]
}

// New creates a Pipeline. concurrency bounds the status-fetch fan-out; zero
// or negative means 8.
func New(catalogClient CatalogClient, statusClient StatusClient, cacheBackend cache.Backend, logger *zap.Logger, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Pipeline{
		catalog:        catalogClient,
		status:         statusClient,
		cache:          cacheBackend,
		logger:         logger,
		clock:          clockwork.NewRealClock(),
		genus:          DefaultGenus,
		concurrency:    concurrency,
		summaryFlights: newCoalescer[Summary](),
		detailFlights:  newCoalescer[StreetDetail](),
	}
}

// SetClock swaps the time source used for the staleness rule. Tests only.
func (p *Pipeline) SetClock(c clockwork.Clock) { p.clock = c }

// NeighborhoodSummaries returns the city-wide neighborhood summary,
// cache-first. Concurrent cache misses share one traversal. A catalog failure
// aborts the whole run; a stats failure for one neighborhood only downgrades
// that neighborhood to unknown.
func (p *Pipeline) NeighborhoodSummaries(ctx context.Context) (Summary, error) {
	if cached, ok, err := cache.Get[Summary](ctx, p.cache, summaryCacheKey); err == nil && ok && len(cached.Neighborhoods) > 0 {
		observability.CacheHitsTotal.WithLabelValues("neighborhood_counts").Inc()
		p.logger.Debug("neighborhood summary served from cache", zap.Int("neighborhoods", len(cached.Neighborhoods)))
		return cached, nil
	}

	return p.summaryFlights.Do(ctx, summaryCacheKey, func() (Summary, error) {
		return p.buildSummary(ctx)
	})
}

func (p *Pipeline) buildSummary(ctx context.Context) (Summary, error) {
	trees, truncated, err := p.fetchAll(ctx, catalog.Query{Genus: p.genus})
	if err != nil {
		return Summary{}, fmt.Errorf("fetch tree catalog: %w", err)
	}

	type streetAgg struct {
		count  int
		coords models.Coordinates
	}
	type neighborhoodAgg struct {
		count       int
		streets     map[string]*streetAgg
		streetOrder []string // first-seen order, for deterministic tie-breaks
	}

	aggs := make(map[string]*neighborhoodAgg)
	var order []string
	for _, tree := range trees {
		if tree.Neighborhood == "" {
			continue
		}
		agg, ok := aggs[tree.Neighborhood]
		if !ok {
			agg = &neighborhoodAgg{streets: make(map[string]*streetAgg)}
			aggs[tree.Neighborhood] = agg
			order = append(order, tree.Neighborhood)
		}
		agg.count++

		if tree.Street == "" {
			continue
		}
		st, ok := agg.streets[tree.Street]
		if !ok {
			st = &streetAgg{coords: models.Coordinates{Lat: tree.Latitude, Lng: tree.Longitude}}
			agg.streets[tree.Street] = st
			agg.streetOrder = append(agg.streetOrder, tree.Street)
		}
		st.count++
	}

	// One global recency probe; attached per-neighborhood below.
	var latest *models.BloomReport
	if recent, err := p.status.GetRecentReports(ctx, 1); err != nil {
		p.logger.Warn("recent reports unavailable", zap.Error(err))
	} else if len(recent) > 0 {
		latest = &recent[0]
	}

	stats := gather(ctx, order, p.concurrency, func(ctx context.Context, neighborhood string) (models.NeighborhoodStats, error) {
		return p.status.GetNeighborhoodStats(ctx, neighborhood)
	})

	summaries := make([]models.NeighborhoodSummary, 0, len(order))
	for _, name := range order {
		agg := aggs[name]
		summary := models.NeighborhoodSummary{Name: name, Count: agg.count}

		// Representative coordinate: the street with the most trees wins,
		// first-seen on ties.
		best := -1
		for _, street := range agg.streetOrder {
			if agg.streets[street].count > best {
				best = agg.streets[street].count
				coords := agg.streets[street].coords
				summary.Coordinates = &models.Coordinates{Lat: coords.Lat, Lng: coords.Lng}
			}
		}

		res := stats[name]
		switch {
		case res.err != nil:
			p.logger.Warn("neighborhood stats unavailable, marking unknown",
				zap.String("neighborhood", name), zap.Error(res.err))
		case res.value.BloomingCount > 0:
			// One blooming street is enough to mark the whole neighborhood.
			summary.HasConfirmedBlooms = true
			if latest != nil && latest.Neighborhood == name && latest.Status == models.StatusBlooming {
				summary.LatestBloomReport = &models.LatestBloomReport{
					Street:    latest.Street,
					Timestamp: latest.Timestamp,
				}
			}
		}

		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Count > summaries[j].Count
	})

	result := Summary{Neighborhoods: summaries, Truncated: truncated}
	if err := cache.Set(ctx, p.cache, summaryCacheKey, result); err != nil {
		p.logger.Warn("failed to cache neighborhood summary", zap.Error(err))
	}
	return result, nil
}

// StreetCounts returns the drill-down for one neighborhood, cache-first.
// Concurrent misses for the same neighborhood share one traversal. Street
// status fetches fan out concurrently; a failed fetch leaves that one street
// unknown.
func (p *Pipeline) StreetCounts(ctx context.Context, neighborhood string) (StreetDetail, error) {
	neighborhood = normalizeNeighborhood(neighborhood)
	countsKey := streetCountsPrefix + neighborhood
	treesKey := treeLocationsPrefix + neighborhood

	cachedStreets, okStreets, errS := cache.Get[[]models.StreetCount](ctx, p.cache, countsKey)
	cachedTrees, okTrees, errT := cache.Get[[]models.Tree](ctx, p.cache, treesKey)
	if errS == nil && errT == nil && okStreets && okTrees {
		observability.CacheHitsTotal.WithLabelValues("street_counts").Inc()
		return StreetDetail{
			TopStreets: topStreets(cachedStreets),
			Streets:    cachedStreets,
			Trees:      cachedTrees,
		}, nil
	}

	return p.detailFlights.Do(ctx, countsKey, func() (StreetDetail, error) {
		return p.buildStreetDetail(ctx, neighborhood, countsKey, treesKey)
	})
}

func (p *Pipeline) buildStreetDetail(ctx context.Context, neighborhood, countsKey, treesKey string) (StreetDetail, error) {
	trees, truncated, err := p.fetchAll(ctx, catalog.Query{Genus: p.genus, Neighborhood: neighborhood})
	if err != nil {
		return StreetDetail{}, fmt.Errorf("fetch trees for %s: %w", neighborhood, err)
	}
	if truncated {
		p.logger.Warn("street traversal hit record cap", zap.String("neighborhood", neighborhood))
	}

	counts := make(map[string]*models.StreetCount)
	var order []string
	for _, tree := range trees {
		if tree.Street == "" {
			continue
		}
		sc, ok := counts[tree.Street]
		if !ok {
			sc = &models.StreetCount{Street: tree.Street, BloomStatus: models.StatusUnknown}
			counts[tree.Street] = sc
			order = append(order, tree.Street)
		}
		sc.Count++
	}

	statuses := gather(ctx, order, p.concurrency, func(ctx context.Context, street string) (models.StreetStatus, error) {
		return p.status.GetStatus(ctx, street)
	})
	for street, res := range statuses {
		if res.err != nil {
			p.logger.Warn("street status unavailable", zap.String("street", street), zap.Error(res.err))
			continue
		}
		status := res.value
		if status.Timestamp == nil || !status.Status.Valid() {
			continue
		}
		sc := counts[street]
		if p.clock.Since(*status.Timestamp) > statusMaxAge {
			// Old report: show unknown, keep the stored fact untouched.
			sc.BloomStatus = models.StatusUnknown
			continue
		}
		sc.BloomStatus = status.Status
		sc.UserReport = &models.UserReport{
			Status:    status.Status,
			Timestamp: *status.Timestamp,
			Username:  status.Reporter,
		}
	}

	streets := make([]models.StreetCount, 0, len(order))
	for _, street := range order {
		streets = append(streets, *counts[street])
	}
	sort.SliceStable(streets, func(i, j int) bool {
		return streets[i].Count > streets[j].Count
	})

	if err := cache.Set(ctx, p.cache, countsKey, streets); err != nil {
		p.logger.Warn("failed to cache street counts", zap.Error(err))
	}
	if err := cache.Set(ctx, p.cache, treesKey, trees); err != nil {
		p.logger.Warn("failed to cache tree locations", zap.Error(err))
	}

	return StreetDetail{TopStreets: topStreets(streets), Streets: streets, Trees: trees}, nil
}

// fetchAll pages through the catalog until a short page or the record cap.
// Records with coordinates outside the Vancouver bounding box are dropped.
func (p *Pipeline) fetchAll(ctx context.Context, q catalog.Query) ([]models.Tree, bool, error) {
	var trees []models.Tree
	offset := 0
	for offset+catalog.PageSize <= MaxRecords {
		page, err := p.catalog.FetchPage(ctx, q, offset, catalog.PageSize)
		if err != nil {
			return nil, false, err
		}
		for _, tree := range page.Results {
			if !models.InBounds(tree.Latitude, tree.Longitude) {
				observability.TreesDiscardedTotal.Inc()
				continue
			}
			trees = append(trees, tree)
		}
		if len(page.Results) < catalog.PageSize {
			return trees, false, nil
		}
		offset += catalog.PageSize
	}
	return trees, true, nil
}

func topStreets(streets []models.StreetCount) []models.StreetCount {
	if len(streets) <= TopStreetCount {
		return streets
	}
	return streets[:TopStreetCount]
}

// normalizeNeighborhood folds known aliases onto catalog spelling.
func normalizeNeighborhood(name string) string {
	if name == "MT PLEASANT" {
		return "MOUNT PLEASANT"
	}
	return name
}
