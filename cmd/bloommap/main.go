// Command bloommap runs the tree aggregation pipeline against the open-data
// catalog and the bloom status API, and prints the result as JSON. It is the
// same traversal the map frontend performs, packaged for cron-driven cache
// warming and for inspecting what the map will show.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aileene-willow/vancouvercherryblossoms/internal/bloomapi"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/cache"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/catalog"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/circuitbreaker"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/config"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/observability"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/pipeline"
	"github.com/aileene-willow/vancouvercherryblossoms/internal/validation"
)

func main() {
	neighborhood := flag.String("neighborhood", "", "drill into one neighborhood instead of the city-wide summary")
	flag.Parse()

	logger, err := observability.NewLogger("bloommap")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := run(cfg, logger, *neighborhood); err != nil {
		logger.Fatal("pipeline", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, neighborhood string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalogClient := catalog.New(cfg.CatalogURL, cfg.CatalogDataset, cfg.CatalogTimeout, cfg.CatalogRPS)
	catalogClient.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("catalog circuit breaker transition",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}))

	statusClient := bloomapi.New(cfg.BloomAPIURL, cfg.BloomAPITimeout)

	var backend cache.Backend
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcached(cfg.MemcachedAddrs, cfg.CacheTTL, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return fmt.Errorf("memcached cache: %w", err)
		}
		defer mc.Close()
		backend = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	} else {
		backend = cache.NewInMemory(cfg.CacheTTL)
		logger.Info("cache backend: in_memory")
	}

	p := pipeline.New(catalogClient, statusClient, backend, logger, cfg.PipelineConcurrency)

	var result interface{}
	if neighborhood != "" {
		name, err := validation.Name(neighborhood)
		if err != nil {
			return fmt.Errorf("neighborhood %q: %w", neighborhood, err)
		}
		detail, err := p.StreetCounts(ctx, name)
		if err != nil {
			return err
		}
		result = detail
	} else {
		summary, err := p.NeighborhoodSummaries(ctx)
		if err != nil {
			return err
		}
		if summary.Truncated {
			logger.Warn("traversal hit the record cap; summary may be incomplete")
		}
		result = summary
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
