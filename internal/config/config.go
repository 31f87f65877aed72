package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	DatabaseURL  string
	StatsTimeout time.Duration

	CatalogURL     string
	CatalogDataset string
	CatalogGenus   string
	CatalogTimeout time.Duration
	CatalogRPS     float64

	BloomAPIURL     string
	BloomAPITimeout time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitWindow time.Duration
	RateLimitMax    int

	PipelineConcurrency int

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		StatsTimeout string `yaml:"stats_timeout"`
	} `yaml:"database"`

	Catalog struct {
		URL     string  `yaml:"url"`
		Dataset string  `yaml:"dataset"`
		Genus   string  `yaml:"genus"`
		Timeout string  `yaml:"timeout"`
		RPS     float64 `yaml:"rps"`
	} `yaml:"catalog"`

	BloomAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"bloom_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	RateLimit struct {
		Window string `yaml:"window"`
		Max    int    `yaml:"max"`
	} `yaml:"rate_limit"`

	Pipeline struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"pipeline"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	DatabaseURL string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. A .env file in the working directory is loaded first,
// so DATABASE_URL can live there during development. The database URL comes
// from DATABASE_URL env or the secrets file. Call from project root.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "3001"
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.DatabaseURL = sec.DatabaseURL
		}
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL required (set env, .env, or config/secrets.yaml database_url)")
	}

	cfg.StatsTimeout = parseDuration(fc.Database.StatsTimeout, 3*time.Second)

	cfg.CatalogURL = fc.Catalog.URL
	if cfg.CatalogURL == "" {
		cfg.CatalogURL = "https://opendata.vancouver.ca/api/explore/v2.1"
	}
	cfg.CatalogDataset = fc.Catalog.Dataset
	if cfg.CatalogDataset == "" {
		cfg.CatalogDataset = "street-trees"
	}
	cfg.CatalogGenus = fc.Catalog.Genus
	if cfg.CatalogGenus == "" {
		cfg.CatalogGenus = "PRUNUS"
	}
	cfg.CatalogTimeout = parseDuration(fc.Catalog.Timeout, 10*time.Second)
	cfg.CatalogRPS = fc.Catalog.RPS
	if cfg.CatalogRPS <= 0 {
		cfg.CatalogRPS = 5
	}

	cfg.BloomAPIURL = fc.BloomAPI.URL
	if cfg.BloomAPIURL == "" {
		cfg.BloomAPIURL = "http://localhost:3001/api"
	}
	cfg.BloomAPITimeout = parseDuration(fc.BloomAPI.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitWindow = parseDuration(fc.RateLimit.Window, time.Minute)
	cfg.RateLimitMax = fc.RateLimit.Max
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 20
	}

	cfg.PipelineConcurrency = fc.Pipeline.Concurrency
	if cfg.PipelineConcurrency <= 0 {
		cfg.PipelineConcurrency = 8
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// The handler timeout must cover the stats statement timeout, otherwise every
// slow aggregate would surface as a gateway timeout instead of the degraded
// zero-count payload.
func validate(cfg *Config) error {
	if cfg.RequestTimeout <= cfg.StatsTimeout {
		cfg.RequestTimeout = cfg.StatsTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
