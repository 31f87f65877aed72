package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FailsWhenNoDatabaseURL(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Unsetenv("DATABASE_URL")
	defer func() {
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no DATABASE_URL and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("Load() error = %v, want message containing DATABASE_URL", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Unsetenv("DATABASE_URL")
	defer func() {
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "database_url: postgres://secrets-file/blossoms\n")
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://secrets-file/blossoms" {
		t.Errorf("DatabaseURL = %q, want value from secrets file", cfg.DatabaseURL)
	}
}

func TestLoad_SucceedsWithDotEnvFile(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Unsetenv("DATABASE_URL")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DATABASE_URL=postgres://dotenv/blossoms\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://dotenv/blossoms" {
		t.Errorf("DatabaseURL = %q, want value from .env file", cfg.DatabaseURL)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	savedEnv := os.Getenv("ENV_NAME")
	os.Setenv("ENV_NAME", "nonexistent")
	defer func() {
		os.Setenv("ENV_NAME", savedEnv)
	}()

	origWd, _ := os.Getwd()
	os.Chdir(findProjectRoot(t))
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") && !strings.Contains(err.Error(), "config file") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	invalidDurationYAML := `
server:
  port: "3001"
catalog:
  url: "https://opendata.example.com/api/explore/v2.1"
  timeout: "10s"
cache:
  ttl: "invalid"
rate_limit:
  window: "1m"
  max: 20
shutdown:
  timeout: "10s"
`
	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, invalidDurationYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("CacheTTL = %v, want 24h default for invalid duration", cfg.CacheTTL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, "server:\n  port: \"3001\"\n")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CatalogGenus != "PRUNUS" {
		t.Errorf("CatalogGenus = %q, want PRUNUS", cfg.CatalogGenus)
	}
	if cfg.CatalogDataset != "street-trees" {
		t.Errorf("CatalogDataset = %q, want street-trees", cfg.CatalogDataset)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("CacheTTL = %v, want 24h", cfg.CacheTTL)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %v, want 1m", cfg.RateLimitWindow)
	}
	if cfg.RateLimitMax != 20 {
		t.Errorf("RateLimitMax = %d, want 20", cfg.RateLimitMax)
	}
	if cfg.StatsTimeout != 3*time.Second {
		t.Errorf("StatsTimeout = %v, want 3s", cfg.StatsTimeout)
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory", cfg.CacheBackend)
	}
	if cfg.PipelineConcurrency != 8 {
		t.Errorf("PipelineConcurrency = %d, want 8", cfg.PipelineConcurrency)
	}
}

func TestLoad_RequestTimeoutCoversStatsTimeout(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	tightTimeoutYAML := `
database:
  stats_timeout: "3s"
request:
  timeout: "2s"
`
	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, tightTimeoutYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout <= cfg.StatsTimeout {
		t.Errorf("RequestTimeout = %v, must exceed StatsTimeout %v", cfg.RequestTimeout, cfg.StatsTimeout)
	}
}

func TestLoad_InvalidCacheBackend(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, strings.Replace(minimalEnvYAML, "cache:\n", "cache:\n  backend: \"redis\"\n", 1))
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatalf("Load() expected error for unknown cache backend, got config %+v", cfg)
	}
	if !strings.Contains(err.Error(), "cache.backend") {
		t.Errorf("Load() error = %v, want message about cache.backend", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte("not: valid: yaml: [[["), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid config YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "parse") && !strings.Contains(err.Error(), "config") {
		t.Errorf("Load() error = %v, want message about parse or config", err)
	}
}

func TestLoad_SucceedsWithEnvVar(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	os.Chdir(findProjectRoot(t))
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}
	if cfg.DatabaseURL != "postgres://localhost/blossoms_test" {
		t.Errorf("DatabaseURL = %q, want value from env", cfg.DatabaseURL)
	}
	if cfg.CatalogURL == "" || cfg.ServerPort == "" {
		t.Errorf("Load() did not populate config from config/dev.yaml")
	}
}

func TestLoad_TestingModeDefaultsFalse(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TestingMode {
		t.Error("TestingMode = true, want false when omitted (default)")
	}
}

func TestLoad_TestingModeTrue(t *testing.T) {
	savedURL := os.Getenv("DATABASE_URL")
	os.Setenv("DATABASE_URL", "postgres://localhost/blossoms_test")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		if savedURL != "" {
			os.Setenv("DATABASE_URL", savedURL)
		}
	}()

	yamlWithTesting := minimalEnvYAML + "\ntesting_mode: true\n"
	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeEnvFile(t, dir, yamlWithTesting)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.TestingMode {
		t.Error("TestingMode = false, want true")
	}
}

const minimalEnvYAML = `
server:
  port: "3001"
catalog:
  url: "https://opendata.example.com/api/explore/v2.1"
  dataset: "street-trees"
  genus: "PRUNUS"
  timeout: "10s"
  rps: 5
bloom_api:
  url: "http://localhost:3001/api"
  timeout: "5s"
request:
  timeout: "5s"
cache:
  ttl: "24h"
rate_limit:
  window: "1m"
  max: 20
shutdown:
  timeout: "10s"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
