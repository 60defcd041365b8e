// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// EnvPrefix namespaces environment overrides, e.g. MARKETCRAWLER_RATE_LIMIT.
const EnvPrefix = "MARKETCRAWLER"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	RateLimit             float64                   `mapstructure:"rate_limit"`
	MaxRetries            int                       `mapstructure:"max_retries"`
	Timeout               int                       `mapstructure:"timeout"`
	GlobalScrapingTimeout int                       `mapstructure:"global_scraping_timeout"`
	MinURLsThreshold      int                       `mapstructure:"min_urls_threshold"`
	SitemapCacheEnabled   bool                      `mapstructure:"sitemap_cache_enabled"`
	SitemapCacheMaxAge    int                       `mapstructure:"sitemap_cache_max_age"`
	Workers               int                       `mapstructure:"workers"`
	MaxRequeues           int                       `mapstructure:"max_requeues"`
	JitterMinMs           int                       `mapstructure:"jitter_min_ms"`
	JitterMaxMs           int                       `mapstructure:"jitter_max_ms"`
	BackoffInitialSeconds int                       `mapstructure:"backoff_initial_seconds"`
	BackoffMaxSeconds     int                       `mapstructure:"backoff_max_seconds"`
	SlowRequestSeconds    int                       `mapstructure:"slow_request_seconds"`
	UserAgents            []string                  `mapstructure:"user_agents"`
	Site                  SiteConfig                `mapstructure:"site"`
	Categories            map[string]CategoryConfig `mapstructure:"categories"`
	Checkpoint            CheckpointConfig          `mapstructure:"checkpoint"`
	Metrics               MetricsConfig             `mapstructure:"metrics"`
	Storage               StorageConfig             `mapstructure:"storage"`
	Blob                  BlobConfig                `mapstructure:"blob"`
	PubSub                PubSubConfig              `mapstructure:"pubsub"`
	Tracing               TracingConfig             `mapstructure:"tracing"`
	Logging               LoggingConfig             `mapstructure:"logging"`
}

// SiteConfig describes the marketplace being crawled.
type SiteConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	SitemapURL string `mapstructure:"sitemap_url"`
	// SitemapMaxWait caps the sitemap backoff schedule in seconds; 0 means a
	// third of the global budget.
	SitemapMaxWait int `mapstructure:"sitemap_max_wait"`
	// Patterns overrides the path regexp per category config key.
	Patterns map[string]string `mapstructure:"patterns"`
	// MaxBodyBytes caps each fetched page body; 0 disables the cap.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// CategoryConfig toggles a single category.
type CategoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CheckpointConfig locates the resume file.
type CheckpointConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

// MetricsConfig controls the run log and the status server.
type MetricsConfig struct {
	LogPath    string `mapstructure:"log_path"`
	ListenAddr string `mapstructure:"listen_addr"`
	APIKey     string `mapstructure:"api_key"`
}

// StorageConfig selects the record writer.
type StorageConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	MaxConns     int    `mapstructure:"max_conns"`
	HistoryTable string `mapstructure:"history_table"`
	CurrentTable string `mapstructure:"current_table"`
	RunsTable    string `mapstructure:"runs_table"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// BlobConfig selects where the sitemap cache and payload archive live.
type BlobConfig struct {
	Driver          string `mapstructure:"driver"`
	BaseDir         string `mapstructure:"base_dir"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CacheKey        string `mapstructure:"cache_key"`
	ArchivePayloads bool   `mapstructure:"archive_payloads"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limit", 1.0)
	v.SetDefault("max_retries", 5)
	v.SetDefault("timeout", 25)
	v.SetDefault("global_scraping_timeout", 900)
	v.SetDefault("min_urls_threshold", 50)
	v.SetDefault("sitemap_cache_enabled", true)
	v.SetDefault("sitemap_cache_max_age", 3600)
	v.SetDefault("workers", 5)
	v.SetDefault("max_requeues", 1)
	v.SetDefault("jitter_min_ms", 100)
	v.SetDefault("jitter_max_ms", 500)
	v.SetDefault("backoff_initial_seconds", 2)
	v.SetDefault("backoff_max_seconds", 300)
	v.SetDefault("slow_request_seconds", 10)
	v.SetDefault("user_agents", []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	})
	v.SetDefault("site.base_url", "https://www.framer.com")
	v.SetDefault("site.sitemap_url", "https://www.framer.com/marketplace/sitemap.xml")
	v.SetDefault("site.sitemap_max_wait", 0)
	v.SetDefault("site.max_body_bytes", 10<<20)
	for _, c := range crawler.AllCategories() {
		v.SetDefault("categories."+c.ConfigKey()+".enabled", true)
	}
	v.SetDefault("checkpoint.path", "data/checkpoint.json")
	v.SetDefault("checkpoint.batch_size", 25)
	v.SetDefault("metrics.log_path", "data/metrics.jsonl")
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.chunk_size", 500)
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.history_table", "record_history")
	v.SetDefault("storage.current_table", "record_current")
	v.SetDefault("storage.runs_table", "crawl_runs")
	v.SetDefault("storage.ensure_schema", false)
	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.base_dir", "data/blobs")
	v.SetDefault("blob.cache_key", "sitemap-cache.json")
	v.SetDefault("blob.archive_payloads", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "marketplace-crawler")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be > 0")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0")
	}
	if c.Timeout < 20 || c.Timeout > 30 {
		return fmt.Errorf("timeout must be between 20 and 30 seconds, got %d", c.Timeout)
	}
	if c.GlobalScrapingTimeout < 0 {
		return fmt.Errorf("global_scraping_timeout must be >= 0")
	}
	if c.MinURLsThreshold < 0 {
		return fmt.Errorf("min_urls_threshold must be >= 0")
	}
	if c.SitemapCacheMaxAge < 0 {
		return fmt.Errorf("sitemap_cache_max_age must be >= 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.Site.MaxBodyBytes < 0 {
		return fmt.Errorf("site.max_body_bytes must be >= 0")
	}
	if c.MaxRequeues < 0 {
		return fmt.Errorf("max_requeues must be >= 0")
	}
	if c.JitterMinMs < 0 || c.JitterMaxMs < c.JitterMinMs {
		return fmt.Errorf("jitter_min_ms/jitter_max_ms must satisfy 0 <= min <= max")
	}
	if c.BackoffInitialSeconds <= 0 || c.BackoffMaxSeconds < c.BackoffInitialSeconds {
		return fmt.Errorf("backoff_initial_seconds/backoff_max_seconds must satisfy 0 < initial <= max")
	}
	if c.Site.BaseURL == "" || c.Site.SitemapURL == "" {
		return fmt.Errorf("site.base_url and site.sitemap_url are required")
	}
	for key := range c.Categories {
		if _, err := crawler.ParseCategory(key); err != nil {
			return fmt.Errorf("categories: %w", err)
		}
	}
	for key := range c.Site.Patterns {
		if _, err := crawler.ParseCategory(key); err != nil {
			return fmt.Errorf("site.patterns: %w", err)
		}
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path is required")
	}
	if c.Checkpoint.BatchSize <= 0 {
		return fmt.Errorf("checkpoint.batch_size must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set when blob.driver is local")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set when blob.driver is gcs")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// RequestTimeout is the per-attempt fetch deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Budget is the run-wide wall-clock ceiling.
func (c Config) Budget() time.Duration {
	return time.Duration(c.GlobalScrapingTimeout) * time.Second
}

// SitemapMaxWait bounds the sitemap retry schedule.
func (c Config) SitemapMaxWait() time.Duration {
	if c.Site.SitemapMaxWait > 0 {
		return time.Duration(c.Site.SitemapMaxWait) * time.Second
	}
	return c.Budget() / 3
}

// EnabledCategories resolves the per-category flags. Categories missing from
// the file stay enabled.
func (c Config) EnabledCategories() map[crawler.Category]bool {
	out := make(map[crawler.Category]bool, len(c.Categories))
	for _, cat := range crawler.AllCategories() {
		out[cat] = true
	}
	for key, cc := range c.Categories {
		cat, err := crawler.ParseCategory(key)
		if err != nil {
			continue
		}
		out[cat] = cc.Enabled
	}
	return out
}

// CategoryPatterns resolves the path overrides keyed by category.
func (c Config) CategoryPatterns() map[crawler.Category]string {
	if len(c.Site.Patterns) == 0 {
		return nil
	}
	out := make(map[crawler.Category]string, len(c.Site.Patterns))
	for key, pattern := range c.Site.Patterns {
		cat, err := crawler.ParseCategory(key)
		if err != nil {
			continue
		}
		out[cat] = pattern
	}
	return out
}
