package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration for the mirror pipeline: the
// crawl (capture) phase, the build (assembly) phase, and shared concerns.
type Config struct {
	Crawl     CrawlConfig     `yaml:"crawl"`
	Download  DownloadConfig  `yaml:"download"`
	Rendering RenderingConfig `yaml:"rendering"`
	Worker    WorkerConfig    `yaml:"worker"`
	Robots    RobotsConfig    `yaml:"robots"`
	Storage   StorageConfig   `yaml:"storage"`
	Build     BuildConfig     `yaml:"build"`
	DB        SQLConfig       `yaml:"db"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CrawlMode selects how the page set is discovered.
type CrawlMode string

const (
	// ModeFollow discovers pages by following same-domain links from the
	// rendered DOM, starting at StartURL.
	ModeFollow CrawlMode = "follow"
	// ModeFixed crawls exactly the configured page list.
	ModeFixed CrawlMode = "fixed"
)

// CrawlConfig controls the crawl frontier, scope, and throttling.
type CrawlConfig struct {
	Mode               CrawlMode         `yaml:"mode"`
	StartURL           string            `yaml:"start_url"`
	Pages              []string          `yaml:"pages"`
	AllowedDomains     []string          `yaml:"allowed_domains"`
	MaxDepth           int               `yaml:"max_depth"`
	MaxPages           int               `yaml:"max_pages"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	ProxyURL           string            `yaml:"proxy_url"`
	RequestTimeout     Duration          `yaml:"request_timeout"`
	MaxBodyBytes       int64             `yaml:"max_body_bytes"`
	PerDomainDelay     Duration          `yaml:"per_domain_delay"`
	RateLimitPerDomain RateLimitConfig   `yaml:"rate_limit_per_domain"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// DownloadConfig controls the asset downloader.
type DownloadConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffBase    Duration `yaml:"backoff_base"`
	PoliteDelayMin Duration `yaml:"polite_delay_min"`
	PoliteDelayMax Duration `yaml:"polite_delay_max"`
	MaxSizeBytes   int64    `yaml:"max_size_bytes"`
	Concurrency    int      `yaml:"concurrency"`
}

// RenderingConfig controls the headless browser capture.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	InitialWait        Duration `yaml:"initial_wait"`
	ScrollWait         Duration `yaml:"scroll_wait"`
	FinalWait          Duration `yaml:"final_wait"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
	FallbackHTTP       bool     `yaml:"fallback_http"`
}

// WorkerConfig controls frontier concurrency and queue sizing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// RobotsConfig configures robots.txt handling for page fetches.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// StorageConfig locates the crawl phase workdir and manifest file.
type StorageConfig struct {
	WorkDir      string `yaml:"workdir"`
	ManifestPath string `yaml:"manifest"`
}

// BuildConfig locates the build phase output tree.
type BuildConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// SQLConfig describes an optional relational archive of crawled pages.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			Mode:           ModeFollow,
			MaxDepth:       5,
			MaxPages:       500,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(15 * time.Second),
			MaxBodyBytes:   10 * 1024 * 1024,
		},
		Download: DownloadConfig{
			MaxAttempts:  3,
			BackoffBase:  DurationFrom(500 * time.Millisecond),
			MaxSizeBytes: 25 * 1024 * 1024,
			Concurrency:  4,
		},
		Rendering: RenderingConfig{
			Enabled:            true,
			Timeout:            DurationFrom(30 * time.Second),
			InitialWait:        DurationFrom(1500 * time.Millisecond),
			ScrollWait:         DurationFrom(2 * time.Second),
			FinalWait:          DurationFrom(1 * time.Second),
			ConcurrentSessions: 2,
			FallbackHTTP:       true,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			QueueSize:   1024,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "apply-mirror-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Storage: StorageConfig{
			WorkDir:      "crawl",
			ManifestPath: "crawl/manifest.json",
		},
		Build: BuildConfig{
			OutputDir: "site",
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the pipeline configuration.
func (c Config) Validate() error {
	switch c.Crawl.Mode {
	case ModeFollow:
		if c.Crawl.StartURL == "" {
			return errors.New("crawl.start_url must be set in follow mode")
		}
	case ModeFixed:
		if len(c.Crawl.Pages) == 0 {
			return errors.New("crawl.pages must list at least one URL in fixed mode")
		}
	default:
		return fmt.Errorf("unsupported crawl.mode %q", c.Crawl.Mode)
	}
	if len(c.Crawl.AllowedDomains) == 0 {
		return errors.New("crawl.allowed_domains must include at least one host")
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Download.MaxAttempts <= 0 {
		return fmt.Errorf("download.max_attempts must be > 0 (got %d)", c.Download.MaxAttempts)
	}
	if c.Download.MaxSizeBytes <= 0 {
		return fmt.Errorf("download.max_size_bytes must be > 0 (got %d)", c.Download.MaxSizeBytes)
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0 (got %d)", c.Download.Concurrency)
	}
	if lo, hi := c.Download.PoliteDelayMin.Duration, c.Download.PoliteDelayMax.Duration; hi < lo {
		return fmt.Errorf("download.polite_delay_max (%s) must be >= polite_delay_min (%s)", hi, lo)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	// Workers enqueue discovered links themselves; a queue smaller than
	// the page budget could fill up and block every worker.
	if c.Worker.QueueSize < c.Crawl.MaxPages {
		return fmt.Errorf("worker.queue_size (%d) must be >= crawl.max_pages (%d)", c.Worker.QueueSize, c.Crawl.MaxPages)
	}
	if c.Rendering.Enabled && c.Rendering.ConcurrentSessions <= 0 {
		return fmt.Errorf("rendering.concurrent_sessions must be > 0 (got %d)", c.Rendering.ConcurrentSessions)
	}
	if strings.TrimSpace(c.Storage.WorkDir) == "" {
		return errors.New("storage.workdir must be set")
	}
	if strings.TrimSpace(c.Storage.ManifestPath) == "" {
		return errors.New("storage.manifest must be set")
	}
	if strings.TrimSpace(c.Build.OutputDir) == "" {
		return errors.New("build.output_dir must be set")
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.StartURL = strings.TrimSpace(c.Crawl.StartURL)
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Storage.WorkDir = strings.TrimSpace(c.Storage.WorkDir)
	c.Storage.ManifestPath = strings.TrimSpace(c.Storage.ManifestPath)
	c.Build.OutputDir = strings.TrimSpace(c.Build.OutputDir)

	if c.Crawl.Mode == "" {
		c.Crawl.Mode = ModeFollow
	}

	pages := make([]string, 0, len(c.Crawl.Pages))
	for _, p := range c.Crawl.Pages {
		p = strings.TrimSpace(p)
		if p != "" {
			pages = append(pages, p)
		}
	}
	c.Crawl.Pages = pages

	if len(c.Crawl.AllowedDomains) > 0 {
		c.Crawl.AllowedDomains = dedupeLower(c.Crawl.AllowedDomains)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
