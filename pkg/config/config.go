package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetConfig holds configuration specific to a single crawl target (a named
// group of seed URLs, typically one institution).
type TargetConfig struct {
	SeedURLs           []string      `yaml:"seed_urls"`
	AllowedDomains     []string      `yaml:"allowed_domains,omitempty"`      // Empty = seed hosts plus related subdomains
	Name               string        `yaml:"name,omitempty"`                 // Human-readable label used in reports
	UserAgent          string        `yaml:"user_agent,omitempty"`           // Overrides the global default
	PerHostInterval    time.Duration `yaml:"per_host_interval,omitempty"`    // Overrides default_per_host_interval
	MaxDepth           *int          `yaml:"max_depth,omitempty"`            // Overrides global max_depth
	MaxPages           *int          `yaml:"max_pages,omitempty"`            // Overrides global max_pages
	MaxPagesPerDomain  *int          `yaml:"max_pages_per_domain,omitempty"` // Overrides global max_pages_per_domain
	ExcludePatterns    []string      `yaml:"exclude_patterns,omitempty"`     // Regex patterns for URLs to skip
	SeedFromSitemaps   *bool         `yaml:"seed_from_sitemaps,omitempty"`   // Overrides global seed_from_sitemaps
	DisableAIEvaluator *bool         `yaml:"disable_ai_evaluator,omitempty"` // Per-target opt-out
}

// EvaluatorConfig holds settings for the AI page evaluator.
type EvaluatorConfig struct {
	Enabled          bool          `yaml:"enabled,omitempty"`
	Model            string        `yaml:"model,omitempty"`              // e.g. "gpt-4o-mini"
	BaseURL          string        `yaml:"base_url,omitempty"`           // OpenAI-compatible endpoint, empty = api.openai.com
	APIKeyEnv        string        `yaml:"api_key_env,omitempty"`        // Env var holding the API key
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`     // Parallel evaluation calls
	SnippetTokens    int           `yaml:"snippet_tokens,omitempty"`     // Token budget for the page snippet sent to the model
	TokenizerEnc     string        `yaml:"tokenizer_encoding,omitempty"` // tiktoken encoding name
	RequestTimeout   time.Duration `yaml:"request_timeout,omitempty"`
	PromptCostPer1K  float64       `yaml:"prompt_cost_per_1k,omitempty"`  // USD, for cost accounting
	OutputCostPer1K  float64       `yaml:"output_cost_per_1k,omitempty"`  // USD
	MinHeuristicHits int           `yaml:"min_heuristic_hits,omitempty"`  // Heuristic score gate before an LLM call is made
}

// MonitorConfig holds settings for the progress monitor.
type MonitorConfig struct {
	Interval           time.Duration `yaml:"interval,omitempty"`             // Sampling interval
	ErrorRateThreshold float64       `yaml:"error_rate_threshold,omitempty"` // Above this, recommend backpressure
	PersistSamples     bool          `yaml:"persist_samples,omitempty"`      // Save each snapshot to the store
}

// QueueConfig holds settings for the URL frontier.
type QueueConfig struct {
	Capacity     int           `yaml:"capacity,omitempty"`      // Bounded queue size
	FullBehavior string        `yaml:"full_behavior,omitempty"` // "block" or "reject"
	PopTimeout   time.Duration `yaml:"pop_timeout,omitempty"`   // Worker pop wait before re-checking shutdown
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`           // Redirect hop cap
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent       string        `yaml:"default_user_agent"`
	UserAgents             []string      `yaml:"user_agents,omitempty"` // Rotated per request when set
	NumWorkers             int           `yaml:"num_workers"`
	MaxDepth               int           `yaml:"max_depth"`
	MaxPages               int           `yaml:"max_pages"`                       // 0 = unlimited
	MaxPagesPerDomain      int           `yaml:"max_pages_per_domain,omitempty"`  // 0 = unlimited
	DefaultPerHostInterval time.Duration `yaml:"default_per_host_interval"`       // Politeness floor per host
	MaxPerHostInterval     time.Duration `yaml:"max_per_host_interval,omitempty"` // Cap for adaptive scaling
	MaxRequests            int           `yaml:"max_requests"`                    // Global in-flight request cap
	MaxRequestsPerHost     int           `yaml:"max_requests_per_host"`           // Per-host concurrency cap
	GlobalRatePerSecond    float64       `yaml:"global_rate_per_second,omitempty"` // 0 = uncapped
	MaxRetries             int           `yaml:"max_retries,omitempty"`            // Fetch retries per attempt
	MaxTaskAttempts        int           `yaml:"max_task_attempts,omitempty"`      // Worker-level re-enqueues per task
	InitialRetryDelay      time.Duration `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay          time.Duration `yaml:"max_retry_delay,omitempty"`
	DrainDeadline          time.Duration `yaml:"drain_deadline,omitempty"` // Wait for in-flight work on shutdown
	RespectRobots          *bool         `yaml:"respect_robots,omitempty"` // nil/true = honor robots.txt
	SeedFromSitemaps       bool          `yaml:"seed_from_sitemaps,omitempty"`
	MaxPageSizeBytes       int64         `yaml:"max_page_size_bytes,omitempty"`
	LinkLimitShallow       int           `yaml:"link_limit_shallow,omitempty"` // Discovered links kept per page, depth 0-1
	LinkLimitMedium        int           `yaml:"link_limit_medium,omitempty"`  // Depth 2-3
	LinkLimitDeep          int           `yaml:"link_limit_deep,omitempty"`    // Depth 4+
	PriorityPatterns       []string      `yaml:"priority_patterns,omitempty"`  // Path substrings scored highest
	PriorityKeywords       []string      `yaml:"priority_keywords,omitempty"`  // Weaker relevance signals
	ExcludePatterns        []string      `yaml:"exclude_patterns,omitempty"`   // Regex patterns for URLs to skip globally
	SemaphoreAcquire       time.Duration `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout     time.Duration `yaml:"global_crawl_timeout,omitempty"` // 0 = no bound
	OutputDir              string        `yaml:"output_dir"`
	StateDir               string        `yaml:"state_dir"`
	ExportFormats          []string      `yaml:"export_formats,omitempty"` // json, jsonl, csv, summary, report
	WatchInterval          time.Duration `yaml:"watch_interval,omitempty"` // Re-crawl interval for watch mode
	Queue                  QueueConfig   `yaml:"queue,omitempty"`
	Monitor                MonitorConfig `yaml:"monitor,omitempty"`
	Evaluator              EvaluatorConfig  `yaml:"evaluator,omitempty"`
	HTTPClientSettings     HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Targets                map[string]TargetConfig `yaml:"targets"`
}

// Load reads, parses, and validates an AppConfig from a YAML file.
// Validation warnings are returned alongside the config; a validation error
// is fatal.
func Load(path string) (*AppConfig, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}

// EffectiveMaxDepth returns the depth limit for a target.
func EffectiveMaxDepth(tc TargetConfig, app *AppConfig) int {
	if tc.MaxDepth != nil {
		return *tc.MaxDepth
	}
	return app.MaxDepth
}

// EffectiveMaxPages returns the page-count limit for a target.
func EffectiveMaxPages(tc TargetConfig, app *AppConfig) int {
	if tc.MaxPages != nil {
		return *tc.MaxPages
	}
	return app.MaxPages
}

// EffectiveMaxPagesPerDomain returns the per-domain page cap for a target.
func EffectiveMaxPagesPerDomain(tc TargetConfig, app *AppConfig) int {
	if tc.MaxPagesPerDomain != nil {
		return *tc.MaxPagesPerDomain
	}
	return app.MaxPagesPerDomain
}

// EffectiveUserAgent returns the User-Agent for a target.
func EffectiveUserAgent(tc TargetConfig, app *AppConfig) string {
	if tc.UserAgent != "" {
		return tc.UserAgent
	}
	return app.DefaultUserAgent
}

// EffectivePerHostInterval returns the politeness interval for a target.
func EffectivePerHostInterval(tc TargetConfig, app *AppConfig) time.Duration {
	if tc.PerHostInterval > 0 {
		return tc.PerHostInterval
	}
	return app.DefaultPerHostInterval
}

// EffectiveSeedFromSitemaps determines whether sitemap seeding applies.
func EffectiveSeedFromSitemaps(tc TargetConfig, app *AppConfig) bool {
	if tc.SeedFromSitemaps != nil {
		return *tc.SeedFromSitemaps
	}
	return app.SeedFromSitemaps
}

// EffectiveEvaluatorEnabled determines whether the AI evaluator runs for a target.
func EffectiveEvaluatorEnabled(tc TargetConfig, app *AppConfig) bool {
	if tc.DisableAIEvaluator != nil && *tc.DisableAIEvaluator {
		return false
	}
	return app.Evaluator.Enabled
}

// RespectRobotsEnabled reports whether robots.txt compliance is on. Defaults
// to true when unset.
func (c *AppConfig) RespectRobotsEnabled() bool {
	if c.RespectRobots == nil {
		return true
	}
	return *c.RespectRobots
}

// LinkLimitForDepth returns how many discovered links to keep for a page at
// the given depth. Shallow pages contribute more discoveries than deep ones.
func (c *AppConfig) LinkLimitForDepth(depth int) int {
	switch {
	case depth <= 1:
		return c.LinkLimitShallow
	case depth <= 3:
		return c.LinkLimitMedium
	default:
		return c.LinkLimitDeep
	}
}
