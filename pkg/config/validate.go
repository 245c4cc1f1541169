package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/GhoulBiter/scraper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 8")
		c.NumWorkers = 8
	}

	// MaxDepth
	if c.MaxDepth <= 0 {
		warnings = append(warnings, "max_depth should be > 0, defaulting to 6")
		c.MaxDepth = 6
	}

	// MaxPages / MaxPagesPerDomain (0 = unlimited, negative invalid)
	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, treating as unlimited")
		c.MaxPages = 0
	}
	if c.MaxPagesPerDomain < 0 {
		warnings = append(warnings, "max_pages_per_domain cannot be negative, treating as unlimited")
		c.MaxPagesPerDomain = 0
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 20")
		c.MaxRequests = 20
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	// Politeness intervals
	if c.DefaultPerHostInterval <= 0 {
		warnings = append(warnings, "default_per_host_interval should be > 0, defaulting to 1s")
		c.DefaultPerHostInterval = 1 * time.Second
	}
	if c.MaxPerHostInterval <= 0 {
		c.MaxPerHostInterval = 5 * time.Second
	}
	if c.MaxPerHostInterval < c.DefaultPerHostInterval {
		warnings = append(warnings, fmt.Sprintf(
			"max_per_host_interval (%v) < default_per_host_interval (%v), raising to default",
			c.MaxPerHostInterval, c.DefaultPerHostInterval))
		c.MaxPerHostInterval = c.DefaultPerHostInterval
	}

	// Retries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}
	if c.MaxTaskAttempts <= 0 {
		c.MaxTaskAttempts = 3
	}

	// DrainDeadline
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}

	// SemaphoreAcquire
	if c.SemaphoreAcquire <= 0 {
		c.SemaphoreAcquire = 1 * time.Minute
	}

	// Page size cap
	if c.MaxPageSizeBytes <= 0 {
		c.MaxPageSizeBytes = 10 * 1024 * 1024 // 10 MiB
	}

	// Per-depth discovery caps
	if c.LinkLimitShallow <= 0 {
		c.LinkLimitShallow = 50
	}
	if c.LinkLimitMedium <= 0 {
		c.LinkLimitMedium = 30
	}
	if c.LinkLimitDeep <= 0 {
		c.LinkLimitDeep = 15
	}

	// Directories
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './crawl_output'")
		c.OutputDir = "./crawl_output"
	}
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawl_state'")
		c.StateDir = "./crawl_state"
	}

	// UserAgent
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = "scraper/1.0 (+https://github.com/GhoulBiter/scraper)"
	}

	// Pattern lists: compile-check early so workers never hit a bad regex
	if _, compErr := utils.CompileRegexPatterns(c.ExcludePatterns); compErr != nil {
		return warnings, utils.WrapErrorf(compErr, "global exclude_patterns")
	}
	if len(c.PriorityPatterns) == 0 {
		c.PriorityPatterns = DefaultPriorityPatterns()
	}
	if len(c.PriorityKeywords) == 0 {
		c.PriorityKeywords = DefaultPriorityKeywords()
	}

	// Queue
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 10000
	}
	switch c.Queue.FullBehavior {
	case "":
		c.Queue.FullBehavior = "reject"
	case "block", "reject":
	default:
		return warnings, utils.WrapErrorf(utils.ErrConfigValidation,
			"queue.full_behavior must be 'block' or 'reject', got '%s'", c.Queue.FullBehavior)
	}
	if c.Queue.PopTimeout <= 0 {
		c.Queue.PopTimeout = 1 * time.Second
	}

	// Monitor
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 5 * time.Second
	}
	if c.Monitor.ErrorRateThreshold <= 0 || c.Monitor.ErrorRateThreshold > 1 {
		c.Monitor.ErrorRateThreshold = 0.5
	}

	// Evaluator
	if c.Evaluator.Enabled {
		if c.Evaluator.Model == "" {
			c.Evaluator.Model = "gpt-4o-mini"
		}
		if c.Evaluator.APIKeyEnv == "" {
			c.Evaluator.APIKeyEnv = "OPENAI_API_KEY"
		}
		if c.Evaluator.MaxConcurrent <= 0 {
			c.Evaluator.MaxConcurrent = 5
		}
		if c.Evaluator.SnippetTokens <= 0 {
			c.Evaluator.SnippetTokens = 1500
		}
		if c.Evaluator.TokenizerEnc == "" {
			c.Evaluator.TokenizerEnc = "cl100k_base"
		}
		if c.Evaluator.RequestTimeout <= 0 {
			c.Evaluator.RequestTimeout = 60 * time.Second
		}
		if c.Evaluator.MinHeuristicHits <= 0 {
			c.Evaluator.MinHeuristicHits = 3
		}
	}

	// Export formats
	if len(c.ExportFormats) == 0 {
		c.ExportFormats = []string{"json", "summary"}
	}
	for _, format := range c.ExportFormats {
		switch format {
		case "json", "jsonl", "csv", "summary", "report":
		default:
			return warnings, utils.WrapErrorf(utils.ErrConfigValidation,
				"unknown export format '%s'", format)
		}
	}

	// Watch
	if c.WatchInterval < 0 {
		warnings = append(warnings, "watch_interval cannot be negative, disabling watch mode default")
		c.WatchInterval = 0
	}

	// HTTP client defaults
	if c.HTTPClientSettings.Timeout <= 0 {
		c.HTTPClientSettings.Timeout = 30 * time.Second
	}
	if c.HTTPClientSettings.DialerTimeout <= 0 {
		c.HTTPClientSettings.DialerTimeout = 10 * time.Second
	}
	if c.HTTPClientSettings.DialerKeepAlive <= 0 {
		c.HTTPClientSettings.DialerKeepAlive = 30 * time.Second
	}
	if c.HTTPClientSettings.MaxIdleConns <= 0 {
		c.HTTPClientSettings.MaxIdleConns = 100
	}
	if c.HTTPClientSettings.MaxIdleConnsPerHost <= 0 {
		c.HTTPClientSettings.MaxIdleConnsPerHost = 4
	}
	if c.HTTPClientSettings.IdleConnTimeout <= 0 {
		c.HTTPClientSettings.IdleConnTimeout = 90 * time.Second
	}
	if c.HTTPClientSettings.TLSHandshakeTimeout <= 0 {
		c.HTTPClientSettings.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClientSettings.ExpectContinueTimeout <= 0 {
		c.HTTPClientSettings.ExpectContinueTimeout = 1 * time.Second
	}
	if c.HTTPClientSettings.MaxRedirects <= 0 {
		c.HTTPClientSettings.MaxRedirects = 10
	}

	return warnings, nil
}

// Validate checks a single target's configuration.
// Returns warnings and a fatal error if the target cannot be crawled.
func (tc *TargetConfig) Validate(key string) (warnings []string, err error) {
	if len(tc.SeedURLs) == 0 {
		return warnings, utils.WrapErrorf(utils.ErrConfigValidation,
			"target '%s' has no seed_urls", key)
	}
	for i, seed := range tc.SeedURLs {
		parsed, parseErr := url.ParseRequestURI(seed)
		if parseErr != nil {
			return warnings, utils.WrapErrorf(utils.ErrConfigValidation,
				"target '%s' seed #%d ('%s') is not a valid absolute URL", key, i+1, seed)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return warnings, utils.WrapErrorf(utils.ErrConfigValidation,
				"target '%s' seed #%d ('%s') must be http(s)", key, i+1, seed)
		}
	}
	for _, domain := range tc.AllowedDomains {
		if strings.ContainsAny(domain, "/:") {
			warnings = append(warnings, fmt.Sprintf(
				"target '%s': allowed_domains entry '%s' looks like a URL, expected a bare hostname", key, domain))
		}
	}
	if _, compErr := utils.CompileRegexPatterns(tc.ExcludePatterns); compErr != nil {
		return warnings, utils.WrapErrorf(compErr, "target '%s' exclude_patterns", key)
	}
	if tc.MaxDepth != nil && *tc.MaxDepth <= 0 {
		warnings = append(warnings, fmt.Sprintf("target '%s': max_depth override <= 0 ignored", key))
		tc.MaxDepth = nil
	}
	return warnings, nil
}

// DefaultPriorityPatterns returns the path substrings that identify
// high-value application pages.
func DefaultPriorityPatterns() []string {
	return []string{
		"/apply",
		"/admission/apply",
		"/admissions/apply",
		"/application",
		"/apply/first-year",
		"/apply/freshman",
		"/apply/undergraduate",
		"/admission/first-year",
		"/admission/freshman",
		"/how-to-apply",
	}
}

// DefaultPriorityKeywords returns weaker relevance signals for URL paths.
func DefaultPriorityKeywords() []string {
	return []string{
		"admission", "admissions", "apply", "application", "applicant",
		"enroll", "enrollment", "undergraduate", "freshman", "first-year",
		"requirements", "deadlines", "portal",
	}
}
