// Package crawler orchestrates one crawl run for a single target: seeding,
// the worker pool, discovery policy, and the shutdown sequence.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/analyze"
	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/fetch"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/monitor"
	"github.com/GhoulBiter/scraper/pkg/parse"
	"github.com/GhoulBiter/scraper/pkg/queue"
	"github.com/GhoulBiter/scraper/pkg/shutdown"
	"github.com/GhoulBiter/scraper/pkg/sitemap"
	"github.com/GhoulBiter/scraper/pkg/storage"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

const storeGCInterval = 5 * time.Minute

// Crawler runs the crawl of a single configured target. Construction wires
// the shared infrastructure (fetcher, store, limiter) to the per-run pieces
// (frontier, coordinator, monitor, analyzer).
type Crawler struct {
	log       *logrus.Entry
	appCfg    *config.AppConfig
	targetCfg config.TargetConfig
	targetKey string

	store    storage.Store
	frontier *queue.Frontier
	fetcher  *fetch.Fetcher
	robots   *fetch.RobotsHandler
	analyzer *analyze.Analyzer
	scorer   *parse.PriorityScorer
	seeder   *sitemap.Seeder
	coord    *shutdown.Coordinator
	mon      *monitor.Monitor
	stats    *models.CrawlStats

	excludePatterns []*regexp.Regexp
	scopeDomains    []string // Registrable bases derived from seeds or allowed_domains

	// Discovery/termination limits
	maxDepth          int
	maxPages          int
	maxPagesPerDomain int

	domainMu    sync.Mutex
	domainPages map[string]int

	// One outstanding count per accepted task; Run waits on it for
	// exhaustion. Close discards count against it too.
	taskWg   sync.WaitGroup
	workerWg sync.WaitGroup

	crawlCtx    context.Context
	cancelCrawl context.CancelFunc
	runID       string
}

// NewCrawler wires up a crawl for one target. fetcher and store are shared
// infrastructure owned by the caller; everything per-run is created here.
func NewCrawler(
	appCfg *config.AppConfig,
	targetCfg config.TargetConfig,
	targetKey string,
	baseLogger *logrus.Entry,
	store storage.Store,
	fetcher *fetch.Fetcher,
	robots *fetch.RobotsHandler,
	evaluator analyze.Evaluator,
	crawlCtx context.Context,
	cancelCrawl context.CancelFunc,
) (*Crawler, error) {
	logger := baseLogger.WithField("target", targetKey)

	patterns := append([]string{}, appCfg.ExcludePatterns...)
	patterns = append(patterns, targetCfg.ExcludePatterns...)
	excludePatterns, err := utils.CompileRegexPatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns for target %q: %w", targetKey, err)
	}

	scopeDomains, err := resolveScope(targetCfg)
	if err != nil {
		return nil, err
	}

	stats := models.NewCrawlStats()
	if binder, ok := evaluator.(interface{ BindStats(*models.CrawlStats) }); ok {
		binder.BindStats(stats)
	}
	coord := shutdown.NewCoordinator(appCfg.DrainDeadline, cancelCrawl, logger)

	onFull := queue.FullBlock
	if appCfg.Queue.FullBehavior == "reject" {
		onFull = queue.FullReject
	}
	frontier := queue.NewFrontier(appCfg.Queue.Capacity, onFull, appCfg.MaxTaskAttempts, store, coord, stats, logger)

	runID := uuid.NewString()
	mon := monitor.New(appCfg.Monitor, stats, frontier, store, runID, logger)

	targetName := targetCfg.Name
	if targetName == "" {
		targetName = targetKey
	}

	var snippets *analyze.SnippetBuilder
	if evaluator != nil {
		snippets, err = analyze.NewSnippetBuilder(appCfg.Evaluator.TokenizerEnc, appCfg.Evaluator.SnippetTokens)
		if err != nil {
			logger.WithError(err).Warn("Snippet builder unavailable, evaluating without page content")
		}
	}
	classifier := analyze.NewHeuristicClassifier(appCfg.PriorityPatterns, appCfg.PriorityKeywords, appCfg.Evaluator.MinHeuristicHits, logger)
	analyzer := analyze.NewAnalyzer(classifier, snippets, analyze.NewLinkExtractor(logger), evaluator, targetName, targetKey, logger)

	c := &Crawler{
		log:               logger,
		appCfg:            appCfg,
		targetCfg:         targetCfg,
		targetKey:         targetKey,
		store:             store,
		frontier:          frontier,
		fetcher:           fetcher,
		robots:            robots,
		analyzer:          analyzer,
		scorer:            parse.NewPriorityScorer(appCfg.PriorityPatterns, appCfg.PriorityKeywords),
		coord:             coord,
		mon:               mon,
		stats:             stats,
		excludePatterns:   excludePatterns,
		scopeDomains:      scopeDomains,
		maxDepth:          config.EffectiveMaxDepth(targetCfg, appCfg),
		maxPages:          config.EffectiveMaxPages(targetCfg, appCfg),
		maxPagesPerDomain: config.EffectiveMaxPagesPerDomain(targetCfg, appCfg),
		domainPages:       make(map[string]int),
		crawlCtx:          crawlCtx,
		cancelCrawl:       cancelCrawl,
		runID:             runID,
	}
	c.seeder = sitemap.NewSeeder(fetcher, c.pushDiscovered, config.EffectivePerHostInterval(targetCfg, appCfg), logger)
	return c, nil
}

// Coordinator exposes the run's lifecycle for signal wiring by the caller.
func (c *Crawler) Coordinator() *shutdown.Coordinator { return c.coord }

// RunID returns the uuid of this crawl run.
func (c *Crawler) RunID() string { return c.runID }

// Stats returns the run's live counters.
func (c *Crawler) Stats() *models.CrawlStats { return c.stats }

// resolveScope derives the in-scope domain bases. Explicit allowed_domains
// win; otherwise seed hosts (minus "www.") define the scope, admitting
// related subdomains.
func resolveScope(tc config.TargetConfig) ([]string, error) {
	if len(tc.AllowedDomains) > 0 {
		out := make([]string, len(tc.AllowedDomains))
		for i, d := range tc.AllowedDomains {
			out[i] = strings.ToLower(strings.TrimPrefix(d, "www."))
		}
		return out, nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, seed := range tc.SeedURLs {
		u, err := url.ParseRequestURI(seed)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid seed URL %q: %w", utils.ErrConfigValidation, seed, err)
		}
		base := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
		if base != "" && !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: target has no usable seed URLs", utils.ErrConfigValidation)
	}
	return out, nil
}

// inScope reports whether host belongs to the target: an exact scope domain
// or any subdomain of one.
func (c *Crawler) inScope(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, base := range c.scopeDomains {
		if host == base || strings.HasSuffix(host, "."+base) {
			return true
		}
	}
	return false
}

// Run executes the crawl and blocks until it reaches Stopped. The returned
// RunRecord carries the terminal reason and final counters.
func (c *Crawler) Run() (*models.RunRecord, error) {
	start := time.Now()
	run := &models.RunRecord{
		ID:        c.runID,
		TargetKey: c.targetKey,
		Seeds:     c.targetCfg.SeedURLs,
		StartedAt: start,
	}
	if err := c.store.SaveRun(run); err != nil {
		c.log.WithError(err).Warn("Failed to persist run record at start")
	}

	seeds := c.validateSeeds()
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no valid in-scope seed URLs for target %q", utils.ErrConfigValidation, c.targetKey)
	}

	c.coord.OnFlush(c.store.Sync)
	go c.store.RunGC(c.crawlCtx, storeGCInterval)
	c.mon.Start(c.crawlCtx)

	// Initial robots fetch; robots.txt sitemap discovery feeds the seeder.
	if c.robots != nil {
		c.robots.SetSitemapNotifier(c.seeder)
		c.robots.GetRobotsData(c.crawlCtx, seeds[0])
	}

	c.log.Infof("Crawl starting with %d worker(s)", c.appCfg.NumWorkers)
	for i := 1; i <= c.appCfg.NumWorkers; i++ {
		c.workerWg.Add(1)
		go c.worker(c.log.WithField("worker_id", i))
	}

	// Drain watcher: the moment the run leaves Running, discard queued
	// tasks so the WaitGroup can settle with only in-flight work.
	go func() {
		select {
		case <-c.coord.Draining():
			discarded := c.frontier.Close()
			if discarded > 0 {
				c.log.Warnf("Discarded %d queued tasks on drain", discarded)
				c.taskWg.Add(-discarded)
			}
		case <-c.crawlCtx.Done():
		}
	}()

	// Seed the frontier.
	for _, seedURL := range seeds {
		c.pushDiscovered(seedURL.String(), 0, "")
	}
	if c.sitemapSeedingEnabled() {
		c.seeder.Seed(c.crawlCtx)
	}

	// Waiter: when every accepted task has reached a terminal state, the
	// crawl is exhausted.
	exhausted := make(chan struct{})
	go func() {
		c.taskWg.Wait()
		close(exhausted)
	}()

	select {
	case <-exhausted:
		c.coord.Trigger("exhausted")
	case <-c.coord.Draining():
		<-exhausted // Queued tasks were discarded; wait for in-flight only
	case <-c.crawlCtx.Done():
		c.coord.Trigger("deadline")
	}

	// Close releases workers blocked in Pop. Idempotent if the drain
	// watcher got there first.
	if discarded := c.frontier.Close(); discarded > 0 {
		c.taskWg.Add(-discarded)
	}
	c.workerWg.Wait()

	c.mon.Stop()
	c.coord.Finish(c.coord.Reason())

	final := c.mon.Latest()
	run.EndedAt = time.Now()
	run.Reason = c.coord.Reason()
	run.Final = &final
	if err := c.store.SaveRun(run); err != nil {
		c.log.WithError(err).Warn("Failed to persist final run record")
	}

	c.log.WithFields(logrus.Fields{
		"duration":  time.Since(start).String(),
		"completed": final.TasksCompleted,
		"failed":    final.TasksFailed,
		"saved":     final.PagesSaved,
		"reason":    run.Reason,
	}).Info("Crawl finished")
	return run, nil
}

// validateSeeds parses the configured seed URLs and drops malformed,
// duplicate, or out-of-scope entries.
func (c *Crawler) validateSeeds() []*url.URL {
	var out []*url.URL
	seen := make(map[string]bool)
	for _, raw := range c.targetCfg.SeedURLs {
		seedLog := c.log.WithField("url", raw)
		if seen[raw] {
			seedLog.Warn("Duplicate seed URL, skipping")
			continue
		}
		seen[raw] = true
		u, err := url.ParseRequestURI(raw)
		if err != nil {
			seedLog.Warnf("Invalid seed URL: %v", err)
			continue
		}
		if !c.inScope(u.Hostname()) {
			seedLog.Warn("Seed URL out of scope, skipping")
			continue
		}
		out = append(out, u)
	}
	return out
}

func (c *Crawler) sitemapSeedingEnabled() bool {
	return config.EffectiveSeedFromSitemaps(c.targetCfg, c.appCfg)
}

// pushDiscovered applies the discovery policy to one URL and pushes it.
// Returns true when the task was accepted. Also the sitemap seeder's sink.
func (c *Crawler) pushDiscovered(rawURL string, depth int, discoveredFrom string) bool {
	normalized, u, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return false
	}
	if !parse.IsCrawlableURL(u) || parse.IsSuspiciousURL(u) {
		return false
	}
	if !c.inScope(u.Hostname()) {
		return false
	}
	if utils.MatchesAny(rawURL, c.excludePatterns) {
		return false
	}
	if c.domainCapReached(u.Hostname()) {
		return false
	}

	priority := c.scorer.Score(u)
	if c.mon.RecommendBackpressure() && priority < parse.PriorityPathPattern {
		// Error rate is high: shed low-value discoveries, keep the ladder's
		// top bands flowing.
		return false
	}

	task := &models.CrawlTask{
		URL:            rawURL,
		NormalizedURL:  normalized,
		Depth:          depth,
		Priority:       priority,
		DiscoveredFrom: discoveredFrom,
	}
	c.taskWg.Add(1)
	accepted, err := c.frontier.Push(task)
	if err != nil || !accepted {
		c.taskWg.Done()
		return false
	}
	return true
}

// domainCapReached checks the per-domain saved-page cap.
func (c *Crawler) domainCapReached(host string) bool {
	if c.maxPagesPerDomain <= 0 {
		return false
	}
	c.domainMu.Lock()
	defer c.domainMu.Unlock()
	return c.domainPages[strings.ToLower(host)] >= c.maxPagesPerDomain
}

func (c *Crawler) countDomainPage(host string) {
	c.domainMu.Lock()
	c.domainPages[strings.ToLower(host)]++
	c.domainMu.Unlock()
}
