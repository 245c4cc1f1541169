// Package orchestrate runs crawls for several targets in parallel while
// sharing the transport-level resources (connection pool, rate limiter,
// per-host semaphores) that keep the whole process polite.
package orchestrate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/analyze"
	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/crawler"
	"github.com/GhoulBiter/scraper/pkg/export"
	"github.com/GhoulBiter/scraper/pkg/fetch"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/shutdown"
	"github.com/GhoulBiter/scraper/pkg/storage"
)

// Result is the outcome of one target's crawl.
type Result struct {
	TargetKey   string
	RunID       string
	Reason      string
	PagesSaved  int64
	TasksFailed int64
	EvalCostUSD float64
	Duration    time.Duration
	Exports     []string
	Err         error
}

// Orchestrator crawls multiple targets concurrently. The HTTP client, rate
// limiter, and host semaphore pool are shared so targets on overlapping
// hosts still observe one politeness budget; stores and crawl state are
// per-target.
type Orchestrator struct {
	appCfg     *config.AppConfig
	targetKeys []string
	resume     bool
	log        *logrus.Entry

	client   *http.Client
	limiter  *fetch.RateLimiter
	hostSems *fetch.HostSemaphorePool

	coordMu sync.Mutex
	coords  map[string]*shutdown.Coordinator

	cancelMu sync.Mutex
	cancels  []context.CancelFunc
}

// New builds an orchestrator for the given target keys.
func New(appCfg *config.AppConfig, targetKeys []string, resume bool, log *logrus.Entry) *Orchestrator {
	client := fetch.NewClient(appCfg.HTTPClientSettings, log.Logger)
	limiter := fetch.NewRateLimiter(appCfg.DefaultPerHostInterval, appCfg.MaxPerHostInterval, appCfg.GlobalRatePerSecond, log.Logger)
	hostSems := fetch.NewHostSemaphorePool(appCfg.MaxRequestsPerHost, log)

	return &Orchestrator{
		appCfg:     appCfg,
		targetKeys: targetKeys,
		resume:     resume,
		log:        log,
		client:     client,
		limiter:    limiter,
		hostSems:   hostSems,
		coords:     make(map[string]*shutdown.Coordinator),
	}
}

// Run crawls every configured target and blocks until all finish. ctx
// cancellation aborts in-flight work; use Drain for a graceful stop.
func (o *Orchestrator) Run(ctx context.Context) []Result {
	start := time.Now()
	o.log.Infof("Starting parallel crawl of %d target(s): %v", len(o.targetKeys), o.targetKeys)

	if o.appCfg.GlobalCrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.appCfg.GlobalCrawlTimeout)
		defer cancel()
	}

	results := make([]Result, len(o.targetKeys))
	var wg sync.WaitGroup
	for i, key := range o.targetKeys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = o.crawlTarget(ctx, key)
		}(i, key)
	}
	wg.Wait()

	o.logSummary(results, time.Since(start))
	return results
}

// crawlTarget runs one target end to end: store, crawler, export.
func (o *Orchestrator) crawlTarget(ctx context.Context, key string) Result {
	start := time.Now()
	result := Result{TargetKey: key}
	tlog := o.log.WithField("target", key)

	tc, ok := o.appCfg.Targets[key]
	if !ok {
		result.Err = fmt.Errorf("target %q not found in configuration", key)
		return result
	}

	targetCtx, targetCancel := context.WithCancel(ctx)
	defer targetCancel()
	o.registerCancel(targetCancel)

	store, err := storage.NewBadgerStore(targetCtx, o.appCfg.StateDir, key, o.resume, tlog)
	if err != nil {
		result.Err = fmt.Errorf("opening store for target %q: %w", key, err)
		return result
	}
	defer store.Close()

	// Fetcher and robots handler are per-target: the robots cache carries a
	// per-target sitemap notifier. Transport internals stay shared.
	fetcher := fetch.NewFetcher(o.client, o.appCfg, o.limiter, o.hostSems, o.log.Logger)
	var robots *fetch.RobotsHandler
	if o.appCfg.RespectRobotsEnabled() {
		robots = fetch.NewRobotsHandler(fetcher, nil, o.appCfg, tlog)
		fetcher.SetRobots(robots)
	}

	var evaluator analyze.Evaluator
	if config.EffectiveEvaluatorEnabled(tc, o.appCfg) {
		ev, evErr := analyze.NewLLMEvaluator(o.appCfg.Evaluator, nil, tlog)
		if evErr != nil {
			tlog.WithError(evErr).Warn("AI evaluator unavailable, crawling with heuristics only")
		} else {
			evaluator = ev
		}
	}

	c, err := crawler.NewCrawler(o.appCfg, tc, key, o.log, store, fetcher, robots, evaluator, targetCtx, targetCancel)
	if err != nil {
		result.Err = fmt.Errorf("building crawler for target %q: %w", key, err)
		return result
	}
	o.registerCoordinator(key, c.Coordinator())
	defer o.unregisterCoordinator(key)

	run, err := c.Run()
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	result.RunID = run.ID
	result.Reason = run.Reason
	if run.Final != nil {
		result.PagesSaved = run.Final.PagesSaved
		result.TasksFailed = run.Final.TasksFailed
		result.EvalCostUSD = run.Final.EvalCostUSD
	}

	targetName := tc.Name
	if targetName == "" {
		targetName = key
	}
	result.Exports = o.exportTarget(store, c.Coordinator(), key, targetName, run.Final, tlog)
	result.Duration = time.Since(start)
	return result
}

// exportTarget writes the configured export formats once a run has stopped.
// Export failures are logged, never fatal; the crawl data stays in the store.
func (o *Orchestrator) exportTarget(store storage.Store, state export.StateReader, key, name string, final *models.StatsSnapshot, tlog *logrus.Entry) []string {
	exporter := export.NewExporter(store, state, o.appCfg.OutputDir, key, name, final, tlog)
	var paths []string
	for _, format := range o.appCfg.ExportFormats {
		path, err := exporter.Export(format)
		if err != nil {
			tlog.WithError(err).WithField("format", format).Error("Export failed")
			continue
		}
		tlog.WithFields(logrus.Fields{"format": format, "path": path}).Info("Export written")
		paths = append(paths, path)
	}
	return paths
}

// registerCoordinator tracks a live crawl so Drain can reach it.
func (o *Orchestrator) registerCoordinator(key string, coord *shutdown.Coordinator) {
	o.coordMu.Lock()
	o.coords[key] = coord
	o.coordMu.Unlock()
}

func (o *Orchestrator) unregisterCoordinator(key string) {
	o.coordMu.Lock()
	delete(o.coords, key)
	o.coordMu.Unlock()
}

func (o *Orchestrator) registerCancel(cancel context.CancelFunc) {
	o.cancelMu.Lock()
	o.cancels = append(o.cancels, cancel)
	o.cancelMu.Unlock()
}

// Drain asks every live crawl to stop accepting work and finish in-flight
// tasks.
func (o *Orchestrator) Drain(reason string) {
	o.coordMu.Lock()
	defer o.coordMu.Unlock()
	for _, coord := range o.coords {
		coord.Trigger(reason)
	}
}

// Cancel aborts all in-flight work immediately.
func (o *Orchestrator) Cancel() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	for _, cancel := range o.cancels {
		cancel()
	}
}

// logSummary prints one line per target plus process totals.
func (o *Orchestrator) logSummary(results []Result, total time.Duration) {
	var pages, failed int64
	var cost float64
	success := 0
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "error"
		} else {
			success++
		}
		pages += r.PagesSaved
		failed += r.TasksFailed
		cost += r.EvalCostUSD

		entry := o.log.WithFields(logrus.Fields{
			"target":   r.TargetKey,
			"status":   status,
			"reason":   r.Reason,
			"pages":    r.PagesSaved,
			"duration": r.Duration.String(),
		})
		if r.Err != nil {
			entry.WithError(r.Err).Error("Target crawl failed")
		} else {
			entry.Info("Target crawl finished")
		}
	}
	o.log.WithFields(logrus.Fields{
		"targets":       len(results),
		"succeeded":     success,
		"pages_saved":   pages,
		"tasks_failed":  failed,
		"eval_cost_usd": fmt.Sprintf("%.4f", cost),
		"duration":      total.String(),
	}).Info("Parallel crawl complete")
}

// ValidateTargetKeys checks that every requested key exists in the config.
func ValidateTargetKeys(appCfg *config.AppConfig, keys []string) error {
	for _, key := range keys {
		if _, ok := appCfg.Targets[key]; !ok {
			return fmt.Errorf("target %q not found; available targets: %v", key, AllTargetKeys(appCfg))
		}
	}
	return nil
}

// AllTargetKeys returns every configured target key.
func AllTargetKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Targets))
	for k := range appCfg.Targets {
		keys = append(keys, k)
	}
	return keys
}
