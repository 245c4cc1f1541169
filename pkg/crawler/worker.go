package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/analyze"
	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/fetch"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// worker runs one pop-fetch-analyze loop until the frontier closes.
func (c *Crawler) worker(workerLog *logrus.Entry) {
	defer c.workerWg.Done()
	workerLog.Info("Worker starting")
	defer workerLog.Info("Worker finished")

	popTimeout := c.appCfg.Queue.PopTimeout
	for {
		select {
		case <-c.crawlCtx.Done():
			workerLog.Warnf("Worker shutting down: %v", c.crawlCtx.Err())
			return
		default:
		}

		task, err := c.frontier.Pop(popTimeout)
		if err != nil {
			if errors.Is(err, utils.ErrQueueClosed) {
				return
			}
			// Timeout: loop back and re-check shutdown.
			continue
		}

		c.processTask(task, workerLog)
	}
}

// processTask drives one task to a terminal state: completed, requeued for
// another attempt, or permanently failed. Exactly one taskWg.Done happens
// per terminal state; a successful Requeue keeps the task outstanding.
func (c *Crawler) processTask(task *models.CrawlTask, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"url": task.URL, "depth": task.Depth})
	start := time.Now()

	c.stats.WorkerActive()
	defer c.stats.WorkerIdle()

	var taskErr error
	retryable := true
	defer func() {
		if r := recover(); r != nil {
			taskErr = fmt.Errorf("panic: %v", r)
			retryable = false
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in processTask")
		}

		duration := time.Since(start).String()
		switch {
		case taskErr == nil:
			c.stats.TaskCompleted()
			c.taskWg.Done()
			taskLog.WithField("duration", duration).Debug("Task completed")
		case retryable:
			task.Attempt++
			requeued, err := c.frontier.Requeue(task)
			if err == nil && requeued {
				taskLog.WithFields(logrus.Fields{"attempt": task.Attempt, "duration": duration}).
					Warnf("Task failed, requeued: %v", taskErr)
				return // Still outstanding, no Done
			}
			fallthrough
		default:
			c.stats.TaskFailed()
			c.taskWg.Done()
			taskLog.WithFields(logrus.Fields{
				"duration": duration,
				"category": utils.CategorizeError(taskErr),
			}).Warnf("Task failed permanently: %v", taskErr)
		}
	}()

	result := c.fetcher.Fetch(c.crawlCtx, task, fetch.FetchOptions{
		UserAgent:       c.targetCfg.UserAgent,
		PerHostInterval: config.EffectivePerHostInterval(c.targetCfg, c.appCfg),
	})
	c.stats.AddBytes(int64(len(result.Body)))

	if result.Err != nil {
		taskErr = result.Err
		retryable = utils.IsTransientFetchError(result.Err)
		return
	}

	analysis, err := c.analyzer.Analyze(c.crawlCtx, result)
	if err != nil {
		// Unparseable HTML does not improve on retry.
		taskErr = err
		retryable = false
		return
	}

	if err := c.store.SavePage(analysis.Record); err != nil {
		taskErr = utils.WrapErrorf(err, "saving page %s", task.URL)
		retryable = true
		return
	}
	c.stats.PageSaved()
	c.countDomainPage(analysis.Record.Host)

	if c.maxPages > 0 && c.stats.PagesSaved() >= int64(c.maxPages) {
		c.coord.Trigger("page_limit")
	}

	c.enqueueDiscoveries(task, analysis.Links, taskLog)
}

// enqueueDiscoveries pushes a page's outbound links, capped per depth tier
// and ordered so the cap keeps the highest-priority candidates.
func (c *Crawler) enqueueDiscoveries(task *models.CrawlTask, links []analyze.ExtractedLink, taskLog *logrus.Entry) {
	nextDepth := task.Depth + 1
	if c.maxDepth > 0 && nextDepth > c.maxDepth {
		return
	}
	if c.coord.State() != models.StateRunning {
		return
	}

	limit := c.appCfg.LinkLimitForDepth(task.Depth)

	// Keep the best links when the per-page cap bites.
	scored := make([]struct {
		link     analyze.ExtractedLink
		priority int
	}, 0, len(links))
	for _, l := range links {
		u, err := url.Parse(l.URL)
		if err != nil {
			continue
		}
		scored = append(scored, struct {
			link     analyze.ExtractedLink
			priority int
		}{l, c.scorer.Score(u)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].priority > scored[j].priority })

	accepted := 0
	for _, s := range scored {
		if limit > 0 && accepted >= limit {
			break
		}
		if c.pushDiscovered(s.link.URL, nextDepth, task.URL) {
			accepted++
		}
	}
	if accepted > 0 {
		taskLog.WithFields(logrus.Fields{"discovered": len(links), "enqueued": accepted}).Debug("Discoveries enqueued")
	}
}
