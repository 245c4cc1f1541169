package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/GhoulBiter/scraper/pkg/analyze"
	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/crawler"
	"github.com/GhoulBiter/scraper/pkg/export"
	"github.com/GhoulBiter/scraper/pkg/fetch"
	"github.com/GhoulBiter/scraper/pkg/storage"
)

const progressInterval = 2 * time.Second

// handleListTargets handles the list_targets tool.
func (s *Server) handleListTargets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := make([]string, 0, len(s.cfg.AppConfig.Targets))
	for k := range s.cfg.AppConfig.Targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	targets := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		tc := s.cfg.AppConfig.Targets[key]
		info := map[string]interface{}{
			"key":        key,
			"name":       tc.Name,
			"seed_count": len(tc.SeedURLs),
			"max_depth":  config.EffectiveMaxDepth(tc, s.cfg.AppConfig),
			"ai_enabled": config.EffectiveEvaluatorEnabled(tc, s.cfg.AppConfig),
		}
		if s.jobs.IsRunning(key) {
			info["status"] = "running"
		}
		targets = append(targets, info)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"targets":       targets,
		"total_targets": len(targets),
		"config_path":   s.cfg.ConfigPath,
	})), nil
}

// handleStartCrawl handles the start_crawl tool.
func (s *Server) handleStartCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetKey := request.GetString("target_key", "")
	if targetKey == "" {
		return mcp.NewToolResultError("target_key parameter is required"), nil
	}
	resume := request.GetBool("resume", false)

	tc, ok := s.cfg.AppConfig.Targets[targetKey]
	if !ok {
		keys := make([]string, 0, len(s.cfg.AppConfig.Targets))
		for k := range s.cfg.AppConfig.Targets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return mcp.NewToolResultError(fmt.Sprintf("target %q not found; available targets: %v", targetKey, keys)), nil
	}

	if s.jobs.IsRunning(targetKey) {
		existing := s.jobs.JobForTarget(targetKey)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"status":     "already_running",
			"message":    "A crawl is already in progress for this target",
			"job_id":     existing.ID,
			"target_key": targetKey,
		})), nil
	}

	job := s.jobs.CreateJob(targetKey)
	go s.runCrawlJob(job, tc, targetKey, resume)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":     "started",
		"job_id":     job.ID,
		"target_key": targetKey,
		"resume":     resume,
	})), nil
}

// handleGetJobStatus handles the get_job_status tool.
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job := s.jobs.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job %q not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobInfo(job))), nil
}

// handleListJobs handles the list_jobs tool.
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobs.ListJobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })

	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobInfo(job))
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"jobs":       out,
		"total_jobs": len(out),
	})), nil
}

// handleCancelJob handles the cancel_job tool.
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if !s.jobs.CancelJob(jobID) {
		return mcp.NewToolResultError(fmt.Sprintf("job %q not found or already finished", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status": "cancelled",
		"job_id": jobID,
	})), nil
}

// handleExportResults handles the export_results tool. It reads the
// target's stored pages directly, so the target must not be mid-crawl.
func (s *Server) handleExportResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetKey := request.GetString("target_key", "")
	if targetKey == "" {
		return mcp.NewToolResultError("target_key parameter is required"), nil
	}
	format := request.GetString("format", "json")

	tc, ok := s.cfg.AppConfig.Targets[targetKey]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("target %q not found", targetKey)), nil
	}
	if s.jobs.IsRunning(targetKey) {
		return mcp.NewToolResultError(fmt.Sprintf("target %q has a running crawl job; wait for it to finish", targetKey)), nil
	}

	store, err := storage.NewBadgerStore(ctx, s.cfg.AppConfig.StateDir, targetKey, true, s.log)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("opening store: %v", err)), nil
	}
	defer store.Close()

	targetName := tc.Name
	if targetName == "" {
		targetName = targetKey
	}
	exporter := export.NewExporter(store, nil, s.cfg.AppConfig.OutputDir, targetKey, targetName, export.LatestFinal(store, targetKey), s.log)
	path, err := exporter.Export(format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
	}

	count, _ := store.PageCount()
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":     "exported",
		"target_key": targetKey,
		"format":     format,
		"path":       path,
		"pages":      count,
	})), nil
}

// runCrawlJob executes one crawl in the background and keeps the job
// record current.
func (s *Server) runCrawlJob(job *Job, tc config.TargetConfig, targetKey string, resume bool) {
	s.jobs.UpdateStatus(job.ID, JobStatusRunning, "")
	jobCtx := s.jobs.Context(job.ID)
	appCfg := s.cfg.AppConfig

	store, err := storage.NewBadgerStore(jobCtx, appCfg.StateDir, targetKey, resume, s.log)
	if err != nil {
		s.jobs.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("opening store: %v", err))
		return
	}
	defer store.Close()

	client := fetch.NewClient(appCfg.HTTPClientSettings, s.log.Logger)
	limiter := fetch.NewRateLimiter(appCfg.DefaultPerHostInterval, appCfg.MaxPerHostInterval, appCfg.GlobalRatePerSecond, s.log.Logger)
	hostSems := fetch.NewHostSemaphorePool(appCfg.MaxRequestsPerHost, s.log)
	fetcher := fetch.NewFetcher(client, appCfg, limiter, hostSems, s.log.Logger)

	var robots *fetch.RobotsHandler
	if appCfg.RespectRobotsEnabled() {
		robots = fetch.NewRobotsHandler(fetcher, nil, appCfg, s.log)
		fetcher.SetRobots(robots)
	}

	var evaluator analyze.Evaluator
	if config.EffectiveEvaluatorEnabled(tc, appCfg) {
		ev, evErr := analyze.NewLLMEvaluator(appCfg.Evaluator, nil, s.log)
		if evErr != nil {
			s.log.WithError(evErr).Warn("AI evaluator unavailable for MCP job, crawling with heuristics only")
		} else {
			evaluator = ev
		}
	}

	crawlCtx, cancelCrawl := context.WithCancel(jobCtx)
	defer cancelCrawl()

	c, err := crawler.NewCrawler(appCfg, tc, targetKey, s.log, store, fetcher, robots, evaluator, crawlCtx, cancelCrawl)
	if err != nil {
		s.jobs.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("building crawler: %v", err))
		return
	}
	s.jobs.SetRun(job.ID, c.RunID())

	// Progress sampler; stops with the crawl context.
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-crawlCtx.Done():
				return
			case <-ticker.C:
				stats := c.Stats()
				pending := stats.TasksEnqueued() - stats.TasksCompleted() - stats.TasksFailed()
				s.jobs.UpdateProgress(job.ID, stats.PagesSaved(), pending)
			}
		}
	}()

	run, err := c.Run()
	stats := c.Stats()
	s.jobs.UpdateProgress(job.ID, stats.PagesSaved(), 0)

	// CancelJob may have already moved the job to a terminal state.
	if current := s.jobs.GetJob(job.ID); current != nil && !current.live() {
		return
	}
	if err != nil {
		s.jobs.UpdateStatus(job.ID, JobStatusFailed, err.Error())
		return
	}
	s.jobs.SetReason(job.ID, run.Reason)
	s.jobs.UpdateStatus(job.ID, JobStatusCompleted, "")
}

func jobInfo(job *Job) map[string]interface{} {
	info := map[string]interface{}{
		"job_id":        job.ID,
		"target_key":    job.TargetKey,
		"status":        job.Status,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"pages_saved":   job.PagesSaved,
		"tasks_pending": job.TasksPending,
	}
	if job.RunID != "" {
		info["run_id"] = job.RunID
	}
	if job.Reason != "" {
		info["reason"] = job.Reason
	}
	if !job.CompletedAt.IsZero() {
		info["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		info["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		info["error_message"] = job.ErrorMessage
	}
	return info
}

// formatJSON renders a tool result payload as indented JSON.
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
