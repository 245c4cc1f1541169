// Package mcp exposes crawls as MCP tools so LLM agents can start jobs,
// poll their progress, and pull exports.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
)

const (
	serverName    = "scraper"
	serverVersion = "1.0.0"
)

// ServerConfig holds the MCP server's settings.
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server wraps an MCP server around the crawler.
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry
	jobs      *JobManager
}

// NewServer builds the MCP server and registers its tools.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "mcp"),
		jobs:      NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	listTargets := mcp.NewTool("list_targets",
		mcp.WithDescription("List all configured crawl targets"),
	)
	s.mcpServer.AddTool(listTargets, s.handleListTargets)

	startCrawl := mcp.NewTool("start_crawl",
		mcp.WithDescription("Start a background crawl for a configured target. Returns immediately with a job ID."),
		mcp.WithString("target_key",
			mcp.Required(),
			mcp.Description("Target key from the config file (e.g. 'mit', 'oxford')"),
		),
		mcp.WithBoolean("resume",
			mcp.Description("Resume from existing crawl state instead of starting fresh"),
		),
	)
	s.mcpServer.AddTool(startCrawl, s.handleStartCrawl)

	jobStatus := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and progress of a crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_crawl"),
		),
	)
	s.mcpServer.AddTool(jobStatus, s.handleGetJobStatus)

	listJobs := mcp.NewTool("list_jobs",
		mcp.WithDescription("List all crawl jobs started by this server"),
	)
	s.mcpServer.AddTool(listJobs, s.handleListJobs)

	cancelJob := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a running crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID to cancel"),
		),
	)
	s.mcpServer.AddTool(cancelJob, s.handleCancelJob)

	exportResults := mcp.NewTool("export_results",
		mcp.WithDescription("Export a target's crawl results to a file. The target must not have a running job."),
		mcp.WithString("target_key",
			mcp.Required(),
			mcp.Description("Target whose stored results to export"),
		),
		mcp.WithString("format",
			mcp.Description("Export format: json, jsonl, csv, summary, or report (default: json)"),
		),
	)
	s.mcpServer.AddTool(exportResults, s.handleExportResults)

	s.log.Info("Registered 6 MCP tools")
}

// Run serves MCP over the configured transport and blocks.
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return server.NewSSEServer(s.mcpServer).Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels any running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server")
	s.jobs.CancelAll()
	return nil
}
