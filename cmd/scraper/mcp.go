package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand.
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport: stdio or sse")
	port := fs.Int("port", 8765, "Port for SSE transport")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper mcp-server [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scraper mcp-server -config config.yaml\n")
		fmt.Fprintf(os.Stderr, "  scraper mcp-server -transport sse -port 8765\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr))
}

// doMcpServer loads config and serves MCP until a signal or transport error.
// The stdio transport owns stdout, so all logging goes to errOut.
func doMcpServer(configPath, transport string, port int, logLevel string, errOut io.Writer) int {
	log := logrus.New()
	log.SetOutput(errOut)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("Invalid log level %q, using 'info'", logLevel)
	}

	cfg, warnings, err := config.Load(configPath)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}

	srv, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  cfg,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     log,
	})
	if err != nil {
		log.Errorf("Failed to create MCP server: %v", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal %v, shutting down MCP server", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("Shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := srv.Run(); err != nil {
		log.Errorf("MCP server error: %v", err)
		return 1
	}
	return 0
}
