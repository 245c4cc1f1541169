package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/export"
	"github.com/GhoulBiter/scraper/pkg/orchestrate"
	"github.com/GhoulBiter/scraper/pkg/storage"
	"github.com/GhoulBiter/scraper/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-targets":
		runListTargets(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("scraper %s\n", version)
	case "-h", "--help", "help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `scraper - university application page crawler

Usage:
  scraper <command> [options]

Commands:
  crawl         Crawl one or more configured targets
  export        Export stored crawl results to files
  watch         Re-crawl targets on a schedule
  validate      Validate the configuration file
  list-targets  List configured target keys
  mcp-server    Start MCP server for AI tool integration
  version       Show version info

Run 'scraper <command> -h' for command-specific help.`)
}

// setupLogger builds the process logger with a millisecond-timestamp text
// format. An unknown level name falls back to info with a warning.
func setupLogger(levelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		log.Warnf("Invalid log level %q, using 'info'", levelStr)
	} else {
		log.SetLevel(level)
	}
	return log
}

// loadAppConfig loads and validates the config file, logging warnings.
func loadAppConfig(path string, log *logrus.Logger) *config.AppConfig {
	log.Infof("Loading configuration from %s", path)
	cfg, warnings, err := config.Load(path)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return cfg
}

// resolveTargetKeys turns the -target/-targets/--all-targets flags into a
// validated key list.
func resolveTargetKeys(cfg *config.AppConfig, single, multi string, all bool, log *logrus.Logger) []string {
	var keys []string
	switch {
	case all:
		keys = orchestrate.AllTargetKeys(cfg)
		sort.Strings(keys)
		log.Infof("All-targets mode: %d target(s)", len(keys))
	case multi != "":
		for _, k := range strings.Split(multi, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	case single != "":
		keys = []string{single}
	}
	if len(keys) == 0 {
		log.Fatal("One of -target, -targets, or --all-targets is required")
	}
	if err := orchestrate.ValidateTargetKeys(cfg, keys); err != nil {
		log.Fatalf("Invalid target keys: %v", err)
	}
	for _, key := range keys {
		tc := cfg.Targets[key]
		warnings, err := tc.Validate(key)
		if err != nil {
			log.Fatalf("Target %q configuration error: %v", key, err)
		}
		for _, w := range warnings {
			log.Warnf("[%s] %s", key, w)
		}
	}
	return keys
}

// startPprof starts the pprof HTTP listener when addr is set.
func startPprof(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	go func() {
		log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("pprof server error: %v", err)
		}
	}()
}

// runCrawl handles the crawl subcommand.
func runCrawl(args []string) {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	target := fs.String("target", "", "Target key from config (single target)")
	targets := fs.String("targets", "", "Comma-separated target keys for parallel crawling")
	allTargets := fs.Bool("all-targets", false, "Crawl all configured targets in parallel")
	resume := fs.Bool("resume", false, "Resume from existing crawl state")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper crawl [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scraper crawl -target mit\n")
		fmt.Fprintf(os.Stderr, "  scraper crawl -targets mit,oxford\n")
		fmt.Fprintf(os.Stderr, "  scraper crawl --all-targets -resume\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)

	log := setupLogger(*logLevel)
	cfg := loadAppConfig(*configFile, log)
	keys := resolveTargetKeys(cfg, *target, *targets, *allTargets, log)
	startPprof(*pprofAddr, log)

	orch := orchestrate.New(cfg, keys, *resume, log.WithField("component", "crawl"))

	// First signal drains (finish in-flight, flush, export); second aborts.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal %v, draining crawls...", sig)
		orch.Drain("signal")
		sig = <-sigChan
		log.Warnf("Received second signal %v, aborting", sig)
		orch.Cancel()
	}()

	results := orch.Run(context.Background())
	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
}

// runExport handles the export subcommand: render artifacts from a target's
// stored pages without crawling.
func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	target := fs.String("target", "", "Target key whose stored results to export")
	formats := fs.String("formats", "", "Comma-separated formats: json, jsonl, csv, summary, report (default: config export_formats)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper export [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scraper export -target mit\n")
		fmt.Fprintf(os.Stderr, "  scraper export -target mit -formats csv,report\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *target == "" {
		fmt.Fprintln(os.Stderr, "Error: -target is required")
		fs.Usage()
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	cfg := loadAppConfig(*configFile, log)

	tc, ok := cfg.Targets[*target]
	if !ok {
		log.Fatalf("Target %q not found in config", *target)
	}

	formatList := cfg.ExportFormats
	if *formats != "" {
		formatList = nil
		for _, f := range strings.Split(*formats, ",") {
			if f = strings.TrimSpace(f); f != "" {
				formatList = append(formatList, f)
			}
		}
	}

	logEntry := log.WithField("component", "export")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the existing state rather than wiping it.
	store, err := storage.NewBadgerStore(ctx, cfg.StateDir, *target, true, logEntry)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	targetName := tc.Name
	if targetName == "" {
		targetName = *target
	}
	exporter := export.NewExporter(store, nil, cfg.OutputDir, *target, targetName, export.LatestFinal(store, *target), logEntry)

	failed := false
	for _, format := range formatList {
		path, err := exporter.Export(format)
		if err != nil {
			log.Errorf("Export %s failed: %v", format, err)
			failed = true
			continue
		}
		log.Infof("Wrote %s export: %s", format, path)
	}
	if failed {
		os.Exit(1)
	}
}

// runWatch handles the watch subcommand.
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	target := fs.String("target", "", "Target key from config (single target)")
	targets := fs.String("targets", "", "Comma-separated target keys")
	allTargets := fs.Bool("all-targets", false, "Watch all configured targets")
	interval := fs.String("interval", "", "Crawl interval (e.g. 30m, 12h, 7d; default: config watch_interval or 24h)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scraper watch -target mit -interval 24h\n")
		fmt.Fprintf(os.Stderr, "  scraper watch --all-targets -interval 7d\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	cfg := loadAppConfig(*configFile, log)
	keys := resolveTargetKeys(cfg, *target, *targets, *allTargets, log)

	crawlInterval := cfg.WatchInterval
	if *interval != "" {
		parsed, err := watch.ParseInterval(*interval)
		if err != nil {
			log.Fatalf("Invalid interval: %v", err)
		}
		crawlInterval = parsed
	}
	if crawlInterval <= 0 {
		crawlInterval = 24 * time.Hour
	}

	scheduler := watch.NewScheduler(cfg, keys, crawlInterval, log.WithField("component", "watch"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal %v, stopping watch...", sig)
		scheduler.Stop()
	}()

	if err := scheduler.Run(); err != nil {
		log.Fatalf("Watch scheduler error: %v", err)
	}
	log.Info("Watch mode stopped")
}

// runValidate handles the validate subcommand.
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	target := fs.String("target", "", "Target key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, *target, os.Stdout, os.Stderr))
}

// doValidate checks the app config plus one or all targets; 0 exit on
// success.
func doValidate(configPath, targetKey string, stdout, stderr io.Writer) int {
	cfg, warnings, err := config.Load(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	keys := make([]string, 0, len(cfg.Targets))
	if targetKey != "" {
		if _, ok := cfg.Targets[targetKey]; !ok {
			fmt.Fprintf(stderr, "Error: target %q not found in config\n", targetKey)
			return 1
		}
		keys = append(keys, targetKey)
	} else {
		for k := range cfg.Targets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	hasError := false
	for _, key := range keys {
		tc := cfg.Targets[key]
		targetWarnings, err := tc.Validate(key)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range targetWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListTargets handles the list-targets subcommand.
func runListTargets(args []string) {
	fs := flag.NewFlagSet("list-targets", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scraper list-targets [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doListTargets(*configFile, os.Stdout, os.Stderr))
}

func doListTargets(configPath string, stdout, stderr io.Writer) int {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	keys := make([]string, 0, len(cfg.Targets))
	for k := range cfg.Targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(stdout, "Targets in %s:\n\n", configPath)
	for _, key := range keys {
		tc := cfg.Targets[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		if tc.Name != "" {
			fmt.Fprintf(stdout, "    Name: %s\n", tc.Name)
		}
		fmt.Fprintf(stdout, "    Seed URLs: %d\n", len(tc.SeedURLs))
		if len(tc.AllowedDomains) > 0 {
			fmt.Fprintf(stdout, "    Allowed Domains: %s\n", strings.Join(tc.AllowedDomains, ", "))
		}
		fmt.Fprintln(stdout)
	}
	return 0
}
