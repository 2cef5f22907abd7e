package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/polite-crawler/pkg/config"
	"github.com/Sriram-PR/polite-crawler/pkg/crawler"
	"github.com/Sriram-PR/polite-crawler/pkg/metrics"
	"github.com/Sriram-PR/polite-crawler/pkg/storage"
	"github.com/Sriram-PR/polite-crawler/pkg/utils"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:], false)
	case "resume":
		runCrawl(os.Args[2:], true)
	case "validate":
		runValidate(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "version":
		fmt.Printf("polite-crawler %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `polite-crawler - Polite, resumable web crawler

Usage:
  polite-crawler <command> [options]

Commands:
  crawl       Start a fresh crawl from the seed URLs (discards saved state)
  resume      Continue a crawl from the saved state
  validate    Validate configuration file
  report      Rewrite the report files from the saved state without crawling
  version     Show version info

Run 'polite-crawler <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// runCrawl handles both crawl and resume subcommands
func runCrawl(args []string, isResume bool) {
	cmdName := "crawl"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	workers := fs.Int("workers", 0, "Override num_workers from the config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: polite-crawler %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(executeCrawl(*configFile, *logLevel, *pprofAddr, *workers, isResume))
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: polite-crawler validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d seed URL(s), %d allowed domain rule(s), %d worker(s)\n",
		len(appCfg.SeedURLs), len(appCfg.AllowedDomains), appCfg.NumWorkers)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runReport handles the report subcommand
func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: polite-crawler report [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doReport(*configFile, setupLogger(*logLevel), os.Stdout, os.Stderr))
}

// doReport rewrites the report files from saved state and prints a summary.
// Returns exit code (0 = success, 1 = error).
func doReport(configPath string, log *logrus.Logger, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := appCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	stats, crawlStats, err := crawler.Report(context.Background(), appCfg, log.WithField("component", "report"))
	if err != nil {
		if errors.Is(err, utils.ErrNoResumeState) {
			fmt.Fprintf(stderr, "Error: no saved crawl state under %s\n", appCfg.StateDir)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	if run := stats.PreviousRun; run != nil {
		fmt.Fprintf(stdout, "Last run:         %s started %s (resumed: %v)\n", run.RunID, run.StartedAt.Format(time.RFC3339), run.Resumed)
	}
	fmt.Fprintf(stdout, "Ledger records:   %d\n", stats.LedgerRecords)
	fmt.Fprintf(stdout, "Pending URLs:     %d\n", stats.Pending)
	fmt.Fprintf(stdout, "Filtered URLs:    %d\n", stats.Journaled)
	fmt.Fprintf(stdout, "Distinct words:   %d\n", len(crawlStats.WordCounts))
	fmt.Fprintf(stdout, "Subdomains:       %d\n", len(crawlStats.SubdomainCounts))
	fmt.Fprintf(stdout, "Longest page:     %s (%d words)\n", crawlStats.LongestPage.URL, crawlStats.LongestPage.TokenCount)
	for _, e := range storage.TopN(crawlStats.WordCounts, 10) {
		fmt.Fprintf(stdout, "  %-20s %d\n", e.Key, e.Count)
	}
	fmt.Fprintf(stdout, "Reports written to %s\n", appCfg.LogDir)
	return 0
}

func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}

	return log
}

func startPprof(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)
	go func() {
		log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("Pprof server failed to start on %s: %v", addr, err)
		}
	}()
}

// executeCrawl runs a crawl to completion and returns the process exit code
func executeCrawl(configFile, logLevelStr, pprofAddr string, workers int, isResume bool) int {
	log := setupLogger(logLevelStr)

	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := loadConfig(configFile)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	if workers > 0 {
		appCfg.NumWorkers = workers
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return 1
	}
	logAppConfig(appCfg, log)

	startPprof(pprofAddr, log)

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	defer cancelCrawl()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	log.Info("Initializing components...")
	logEntry := log.WithField("component", "crawl")

	var m *metrics.Metrics
	if appCfg.MetricsAddr != "" {
		m = metrics.New()
	}

	c, err := crawler.New(crawlCtx, appCfg, crawler.Options{Resume: isResume, Metrics: m}, logEntry)
	if err != nil {
		if errors.Is(err, utils.ErrNoResumeState) {
			log.Errorf("Cannot resume: %v", err)
		} else {
			log.Errorf("Failed to initialize crawler: %v", err)
		}
		return 1
	}
	log.Infof("Run ID: %s", c.RunID())

	err = c.Run(crawlCtx)
	if closeErr := c.Close(); closeErr != nil {
		log.Errorf("Failed to close crawl state cleanly: %v", closeErr)
		if err == nil {
			err = closeErr
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Crawl cancelled gracefully. Run 'resume' to continue.")
			return 0
		}
		log.Errorf("Crawl finished with error: %v", err)
		return 1
	}

	log.Info("Crawl completed successfully.")
	return 0
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Workers:%d, PolitenessDelay:%v, CooldownPoll:%v, StatsFlushEvery:%d",
		appCfg.NumWorkers, appCfg.PolitenessDelay, appCfg.CooldownPollInterval, appCfg.StatsFlushInterval)
	log.Infof("Config: Seeds:%d, AllowedDomains:%d, StateDir:%s, LogDir:%s",
		len(appCfg.SeedURLs), len(appCfg.AllowedDomains), appCfg.StateDir, appCfg.LogDir)
	log.Infof("Config Policy: ParamIgnored:%d, DenyPrefixes:%d, DisallowedPatterns:%d, DenyExtensions:%d",
		len(appCfg.ParamIgnoredPrefixes), len(appCfg.DenyPrefixes), len(appCfg.DisallowedPathPatterns), len(appCfg.DenyExtensions))
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v, CacheServer:%q",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay, appCfg.CacheServer)
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}
