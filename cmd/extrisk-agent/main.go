// ExtRisk Agent - Browser Extension Risk Scanner
//
// This agent supports multiple deployment modes:
//
//  1. ONE-SHOT MODE (review queue / CI):
//     extrisk-agent -dir ./extension -json
//     extrisk-agent -archive extension.crx -source sideload -push
//
//  2. MONITORING REPLAY (hybrid scoring from a recorded event window):
//     extrisk-agent -dir ./extension -events window.json
//
//  3. DAEMON MODE (watch a drop directory, serve health and metrics):
//     extrisk-agent -daemon -config agent.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/extrisk/pkg/analyzers/behavior"
	"github.com/exploopio/extrisk/pkg/artifact"
	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/engine"
	"github.com/exploopio/extrisk/pkg/health"
	"github.com/exploopio/extrisk/pkg/metrics"
	"github.com/exploopio/extrisk/pkg/pipeline"
	"github.com/exploopio/extrisk/pkg/signatures"
	"github.com/exploopio/extrisk/pkg/store"
	grpctransport "github.com/exploopio/extrisk/pkg/transport/grpc"
	"github.com/exploopio/extrisk/pkg/xrs"
)

const (
	appName    = "extrisk-agent"
	appVersion = "1.0.0"
)

// Config represents the agent configuration.
type Config struct {
	// Agent settings
	Agent struct {
		Name         string        `yaml:"name"`
		Verbose      bool          `yaml:"verbose"`
		Listen       string        `yaml:"listen"`
		WatchDir     string        `yaml:"watch_dir"`
		ScanInterval time.Duration `yaml:"scan_interval"`
	} `yaml:"agent"`

	// Central platform (gRPC report intake)
	Platform grpctransport.Config `yaml:"platform"`

	// Scan history store
	Store struct {
		Path   string        `yaml:"path"`
		MaxAge time.Duration `yaml:"max_age"`
	} `yaml:"store"`

	// Published signature feed
	Feed struct {
		Owner string `yaml:"owner"`
		Repo  string `yaml:"repo"`
		Path  string `yaml:"path"`
		Ref   string `yaml:"ref"`
		Token string `yaml:"token"`

		// How often daemon mode re-pulls the feed. Zero means hourly.
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"feed"`
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config file")
	dir := flag.String("dir", "", "Unpacked extension directory to analyze")
	archive := flag.String("archive", "", "Extension archive (.crx or .zip) to analyze")
	eventsPath := flag.String("events", "", "Runtime event window (JSON) for hybrid scoring")
	source := flag.String("source", "unknown", "Install source: store, sideload, unpacked, unknown")
	dbPath := flag.String("db", "", "Scan history database path")
	pruneFlag := flag.Bool("prune", false, "Prune expired scan records and exit")
	push := flag.Bool("push", false, "Push the report to the platform")
	platformAddr := flag.String("platform-addr", "", "Platform address (or EXTRISK_PLATFORM_ADDR env)")
	apiKey := flag.String("api-key", "", "Platform API key (or EXTRISK_API_KEY env)")
	agentID := flag.String("agent-id", "", "Agent ID for tenant tracking (or EXTRISK_AGENT_ID env)")
	insecure := flag.Bool("insecure", false, "Disable TLS on the platform connection")
	daemonFlag := flag.Bool("daemon", false, "Run in daemon mode")
	watch := flag.String("watch", "", "Drop directory to watch in daemon mode")
	interval := flag.Duration("interval", 30*time.Second, "Watch poll interval in daemon mode")
	listen := flag.String("listen", ":8080", "Health and metrics listen address (daemon mode)")
	verbose := flag.Bool("verbose", false, "Verbose output")
	outputJSON := flag.Bool("json", false, "Output the report as JSON")
	outputFile := flag.String("output", "", "Output file path (instead of stdout)")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	// Load config or use CLI flags
	var cfg Config
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg.Platform = *grpctransport.DefaultConfig()
		cfg.Platform.Address = getEnvOrFlag(*platformAddr, "EXTRISK_PLATFORM_ADDR")
		cfg.Platform.APIKey = getEnvOrFlag(*apiKey, "EXTRISK_API_KEY")
		cfg.Platform.AgentID = getEnvOrFlag(*agentID, "EXTRISK_AGENT_ID")
		cfg.Platform.UseTLS = !*insecure
		cfg.Store.Path = *dbPath
		cfg.Agent.Listen = *listen
		cfg.Agent.WatchDir = *watch
		cfg.Agent.ScanInterval = *interval
	}
	if *verbose {
		cfg.Agent.Verbose = true
	}
	if cfg.Agent.ScanInterval <= 0 {
		cfg.Agent.ScanInterval = 30 * time.Second
	}

	logger := core.LoggerFromVerbose(appName, cfg.Agent.Verbose)
	collector := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
		RegisterDefaultMetrics: true,
	})

	// Signature database: published feed when configured, built-in set
	// otherwise. Daemon mode keeps the provider fresh on a timer.
	sigProvider := signatures.NewProvider(nil)
	var feed *signatures.FeedClient
	if cfg.Feed.Owner != "" && cfg.Feed.Repo != "" && cfg.Feed.Path != "" {
		feed = signatures.NewFeedClient(signatures.FeedConfig{
			Owner: cfg.Feed.Owner,
			Repo:  cfg.Feed.Repo,
			Path:  cfg.Feed.Path,
			Ref:   cfg.Feed.Ref,
			Token: cfg.Feed.Token,
		}, logger)
		if err := feed.Refresh(ctx, sigProvider); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: signature feed unavailable, using built-in set: %v\n", err)
		}
	}

	eng, err := engine.New(&engine.Config{
		Signatures: sigProvider.Current(),
		Metrics:    collector,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		os.Exit(1)
	}

	// Scan history store
	var scanStore *store.Store
	if cfg.Store.Path != "" {
		storeCfg := store.DefaultConfig()
		storeCfg.DatabasePath = cfg.Store.Path
		if cfg.Store.MaxAge > 0 {
			storeCfg.MaxAge = cfg.Store.MaxAge
		}
		scanStore, err = store.Open(storeCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening scan history: %v\n", err)
			os.Exit(1)
		}
		defer scanStore.Close()
	}

	if *pruneFlag {
		if scanStore == nil {
			fmt.Fprintf(os.Stderr, "Error: -prune requires -db or a store path in the config.\n")
			os.Exit(1)
		}
		pruned, err := scanStore.Prune(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pruning scan history: %v\n", err)
			scanStore.Close()
			os.Exit(1)
		}
		collector.CounterAdd(metrics.StorePrunedTotal.Name, float64(pruned))
		fmt.Printf("Pruned %d scan records\n", pruned)
		scanStore.Close()
		os.Exit(0)
	}

	// Publish pipeline (unless running locally)
	var pl *pipeline.Pipeline
	if *push || (*daemonFlag && cfg.Platform.Address != "") {
		if cfg.Platform.Address == "" {
			fmt.Fprintf(os.Stderr, "Error: -push specified but no platform address provided.\n")
			fmt.Fprintf(os.Stderr, "Use -platform-addr and -api-key, or set EXTRISK_PLATFORM_ADDR and EXTRISK_API_KEY env vars.\n")
			os.Exit(1)
		}
		transport := grpctransport.NewTransport(&cfg.Platform, logger)
		if err := transport.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to platform: %v\n", err)
			os.Exit(1)
		}
		defer transport.Close()

		if err := transport.CheckHealth(ctx); err != nil {
			fmt.Printf("Warning: platform health check failed: %v\n", err)
		} else if cfg.Agent.Verbose {
			fmt.Println("Connected to platform")
		}

		plCfg := pipeline.DefaultConfig()
		plCfg.OnCompleted = func(*pipeline.QueueItem) {
			collector.CounterInc(metrics.PipelinePublishesTotal.Name, "status", "ok")
		}
		plCfg.OnFailed = func(*pipeline.QueueItem, error) {
			collector.CounterInc(metrics.PipelinePublishesTotal.Name, "status", "error")
		}
		plCfg.OnRetry = func(*pipeline.QueueItem) {
			collector.CounterInc(metrics.PipelineRetriesTotal.Name)
		}
		pl = pipeline.New(plCfg, grpctransport.NewPublisher(transport), logger)
		pl.Start(ctx)
	}

	loader := artifact.New(nil, logger)

	// Determine mode and run
	if *daemonFlag {
		if cfg.Agent.WatchDir == "" {
			fmt.Fprintf(os.Stderr, "Error: daemon mode requires -watch or agent.watch_dir in the config.\n")
			os.Exit(1)
		}
		runDaemon(ctx, &cfg, eng, loader, scanStore, pl, collector, logger, feed, sigProvider)
	} else {
		if *dir == "" && *archive == "" {
			fmt.Fprintf(os.Stderr, "Error: nothing to analyze.\n")
			fmt.Fprintf(os.Stderr, "Use -dir or -archive to specify an extension, or -daemon to watch a directory.\n")
			os.Exit(1)
		}
		if err := runOnce(ctx, eng, loader, scanStore, pl, collector, logger, onceOptions{
			dir:        *dir,
			archive:    *archive,
			eventsPath: *eventsPath,
			source:     *source,
			outputJSON: *outputJSON,
			outputFile: *outputFile,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	// Drain pending deliveries before exit
	if pl != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer flushCancel()
		if err := pl.Flush(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: undelivered reports remain in the queue: %v\n", err)
		}
		if err := pl.Stop(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: pipeline did not stop cleanly: %v\n", err)
		}
	}
}

func getEnvOrFlag(flagVal, envName string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envName)
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	return nil
}

func parseSource(s string) (xrs.InstallSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "store":
		return xrs.InstallSourceStore, nil
	case "sideload":
		return xrs.InstallSourceSideload, nil
	case "unpacked":
		return xrs.InstallSourceUnpacked, nil
	case "unknown", "":
		return xrs.InstallSourceUnknown, nil
	default:
		return "", fmt.Errorf("unknown install source %q (want store, sideload, unpacked or unknown)", s)
	}
}

type onceOptions struct {
	dir        string
	archive    string
	eventsPath string
	source     string
	outputJSON bool
	outputFile string
}

func runOnce(ctx context.Context, eng *engine.Engine, loader *artifact.Loader, scanStore *store.Store, pl *pipeline.Pipeline, collector metrics.Collector, logger core.Logger, opts onceOptions) error {
	src, err := parseSource(opts.source)
	if err != nil {
		return err
	}

	var art *xrs.ExtensionArtifact
	if opts.dir != "" {
		art, err = loader.LoadDirectory(opts.dir, src)
	} else {
		art, err = loader.LoadArchive(opts.archive, src)
	}
	if err != nil {
		return err
	}

	var report *xrs.RiskReport
	if opts.eventsPath != "" {
		vector, err := loadEventWindow(opts.eventsPath, logger)
		if err != nil {
			return err
		}
		report, err = eng.AnalyzeWithBehavior(art, vector)
		if err != nil {
			return err
		}
	} else {
		report, err = eng.AnalyzeArtifact(art)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	report.GeneratedAt = &now

	if scanStore != nil {
		id, err := scanStore.Save(ctx, report)
		if err != nil {
			return err
		}
		collector.CounterInc(metrics.StoreScansTotal.Name, "risk_level", string(report.RiskLevel))
		logger.Debug("report saved as scan %s", id)
	}

	if pl != nil {
		if _, err := pl.Submit(report); err != nil {
			return err
		}
		collector.GaugeSet(metrics.PipelineQueueDepth.Name, float64(pl.QueueLength()))
	}

	return writeReport(report, opts.outputJSON, opts.outputFile)
}

// loadEventWindow replays a recorded runtime event window into a behavior
// vector, the same normalization the live monitoring host applies.
func loadEventWindow(path string, logger core.Logger) (*xrs.BehaviorVector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event window: %w", err)
	}
	var events []behavior.RawEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse event window: %w", err)
	}
	acc := behavior.NewAccumulator(nil, logger)
	for _, ev := range events {
		acc.Ingest(ev)
	}
	vector := acc.Flush()
	return &vector, nil
}

func writeReport(report *xrs.RiskReport, outputJSON bool, outputFile string) error {
	if outputJSON || outputFile != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if outputFile != "" {
			if err := os.WriteFile(outputFile, append(data, '\n'), 0644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Printf("Report written to %s\n", outputFile)
			return nil
		}
		fmt.Println(string(data))
		return nil
	}
	printSummary(report)
	return nil
}

func printSummary(report *xrs.RiskReport) {
	fmt.Printf("Extension:      %s %s (%s)\n", report.Name, report.Version, report.ExtensionID)
	fmt.Printf("Mode:           %s\n", report.Mode)
	fmt.Printf("Risk score:     %.1f (%s)\n", report.RiskScore, report.RiskLevel)
	fmt.Printf("Classification: %s\n", report.Verdict.Classification)
	if report.Verdict.AutoReject {
		fmt.Println("Verdict:        AUTO-REJECT")
	}
	if report.Verdict.RecommendationText != "" {
		fmt.Printf("Recommendation: %s\n", report.Verdict.RecommendationText)
	}

	if len(report.TopFindings) > 0 {
		fmt.Println("\nTop findings:")
		for _, f := range report.TopFindings {
			loc := ""
			if f.File != "" {
				loc = fmt.Sprintf(" [%s:%d]", f.File, f.Line)
			}
			fmt.Printf("  %-8s %s%s\n", f.Severity.String(), f.Title, loc)
		}
	}

	if len(report.AttackChains) > 0 {
		fmt.Println("\nAttack chains:")
		for _, ch := range report.AttackChains {
			fmt.Printf("  %s (confidence %.2f, +%.1f)\n", ch.Name, ch.Confidence, ch.RiskBoost)
		}
	}

	if len(report.CrossCorrelations) > 0 {
		fmt.Println("\nCross correlations:")
		for _, cc := range report.CrossCorrelations {
			fmt.Printf("  %s (+%.1f)\n", cc.Name, cc.Bonus)
		}
	}

	if len(report.Degraded) > 0 {
		fmt.Println("\nDegraded signals:")
		for _, d := range report.Degraded {
			fmt.Printf("  %s: %s\n", d.Component, d.Reason)
		}
	}

	if len(report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range report.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
}

func runDaemon(ctx context.Context, cfg *Config, eng *engine.Engine, loader *artifact.Loader, scanStore *store.Store, pl *pipeline.Pipeline, collector *metrics.PrometheusCollector, logger core.Logger, feed *signatures.FeedClient, sigProvider *signatures.Provider) {
	healthHandler := health.NewHandler(health.WithVersion(appVersion))
	healthHandler.Register("ping", &health.PingCheck{})
	healthHandler.Register("memory", &health.MemoryCheck{})
	healthHandler.Register("disk", &health.DiskCheck{Path: cfg.Agent.WatchDir, MinFreeBytes: 100 * 1024 * 1024})
	if scanStore != nil {
		healthHandler.Register("store", &health.StoreCheck{PingFunc: scanStore.Ping})
	}

	mux := http.NewServeMux()
	healthHandler.RegisterRoutes(mux)
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:         cfg.Agent.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening on %s", cfg.Agent.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error: health listener failed: %v\n", err)
		}
	}()

	fmt.Printf("Watching %s every %s\n", cfg.Agent.WatchDir, cfg.Agent.ScanInterval)

	// Seen artifacts by path, keyed on modtime so a replaced file rescans
	seen := make(map[string]time.Time)

	ticker := time.NewTicker(cfg.Agent.ScanInterval)
	defer ticker.Stop()

	// Signature feed refresh; a rebuilt engine picks up the new database.
	// Only this loop touches eng, so the swap needs no locking.
	var feedTick <-chan time.Time
	if feed != nil {
		refreshInterval := cfg.Feed.RefreshInterval
		if refreshInterval <= 0 {
			refreshInterval = time.Hour
		}
		feedTicker := time.NewTicker(refreshInterval)
		defer feedTicker.Stop()
		feedTick = feedTicker.C
	}

	scanWatchDir(ctx, cfg, eng, loader, scanStore, pl, collector, logger, seen)
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		case <-feedTick:
			if err := feed.Refresh(ctx, sigProvider); err != nil {
				continue // Refresh logged the failure; keep the current engine
			}
			next, err := engine.New(&engine.Config{
				Signatures: sigProvider.Current(),
				Metrics:    collector,
			}, logger)
			if err != nil {
				logger.Error("rebuild engine after feed refresh: %v", err)
				continue
			}
			eng = next
		case <-ticker.C:
			scanWatchDir(ctx, cfg, eng, loader, scanStore, pl, collector, logger, seen)
		}
	}
}

func scanWatchDir(ctx context.Context, cfg *Config, eng *engine.Engine, loader *artifact.Loader, scanStore *store.Store, pl *pipeline.Pipeline, collector *metrics.PrometheusCollector, logger core.Logger, seen map[string]time.Time) {
	entries, err := os.ReadDir(cfg.Agent.WatchDir)
	if err != nil {
		logger.Error("read watch dir: %v", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		path := filepath.Join(cfg.Agent.WatchDir, entry.Name())
		isArchive := !entry.IsDir() && hasArchiveExt(entry.Name())
		isUnpacked := entry.IsDir() && hasManifest(path)
		if !isArchive && !isUnpacked {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if last, ok := seen[path]; ok && !info.ModTime().After(last) {
			continue
		}
		seen[path] = info.ModTime()

		logger.Info("scanning %s", path)
		var art *xrs.ExtensionArtifact
		if isArchive {
			art, err = loader.LoadArchive(path, xrs.InstallSourceSideload)
		} else {
			art, err = loader.LoadDirectory(path, xrs.InstallSourceUnpacked)
		}
		if err != nil {
			logger.Error("load %s: %v", path, err)
			continue
		}

		report, err := eng.AnalyzeArtifact(art)
		if err != nil {
			logger.Error("analyze %s: %v", path, err)
			continue
		}
		now := time.Now().UTC()
		report.GeneratedAt = &now

		fmt.Printf("[%s] %s %s: %.1f (%s) %s\n",
			entry.Name(), report.Name, report.Version,
			report.RiskScore, report.RiskLevel, report.Verdict.Classification)

		if scanStore != nil {
			if _, err := scanStore.Save(ctx, report); err != nil {
				logger.Error("save report for %s: %v", path, err)
			} else {
				collector.CounterInc(metrics.StoreScansTotal.Name, "risk_level", string(report.RiskLevel))
			}
		}
		if pl != nil {
			if _, err := pl.Submit(report); err != nil {
				logger.Error("queue report for %s: %v", path, err)
			}
			collector.GaugeSet(metrics.PipelineQueueDepth.Name, float64(pl.QueueLength()))
		}
	}
}

func hasArchiveExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".crx", ".zip":
		return true
	}
	return false
}

func hasManifest(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "manifest.json"))
	return err == nil
}
