// Command sessions fans a list of URLs through a rate-limited, caching
// session and prints a per-status summary. It exists as a smoke driver for
// the library: every flag maps onto a session configuration field.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessions"
	"sessions/internal/config"
	"sessions/internal/logger"
	"sessions/internal/observability"
	"sessions/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	backendFlag = flag.String("backend", "", "Backend: memory, kv or sql")
	typeFlag    = flag.String("type", "", "Rate limit algorithm")
	limitFlag   = flag.Int64("limit", 0, "Rate limit: requests per window")
	windowFlag  = flag.Float64("window", 0, "Rate limit window in seconds")
	cacheFlag   = flag.Bool("cache", false, "Enable response caching")
	rlFlag      = flag.Bool("ratelimit", false, "Enable rate limiting")
	workersFlag = flag.Int("workers", 0, "Worker pool size")
	progressBar = flag.Bool("progress", true, "Show a progress bar")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sessions [flags] URL [URL...]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	log, closer, err := logger.Setup(cfg.Logging, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Tracing, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		metricsServer := otelProvider.MetricsServer(cfg.Metrics.Port, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	session, err := sessions.New(cfg, sessions.WithLogger(log))
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reqs := make([]*sessions.Request, len(urls))
	for i, u := range urls {
		reqs[i] = &sessions.Request{Method: "GET", URL: u}
	}

	start := time.Now()
	results := session.Requests(ctx, reqs)
	elapsed := time.Since(start)

	byStatus := map[int]int{}
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			slog.Warn("Request failed", "error", r.Err)
			continue
		}
		byStatus[r.Response.Status]++
	}

	fmt.Printf("%d requests in %s\n", len(results), elapsed.Round(time.Millisecond))
	for status, n := range byStatus {
		fmt.Printf("  %d: %d\n", status, n)
	}
	if failures > 0 {
		fmt.Printf("  failed: %d\n", failures)
		os.Exit(1)
	}
}

// applyFlags overlays non-zero command line flags onto the configuration.
// The progress flag is always applied, so its default overrides the file.
func applyFlags(cfg *sessions.Config) {
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *typeFlag != "" {
		cfg.Type = *typeFlag
	}
	if *limitFlag > 0 {
		cfg.Limit = *limitFlag
	}
	if *windowFlag > 0 {
		cfg.Window = sessions.Seconds(*windowFlag)
	}
	if *cacheFlag {
		cfg.Cache = true
	}
	if *rlFlag {
		cfg.Ratelimit = true
	}
	if *workersFlag > 0 {
		cfg.Workers = *workersFlag
	}
	cfg.Progress = *progressBar
}
