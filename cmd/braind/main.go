// Braind is the kernel's daemon entrypoint: it opens the three kernel
// databases, wires every subsystem, and runs until signalled to stop.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	brain "github.com/brainkernel/brain"
	"github.com/brainkernel/brain/logging"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "./data", "Directory holding the kernel's SQLite databases")
		workerCount   = flag.Int("queue-workers", 0, "Job queue worker count (0 = runtime.NumCPU())")
		verbose       = flag.Bool("verbose", true, "Verbose logging")
		jsonLogs      = flag.Bool("json-logs", false, "Emit structured JSON logs instead of text")
		metricsAddr   = flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address; empty disables it")
		showVersion   = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("braind %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var logger *logging.Logger
	if *jsonLogs {
		logger = logging.New(os.Stdout, level)
	} else {
		logger = logging.NewText(os.Stdout, level)
	}

	cfg := brain.DefaultConfig()
	cfg.DataDir = *dataDir
	cfg.EntityDBPath = *dataDir + "/entity.db"
	cfg.JobQueueDBPath = *dataDir + "/queue.db"
	cfg.ConversationDBPath = *dataDir + "/conversation.db"
	cfg.QueueWorkerCount = *workerCount
	cfg.Verbose = *verbose
	cfg.JSONLogs = *jsonLogs
	cfg.EnableMetrics = *metricsAddr != ""

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	kernel, err := brain.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open kernel: %v\n", err)
		os.Exit(1)
	}

	// Database-stored overrides take precedence over flag defaults that
	// weren't explicitly set.
	if v, _ := kernel.Entities.GetConfigValue("queue_workers"); v != "" && *workerCount == 0 {
		var dbWorkers int
		if _, err := fmt.Sscanf(v, "%d", &dbWorkers); err == nil {
			cfg.QueueWorkerCount = dbWorkers
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := kernel.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start kernel: %v\n", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("braind started", "dataDir", *dataDir)
	<-ctx.Done()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	kernel.Stop()
	logger.Info("braind stopped")
}
