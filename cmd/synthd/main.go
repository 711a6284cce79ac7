// Synthd is the synthesis daemon.
//
// It serves the HTTP API over runs, the knowledge graph and directives, and
// when server.drive_interval is set, drives the pipeline on that schedule.
//
// Configuration is loaded from ~/.config/synthd/config.yaml and SYNTHD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	synthd
//
//	# Drive a batch every ten minutes on port 9292
//	SYNTHD_SERVER_DRIVE_INTERVAL=10m SYNTHD_SERVER_HTTP_PORT=9292 synthd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/synthd/internal/agents"
	"github.com/fyrsmithlabs/synthd/internal/config"
	httpapi "github.com/fyrsmithlabs/synthd/internal/http"
	"github.com/fyrsmithlabs/synthd/internal/orchestrator"
	"github.com/fyrsmithlabs/synthd/internal/services"
	"github.com/fyrsmithlabs/synthd/internal/source"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  synthd           Start the synthesis daemon\n")
			fmt.Fprintf(os.Stderr, "  synthd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("synthd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds every service, serves HTTP and drives the pipeline until ctx
// is cancelled, then shuts down within server.shutdown_timeout.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	reg, err := services.Build(ctx, cfg, services.BuildOptions{Version: version, Pipeline: true})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	logger := reg.Logger().Underlying()
	logger.Info("starting synthd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("drive_interval", cfg.Server.DriveInterval.Duration()),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	if path := cfg.Pipeline.RolesFile; path != "" {
		watcher, err := agents.WatchRoles(ctx, path, reg.Roles(), logger)
		if err != nil {
			logger.Warn("role hot reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := httpapi.NewServer(httpapi.Deps{
		Runs:       reg.Runs(),
		Knowledge:  reg.Knowledge(),
		Ledger:     reg.Ledger(),
		LedgerPath: reg.Paths().Ledger,
		Gatherer:   prometheus.DefaultGatherer,
		Meter:      reg.Telemetry().Meter("github.com/fyrsmithlabs/synthd/internal/http"),
	}, logger, &httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if interval := cfg.Server.DriveInterval.Duration(); interval > 0 {
		g.Go(func() error {
			driveLoop(gctx, reg, interval, logger)
			return nil
		})
	}
	return g.Wait()
}

// driveLoop runs one drive pass immediately and then on every tick. A pass
// that fails is logged; the next tick tries again from the saved offset.
func driveLoop(ctx context.Context, reg services.Registry, interval time.Duration, logger *zap.Logger) {
	cfg := reg.Config()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		topic, err := source.ResolveTopic("", cfg.Pipeline.TaxonomyFile, cfg.Pipeline.Topic)
		if err != nil {
			logger.Warn("taxonomy unreadable", zap.String("topic", topic), zap.Error(err))
		}
		res, err := reg.Orchestrator().Drive(ctx, orchestrator.DriveOptions{
			Topic:     topic,
			BatchSize: cfg.Pipeline.BatchSize,
		})
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Error("drive pass failed", zap.Error(err))
		default:
			logger.Info("drive pass complete",
				zap.Int("batches", res.Batches),
				zap.Int("completed", res.Completed),
				zap.Int("failed", res.Failed),
				zap.Int("offset", res.Offset))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
