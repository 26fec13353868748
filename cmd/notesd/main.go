// Command notesd serves the notes API over a record store, a cache and a
// search index kept consistent by the write coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-repository-sync/config"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/pkg/di"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "notesd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, tracerCleanup, err := telemetry.InitTracerProvider(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracerCleanup()

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Error("shutdown finished with errors", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      container.Handler(),
		ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 0, logger),
		WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 0, logger),
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	shutdownTimeout := config.ParseDuration(cfg.Server.ShutdownTimeout, 15*time.Second, logger)

	g, gctx := errgroup.WithContext(ctx)
	if err := container.Start(gctx); err != nil {
		return err
	}
	g.Go(container.Wait)
	g.Go(func() error {
		logger.Info("notesd listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("notesd stopped")
	return nil
}
