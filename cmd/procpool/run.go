package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a2y-d5l/procpool/internal/config"
	"github.com/a2y-d5l/procpool/internal/metrics"
	"github.com/a2y-d5l/procpool/internal/poollog"
	"github.com/a2y-d5l/procpool/manager"
	"github.com/a2y-d5l/procpool/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the process pool and serve it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool()
		},
	}
	return cmd
}

func runPool() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := poollog.New(os.Stderr, cfg.Logging.Level)

	var sink pool.MetricsSink
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		sink = collector
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	factory := manager.NewShellFactory(cfg.Command.Shell, cfg.Command.Args, cfg.Command.MaxExecutions, cfg.Command.MaxAgeDuration(), logger)

	p, err := pool.New(factory, pool.Config{
		MinSize:          cfg.Pool.MinSize,
		MaxSize:          cfg.Pool.MaxSize,
		ReserveSize:      cfg.Pool.ReserveSize,
		KeepAliveTimeout: cfg.Pool.KeepAliveTimeoutDuration(),
		GraceDeadline:    cfg.Pool.GraceDeadlineDuration(),
		QueueCapacity:    cfg.Pool.QueueCapacity,
		Logger:           logger,
		Metrics:          sink,
	})
	if err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		cancel(fmt.Errorf("received signal: %v", sig))
	}()

	logger.Info().Int("min_size", cfg.Pool.MinSize).Int("max_size", cfg.Pool.MaxSize).Msg("pool started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("orderly shutdown timed out, forcing")
		dropped := p.ForceShutdown()
		if len(dropped) > 0 {
			logger.Warn().Int("count", len(dropped)).Msg("queued submissions dropped")
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer waitCancel()
		if err := p.AwaitTermination(waitCtx); err != nil {
			logger.Error().Err(err).Msg("pool did not terminate cleanly")
		}
	}
	return nil
}
