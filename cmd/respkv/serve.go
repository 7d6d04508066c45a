package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raniellyferreira/respkv"
	"github.com/raniellyferreira/respkv/config"
	"github.com/raniellyferreira/respkv/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a respkv node",
		Long: `Start a respkv node. Every setting can come from a flag, a YAML file given
with --config, a RESPKV_<NAME> environment variable (e.g. RESPKV_PORT=6380,
RESPKV_SWEEP_INTERVAL=1s) or a .env file, in that order of precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

// serve runs a node until ctx is done
func serve(ctx context.Context, cfg *config.Config) error {
	level, err := respkv.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := respkv.NewLogger(level)
	registry := metrics.DefaultRegistry()

	node, err := respkv.FromConfig(cfg, respkv.WithLogger(logger), respkv.WithMetrics(registry))
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Start(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", respkv.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", respkv.Field{Key: "error", Value: err})
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return node.Close()
}
