package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobagent/internal/diag"
	"jobagent/internal/feedback"
	"jobagent/internal/logger"
	"jobagent/internal/observability"
	"jobagent/internal/worker"
	"jobagent/internal/worker/runtime"

	"github.com/spf13/cobra"
)

var console bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and run jobs from the controller until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log := logger.New(cfg.Verbose)
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Tracing
		shutdownTracer, err := observability.InitTracer(ctx, "jobagent", version, cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Error("failed to shutdown tracer", "error", err)
			}
		}()

		// Metrics
		metricsHandler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				log.Error("failed to shutdown metrics", "error", err)
			}
		}()
		metrics, err := observability.NewAgentMetrics()
		if err != nil {
			return fmt.Errorf("failed to create instruments: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("agent metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()

		writers := []diag.Writer{diagFileWriter(cfg, time.Now())}
		if console {
			writers = append(writers, diag.NewStreamWriter(diag.DefaultLevel(cfg.Verbose), os.Stderr, os.Stderr))
		}

		client := feedback.NewClient(cfg.ControllerURL, cfg.Token)
		rt := runtime.NewExecRuntime(cfg.WorkFolder)
		agent := worker.New(client, rt, agentConfig(cfg, writers, log, metrics))

		err = agent.Run(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("agent stopped")
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&console, "console", false, "also echo job logs to stderr")
	rootCmd.AddCommand(runCmd)
}
