package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"voting-core/config"
)

func serveRun(cfg *config.Config) {
	logger := commonRun(cfg)

	a, err := buildApp(cfg, logger)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started",
			"component", programName,
			"addr", cfg.MetricsListenAddr,
		)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(err.Error())
			os.Exit(1)
		}
	}()

	go tokenSweeper(ctx, a, cfg.TokenSweepInterval, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down",
		"component", programName,
		"signal", sig.String(),
	)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics listener shutdown failed",
			"component", programName,
			"error", err,
		)
	}
}

// tokenSweeper periodically expires overdue voting tokens.
func tokenSweeper(ctx context.Context, a *app, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.tokens.ExpireDue(ctx); err != nil {
				logger.Error("token expiry sweep failed",
					"component", programName,
					"error", err,
				)
			}
		}
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the voting core",
		Run: func(cmd *cobra.Command, args []string) {
			serveRun(loadConfig())
		},
	}
}
