package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halcyonvoice/voicepipe/internal/clock"
	"github.com/halcyonvoice/voicepipe/internal/config"
	"github.com/halcyonvoice/voicepipe/internal/observability"
	"github.com/halcyonvoice/voicepipe/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("synthesis_url", cfg.SynthesisURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("voicepipe starting")

	clk := clock.Real()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", session.Handler(cfg, clk))
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	synthesisCheck := func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.SynthesisURL, nil)
		if err != nil {
			return false, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		// Any response at all means the service is reachable; auth and method
		// errors are expected on a bare HEAD.
		return true, nil
	}
	configCheck := func(ctx context.Context) (bool, error) {
		if err := cfg.Validate(); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"synthesis": synthesisCheck,
		"config":    configCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shut down")
	}
	logger.Info().Msg("server exited")
}
