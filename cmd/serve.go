package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/predictions/api"
	"tidbyt.dev/predictions/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keeps predictions fresh and serves them over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var listen string

func init() {
	serveCmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overriding the config file")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := metrics.Init(ctx, metrics.Options{
		Endpoint: cfg.Metrics.Endpoint,
		Insecure: cfg.Metrics.Insecure,
		Interval: cfg.Metrics.Interval,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("shutting down metrics", "error", err)
		}
	}()

	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(m.Cache(), api.Options{}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		m.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err = <-serverErr:
		slog.Error("server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn("shutting down server", "error", shutdownErr)
	}
	<-runDone

	return err
}
