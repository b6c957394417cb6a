package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tidbyt.dev/predictions"
	"tidbyt.dev/predictions/config"
	"tidbyt.dev/predictions/downloader"
	"tidbyt.dev/predictions/logging"
)

var rootCmd = &cobra.Command{
	Use:          "predictions",
	Short:        "Realtime transit predictions",
	Long:         "Aggregates GTFS-rt predictions by route, stop and headsign",
	SilenceUsage: true,
}

var (
	configPath    string
	sharedHeaders []string
	cacheDir      string
	logLevel      string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to config file")
	rootCmd.PersistentFlags().StringSliceVarP(
		&sharedHeaders,
		"header",
		"",
		[]string{},
		"HTTP header for feed requests, on form <key>:<value>",
	)
	rootCmd.PersistentFlags().StringVarP(&cacheDir, "cache-dir", "", "", "Directory for caching the static feed between runs")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "", "Log level, overriding the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(nearbyCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Loads the config file, applies flag overrides and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	headers, err := parseHeaders(sharedHeaders)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if len(headers) > 0 && cfg.Feed.Headers == nil {
		cfg.Feed.Headers = map[string]string{}
	}
	for k, v := range headers {
		cfg.Feed.Headers[k] = v
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(cfg.Log.Level)

	return cfg, nil
}

func newManager(cfg *config.Config) (*predictions.Manager, error) {
	m, err := predictions.NewManager(cfg)
	if err != nil {
		return nil, err
	}

	if cacheDir != "" {
		fs, err := downloader.NewFilesystemDownloader(cacheDir)
		if err != nil {
			return nil, err
		}
		m.Downloader = fs
		m.StaticCacheTTL = cfg.Feed.StaticRefreshInterval
	}

	return m, nil
}

// Loads config, and runs a single refresh.
func refreshOnce(ctx context.Context) (*predictions.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	m, err := newManager(cfg)
	if err != nil {
		return nil, err
	}

	if err := m.Refresh(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("refreshing: %w", err)
	}

	return m, nil
}
