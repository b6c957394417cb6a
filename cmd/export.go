package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/predictions"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Fetches the feeds once and writes the predictions as a GTFS-rt TripUpdates feed",
	Long:  "Fetches the feeds once and writes the predictions as a GTFS-rt TripUpdates feed. Use - for stdout.",
	Args:  cobra.ExactArgs(1),
	RunE:  export,
}

func export(cmd *cobra.Command, args []string) error {
	m, err := refreshOnce(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	sps := m.Cache().All(predictions.MaxPredictions, time.Time{})
	buf, err := predictions.ExportRealtime(sps, time.Now())
	if err != nil {
		return err
	}

	if args[0] == "-" {
		_, err = os.Stdout.Write(buf)
		return err
	}

	if err := os.WriteFile(args[0], buf, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", args[0], err)
	}

	slog.Info("exported predictions", "file", args[0], "keys", len(sps), "bytes", len(buf))

	return nil
}
